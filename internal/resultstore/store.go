// Package resultstore persists named artifacts for a company across the local
// workspace and an optional object store.
//
// Writes are local-authoritative: the local copy must succeed, the remote
// copy is best effort. Reads are remote-preferred: the remote copy is tried
// first and the local copy is the fallback.
package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/model"
	"github.com/sells-group/repusense/internal/resilience"
	"github.com/sells-group/repusense/internal/workspace"
)

// Backend names one side of the store.
type Backend string

const (
	BackendLocal  Backend = "local"
	BackendRemote Backend = "remote"
)

// Store is the dual-backend artifact store. Whether a remote backend exists
// is fixed at construction.
type Store struct {
	ws      *workspace.Workspace
	remote  ObjectStore
	breaker *resilience.Breaker
}

// Option configures a Store.
type Option func(*Store)

// WithRemote enables the remote backend. A nil breaker gets a default one.
func WithRemote(obj ObjectStore, breaker *resilience.Breaker) Option {
	return func(s *Store) {
		s.remote = obj
		s.breaker = breaker
	}
}

// New creates a Store over ws.
func New(ws *workspace.Workspace, opts ...Option) *Store {
	s := &Store{ws: ws}
	for _, opt := range opts {
		opt(s)
	}
	if s.remote != nil && s.breaker == nil {
		s.breaker = resilience.NewBreaker(resilience.BreakerConfig{})
	}
	return s
}

// Workspace returns the workspace the store writes into.
func (s *Store) Workspace() *workspace.Workspace { return s.ws }

// RemoteEnabled reports whether a remote backend is configured.
func (s *Store) RemoteEnabled() bool { return s.remote != nil }

// Remote returns the remote backend, or nil.
func (s *Store) Remote() ObjectStore { return s.remote }

// WriteOrder is the order backends are written: local first and required,
// then remote when configured.
func (s *Store) WriteOrder() []Backend {
	if s.remote == nil {
		return []Backend{BackendLocal}
	}
	return []Backend{BackendLocal, BackendRemote}
}

// ReadOrder is the order backends are read: remote first when configured,
// then local.
func (s *Store) ReadOrder() []Backend {
	if s.remote == nil {
		return []Backend{BackendLocal}
	}
	return []Backend{BackendRemote, BackendLocal}
}

// RemoteReachable reports whether the remote backend is configured and its
// breaker currently lets calls through.
func (s *Store) RemoteReachable() bool { return s.remoteReachable() }

func (s *Store) remoteReachable() bool {
	return s.remote != nil && s.breaker.Reachable()
}

// Put writes a results-zone artifact for company and stage.
func (s *Store) Put(ctx context.Context, company string, stage model.Stage, name string, content []byte) (model.Locations, error) {
	return s.PutRef(ctx, model.ArtifactRef{Zone: model.ZoneResults, Company: company, Stage: stage, Name: name}, content)
}

// PutRef writes content at ref. A local failure is returned as ErrStorage; a
// remote failure is logged and leaves Locations.Remote empty.
func (s *Store) PutRef(ctx context.Context, ref model.ArtifactRef, content []byte) (model.Locations, error) {
	loc, err := s.ws.ResolveRef(ref)
	if err != nil {
		return model.Locations{}, err
	}

	var out model.Locations
	for _, b := range s.WriteOrder() {
		switch b {
		case BackendLocal:
			if err := s.ws.Ensure(loc); err != nil {
				return model.Locations{}, err
			}
			p := loc.Path(ref.Name)
			if err := writeFileAtomic(p, content); err != nil {
				return model.Locations{}, eris.Wrapf(model.ErrStorage, "resultstore: write %s: %v", p, err)
			}
			out.Local = p

		case BackendRemote:
			key := loc.Key(ref.Name)
			if !s.remoteReachable() {
				zap.L().Debug("resultstore: remote unreachable, skipping put", zap.String("key", key))
				continue
			}
			err := s.breaker.Execute(ctx, func(ctx context.Context) error {
				return s.remote.Put(ctx, key, content, contentType(ref.Name))
			})
			if err != nil {
				zap.L().Warn("resultstore: remote put failed",
					zap.String("key", key),
					zap.Error(err),
				)
				continue
			}
			out.Remote = s.remote.URL(key)
		}
	}
	return out, nil
}

// PutJSON encodes v as indented JSON and writes it at ref.
func (s *Store) PutJSON(ctx context.Context, ref model.ArtifactRef, v any) (model.Locations, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return model.Locations{}, eris.Wrapf(err, "resultstore: marshal %s", ref.Name)
	}
	return s.PutRef(ctx, ref, b)
}

// Get reads a results-zone artifact for company and stage.
func (s *Store) Get(ctx context.Context, company string, stage model.Stage, name string) ([]byte, error) {
	return s.GetRef(ctx, model.ArtifactRef{Zone: model.ZoneResults, Company: company, Stage: stage, Name: name})
}

// GetRef reads the artifact at ref following ReadOrder. It returns
// ErrNotFound only when every backend missed or failed.
func (s *Store) GetRef(ctx context.Context, ref model.ArtifactRef) ([]byte, error) {
	loc, err := s.ws.ResolveRef(ref)
	if err != nil {
		return nil, err
	}

	for _, b := range s.ReadOrder() {
		switch b {
		case BackendRemote:
			body, found := s.remoteGet(ctx, loc.Key(ref.Name))
			if found {
				return body, nil
			}
		case BackendLocal:
			body, err := os.ReadFile(loc.Path(ref.Name))
			if err == nil {
				return body, nil
			}
			if !os.IsNotExist(err) {
				zap.L().Warn("resultstore: local read failed",
					zap.String("path", loc.Path(ref.Name)),
					zap.Error(err),
				)
			}
		}
	}
	return nil, eris.Wrapf(model.ErrNotFound, "resultstore: %s/%s", loc.KeyPrefix, ref.Name)
}

// GetEach reads the artifact at ref from every backend that has it, keyed by
// backend. It returns ErrNotFound when no backend has a copy.
func (s *Store) GetEach(ctx context.Context, ref model.ArtifactRef) (map[Backend][]byte, error) {
	loc, err := s.ws.ResolveRef(ref)
	if err != nil {
		return nil, err
	}

	out := make(map[Backend][]byte, 2)
	if body, found := s.remoteGet(ctx, loc.Key(ref.Name)); found {
		out[BackendRemote] = body
	}
	if body, err := os.ReadFile(loc.Path(ref.Name)); err == nil {
		out[BackendLocal] = body
	}
	if len(out) == 0 {
		return nil, eris.Wrapf(model.ErrNotFound, "resultstore: %s/%s", loc.KeyPrefix, ref.Name)
	}
	return out, nil
}

// remoteGet reads key remotely. A missing key does not count against the
// breaker; any other failure does.
func (s *Store) remoteGet(ctx context.Context, key string) ([]byte, bool) {
	if !s.remoteReachable() {
		return nil, false
	}

	var missing bool
	body, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) ([]byte, error) {
		b, err := s.remote.Get(ctx, key)
		if errors.Is(err, ErrObjectNotFound) {
			missing = true
			return nil, nil
		}
		return b, err
	})
	if err != nil {
		zap.L().Warn("resultstore: remote get failed, falling back to local",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, false
	}
	return body, !missing
}

// GetJSON decodes the artifact at ref into v. Malformed JSON is logged and
// reported as ErrNotFound.
func (s *Store) GetJSON(ctx context.Context, ref model.ArtifactRef, v any) error {
	body, err := s.GetRef(ctx, ref)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		zap.L().Warn("resultstore: malformed artifact treated as absent",
			zap.String("company", ref.Company),
			zap.String("zone", string(ref.Zone)),
			zap.String("name", ref.Name),
			zap.Error(err),
		)
		return eris.Wrapf(model.ErrNotFound, "resultstore: malformed %s", ref.Name)
	}
	return nil
}

// Exists reports whether ref can be read from any backend.
func (s *Store) Exists(ctx context.Context, ref model.ArtifactRef) bool {
	_, err := s.GetRef(ctx, ref)
	return err == nil
}

// List returns the artifact names stored at the location of ref (ref.Name is
// ignored), merged across both backends and sorted.
func (s *Store) List(ctx context.Context, ref model.ArtifactRef) ([]string, error) {
	loc, err := s.ws.ResolveRef(ref)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	if s.remoteReachable() {
		names, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) ([]string, error) {
			return s.remote.List(ctx, loc.KeyPrefix)
		})
		if err != nil {
			zap.L().Warn("resultstore: remote list failed", zap.String("prefix", loc.KeyPrefix), zap.Error(err))
		}
		for _, n := range names {
			seen[n] = struct{}{}
		}
	}

	local, err := listLocal(loc.Dir)
	if err != nil {
		return nil, eris.Wrapf(err, "resultstore: list %s", loc.Dir)
	}
	for _, n := range local {
		seen[n] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// ListCompanies enumerates the companies present in zone, asking the remote
// backend first and falling back to local on error or an empty answer.
func (s *Store) ListCompanies(ctx context.Context, zone model.Zone) ([]string, error) {
	if s.remoteReachable() {
		prefix, err := s.ws.ZoneKeyPrefix(zone)
		if err != nil {
			return nil, err
		}
		names, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) ([]string, error) {
			return s.remote.List(ctx, prefix)
		})
		switch {
		case err != nil:
			zap.L().Warn("resultstore: remote company listing failed, using local", zap.Error(err))
		case len(names) > 0:
			return names, nil
		}
	}
	return s.ws.LocalCompanies(zone)
}

// AllCompanies enumerates the companies present in zone on either backend.
// Unlike ListCompanies it never trusts one side alone, so entries written
// locally while the remote was down are included.
func (s *Store) AllCompanies(ctx context.Context, zone model.Zone) ([]string, error) {
	seen := make(map[string]struct{})
	if s.remoteReachable() {
		prefix, err := s.ws.ZoneKeyPrefix(zone)
		if err != nil {
			return nil, err
		}
		names, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) ([]string, error) {
			return s.remote.List(ctx, prefix)
		})
		if err != nil {
			zap.L().Warn("resultstore: remote company listing failed", zap.Error(err))
		}
		for _, n := range names {
			seen[n] = struct{}{}
		}
	}

	local, err := s.ws.LocalCompanies(zone)
	if err != nil {
		return nil, err
	}
	for _, n := range local {
		seen[n] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteRef removes the artifact at ref from both backends. The local delete
// must succeed; a remote failure is returned after the local copy is gone so
// the caller can decide whether it matters.
func (s *Store) DeleteRef(ctx context.Context, ref model.ArtifactRef) error {
	loc, err := s.ws.ResolveRef(ref)
	if err != nil {
		return err
	}

	p := loc.Path(ref.Name)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(model.ErrStorage, "resultstore: remove %s: %v", p, err)
	}

	if s.remote == nil {
		return nil
	}
	key := loc.Key(ref.Name)
	if !s.remoteReachable() {
		return eris.Wrapf(model.ErrStorage, "resultstore: remote unreachable, %s not deleted", key)
	}
	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.remote.Delete(ctx, key)
	})
	if err != nil {
		return eris.Wrapf(model.ErrStorage, "resultstore: remote delete %s: %v", key, err)
	}
	return nil
}

// EnsureRemote creates the remote bucket when a remote backend is configured.
func (s *Store) EnsureRemote(ctx context.Context) error {
	if s.remote == nil {
		return nil
	}
	return s.breaker.Execute(ctx, s.remote.EnsureBucket)
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return "application/json"
	case ".png":
		return "image/png"
	case ".html":
		return "text/html"
	default:
		return "application/octet-stream"
	}
}
