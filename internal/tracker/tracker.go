// Package tracker gives every externally triggered pipeline invocation a
// request identity and an observable status.
//
// Records are written through to the requests zone of the result store
// before the in-memory index is updated, so a restarted process sees every
// request it acknowledged.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/model"
	"github.com/sells-group/repusense/internal/pipeline"
	"github.com/sells-group/repusense/internal/resultstore"
	"github.com/sells-group/repusense/internal/workspace"
)

// DefaultListLimit is used by List when no positive limit is given.
const DefaultListLimit = 10

const (
	idTimestampLayout = "20060102150405"
	statusSuffix      = "_status.json"
)

// ErrClosed is returned by operations on a closed tracker.
var ErrClosed = eris.New("tracker: closed")

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, in pipeline.RunInput) (*model.PipelineRun, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, in pipeline.RunInput) (*model.PipelineRun, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, in pipeline.RunInput) (*model.PipelineRun, error) {
	return f(ctx, in)
}

type entry struct {
	mu     sync.Mutex
	req    model.Request
	status model.Status
}

// Tracker is the request registry.
type Tracker struct {
	store  *resultstore.Store
	runner Runner
	now    func() time.Time
	suffix func() string

	mu       sync.Mutex
	requests map[string]*entry
	seq      int64
	closed   bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the submission clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithSuffix overrides the random request id suffix generator.
func WithSuffix(fn func() string) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.suffix = fn
		}
	}
}

// New creates a Tracker that persists to st and runs requests with runner.
func New(st *resultstore.Store, runner Runner, opts ...Option) *Tracker {
	t := &Tracker{
		store:    st,
		runner:   runner,
		now:      time.Now,
		suffix:   func() string { return uuid.New().String()[:8] },
		requests: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load rebuilds the index from the requests zone of both backends. Records
// that cannot be read are skipped with a warning.
func (t *Tracker) Load(ctx context.Context) error {
	companies, err := t.store.AllCompanies(ctx, model.ZoneRequests)
	if err != nil {
		return eris.Wrap(err, "tracker: list companies")
	}

	loaded := 0
	for _, company := range companies {
		names, err := t.store.List(ctx, model.ArtifactRef{Zone: model.ZoneRequests, Company: company})
		if err != nil {
			zap.L().Warn("tracker: list requests failed", zap.String("company", company), zap.Error(err))
			continue
		}
		for _, name := range names {
			if !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, statusSuffix) {
				continue
			}
			e, err := t.loadEntry(ctx, company, strings.TrimSuffix(name, ".json"))
			if err != nil {
				zap.L().Warn("tracker: skipping unreadable request", zap.String("company", company), zap.String("file", name), zap.Error(err))
				continue
			}
			t.mu.Lock()
			t.requests[e.req.ID] = e
			if e.req.Seq > t.seq {
				t.seq = e.req.Seq
			}
			t.mu.Unlock()
			loaded++
		}
	}
	zap.L().Info("tracker: loaded requests", zap.Int("count", loaded))
	return nil
}

func (t *Tracker) loadEntry(ctx context.Context, company, id string) (*entry, error) {
	e := &entry{}
	if err := t.store.GetJSON(ctx, requestRef(company, id), &e.req); err != nil {
		return nil, err
	}
	status, err := t.newestStatus(ctx, statusRef(company, id))
	if err != nil {
		return nil, err
	}
	e.status = *status
	if e.req.ID != id || e.status.RequestID != id {
		return nil, eris.Errorf("tracker: record id mismatch for %s", id)
	}
	return e, nil
}

// newestStatus picks the most recently updated status record across
// backends. A remote copy can lag when a write reached only the local disk;
// ties go to the local copy.
func (t *Tracker) newestStatus(ctx context.Context, ref model.ArtifactRef) (*model.Status, error) {
	copies, err := t.store.GetEach(ctx, ref)
	if err != nil {
		return nil, err
	}

	var best *model.Status
	for _, b := range []resultstore.Backend{resultstore.BackendLocal, resultstore.BackendRemote} {
		body, ok := copies[b]
		if !ok {
			continue
		}
		var st model.Status
		if err := json.Unmarshal(body, &st); err != nil {
			zap.L().Warn("tracker: malformed status copy", zap.String("backend", string(b)), zap.String("name", ref.Name), zap.Error(err))
			continue
		}
		if best == nil || newer(st.UpdatedAt, best.UpdatedAt) {
			best = &st
		}
	}
	if best == nil {
		return nil, eris.Wrapf(model.ErrNotFound, "tracker: no readable status %s", ref.Name)
	}
	return best, nil
}

func newer(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.After(*b)
	}
}

// Close marks the tracker closed. Writes are already persisted.
func (t *Tracker) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Submit registers a request and persists its initial status before
// returning. Synchronous requests start as processing, asynchronous ones as
// scheduled. A nil date range defaults to month-to-date.
func (t *Tracker) Submit(ctx context.Context, company string, dr *model.DateRange, mode model.Mode) (string, error) {
	query := strings.TrimSpace(company)
	name, err := workspace.NormalizeCompany(query)
	if err != nil {
		return "", eris.Wrap(err, "tracker: submit")
	}
	if mode != model.ModeSync && mode != model.ModeAsync {
		return "", eris.Wrapf(model.ErrConfiguration, "tracker: unknown mode %q", mode)
	}

	now := t.now().UTC()
	rng := model.MonthToDate(now)
	if dr != nil {
		rng = *dr
	}
	if err := rng.Validate(); err != nil {
		return "", eris.Wrap(err, "tracker: submit")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrClosed
	}
	t.seq++
	seq := t.seq
	t.mu.Unlock()

	req := model.Request{
		ID:        fmt.Sprintf("%s_%s_%s", name, now.Format(idTimestampLayout), t.suffix()),
		Company:   name,
		Query:     query,
		DateRange: rng,
		Mode:      mode,
		CreatedAt: now,
		Seq:       seq,
	}
	initial := model.RequestScheduled
	if mode == model.ModeSync {
		initial = model.RequestProcessing
	}
	e := &entry{req: req, status: model.Status{
		RequestID: req.ID,
		Status:    initial,
		Company:   name,
		Timestamp: &req.CreatedAt,
		UpdatedAt: &req.CreatedAt,
		Mode:      mode,
		DateRange: &req.DateRange,
	}}

	if _, err := t.store.PutJSON(ctx, requestRef(name, req.ID), req); err != nil {
		return "", eris.Wrap(err, "tracker: persist request")
	}
	if _, err := t.store.PutJSON(ctx, statusRef(name, req.ID), e.status); err != nil {
		return "", eris.Wrap(err, "tracker: persist status")
	}

	t.mu.Lock()
	if _, dup := t.requests[req.ID]; dup {
		t.mu.Unlock()
		return "", eris.Errorf("tracker: duplicate request id %s", req.ID)
	}
	t.requests[req.ID] = e
	t.mu.Unlock()

	zap.L().Info("tracker: request submitted",
		zap.String("request_id", req.ID),
		zap.String("company", name),
		zap.String("mode", string(mode)),
	)
	return req.ID, nil
}

// RunSync runs the request inline and returns its terminal status. Pipeline
// failures, panics included, end in the error status with the message kept
// verbatim; they are not returned as errors.
func (t *Tracker) RunSync(ctx context.Context, id string) (*model.Status, error) {
	e, err := t.lookup(id)
	if err != nil {
		return model.UnknownStatus(id), err
	}

	t.update(ctx, e, func(s *model.Status) {
		s.Status = model.RequestProcessing
		s.Error = ""
	})

	e.mu.Lock()
	req := e.req
	e.mu.Unlock()

	run, runErr := t.invoke(ctx, req)
	st := t.update(ctx, e, func(s *model.Status) {
		if run != nil {
			s.RunID = run.ID
		}
		if runErr != nil {
			s.Status = model.RequestError
			s.Error = runErr.Error()
			return
		}
		s.Status = model.RequestCompleted
		s.APIData, s.RemoteURLs = publishedLocations(run.Published)
		if len(run.Errors) > 0 {
			s.StageErrors = run.Errors
		}
	})

	zap.L().Info("tracker: request finished",
		zap.String("request_id", id),
		zap.String("status", string(st.Status)),
		zap.String("error", st.Error),
	)
	return &st, nil
}

// invoke calls the runner, turning a panic into an error.
func (t *Tracker) invoke(ctx context.Context, req model.Request) (run *model.PipelineRun, err error) {
	defer func() {
		if r := recover(); r != nil {
			run = nil
			err = eris.Errorf("pipeline panicked: %v", r)
		}
	}()
	if t.runner == nil {
		return nil, eris.Wrap(model.ErrConfiguration, "tracker: no runner configured")
	}
	dr := req.DateRange
	query := req.Query
	if query == "" {
		query = req.Company
	}
	run, err = t.runner.Run(ctx, pipeline.RunInput{Company: query, DateRange: &dr})
	if err == nil && run == nil {
		err = eris.New("pipeline returned no run")
	}
	return run, err
}

// Schedule records the request as scheduled for a later scheduler pass.
func (t *Tracker) Schedule(ctx context.Context, id string) error {
	e, err := t.lookup(id)
	if err != nil {
		return err
	}
	t.update(ctx, e, func(s *model.Status) {
		s.Status = model.RequestScheduled
		s.Error = ""
	})
	return nil
}

// Pending returns the scheduled requests, oldest first.
func (t *Tracker) Pending(_ context.Context) []model.Request {
	var out []model.Request
	for _, e := range t.entries() {
		e.mu.Lock()
		if e.status.Status == model.RequestScheduled {
			out = append(out, e.req)
		}
		e.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// GetStatus returns the status of id, or the unknown status.
func (t *Tracker) GetStatus(_ context.Context, id string) *model.Status {
	e, err := t.lookup(id)
	if err != nil {
		return model.UnknownStatus(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status
	return &st
}

// List returns statuses newest first, optionally restricted to company, at
// most limit of them. Filtering happens before truncation.
func (t *Tracker) List(_ context.Context, company string, limit int) []model.Status {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var want string
	if company != "" {
		name, err := workspace.NormalizeCompany(company)
		if err != nil {
			return []model.Status{}
		}
		want = name
	}

	type item struct {
		created time.Time
		seq     int64
		status  model.Status
	}
	var items []item
	for _, e := range t.entries() {
		e.mu.Lock()
		if want == "" || e.req.Company == want {
			items = append(items, item{created: e.req.CreatedAt, seq: e.req.Seq, status: e.status})
		}
		e.mu.Unlock()
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].created.Equal(items[j].created) {
			return items[i].created.After(items[j].created)
		}
		return items[i].seq > items[j].seq
	})
	if len(items) > limit {
		items = items[:limit]
	}

	out := make([]model.Status, len(items))
	for i, it := range items {
		out[i] = it.status
	}
	return out
}

func (t *Tracker) lookup(id string) (*entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	e, ok := t.requests[id]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "tracker: request %s", id)
	}
	return e, nil
}

func (t *Tracker) entries() []*entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*entry, 0, len(t.requests))
	for _, e := range t.requests {
		out = append(out, e)
	}
	return out
}

// update applies fn to the status of e and writes it through. A failed
// write is logged; the in-memory status still advances so callers never
// see a request stuck in processing.
func (t *Tracker) update(ctx context.Context, e *entry, fn func(*model.Status)) model.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn(&e.status)
	now := t.now().UTC()
	e.status.UpdatedAt = &now

	if _, err := t.store.PutJSON(context.WithoutCancel(ctx), statusRef(e.req.Company, e.req.ID), e.status); err != nil {
		zap.L().Error("tracker: persist status failed",
			zap.String("request_id", e.req.ID),
			zap.String("status", string(e.status.Status)),
			zap.Error(err),
		)
	}
	return e.status
}

// publishedLocations splits published artifact locations into local paths
// and remote URLs keyed by published kind.
func publishedLocations(published map[string]model.Locations) (local, remote map[string]string) {
	for name, locs := range published {
		kind := strings.TrimSuffix(name, ".json")
		if locs.Local != "" {
			if local == nil {
				local = make(map[string]string)
			}
			local[kind] = locs.Local
		}
		if locs.Remote != "" {
			if remote == nil {
				remote = make(map[string]string)
			}
			remote[kind] = locs.Remote
		}
	}
	return local, remote
}

func requestRef(company, id string) model.ArtifactRef {
	return model.ArtifactRef{Zone: model.ZoneRequests, Company: company, Name: id + ".json"}
}

func statusRef(company, id string) model.ArtifactRef {
	return model.ArtifactRef{Zone: model.ZoneRequests, Company: company, Name: id + statusSuffix}
}
