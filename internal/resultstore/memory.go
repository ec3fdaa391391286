package resultstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

// Memory is an in-process ObjectStore. It backs tests that need a remote
// which can go down, reject writes, or hold stale objects.
type Memory struct {
	mu         sync.Mutex
	objects    map[string][]byte
	down       bool
	rejectPuts bool
	calls      int
	buckets    int
}

var _ ObjectStore = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// SetDown makes every call fail while down is true.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// RejectPuts makes Put and Delete fail while reads keep working.
func (m *Memory) RejectPuts(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectPuts = reject
}

// Put implements ObjectStore.
func (m *Memory) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.down || m.rejectPuts {
		return eris.New("connection refused")
	}
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

// Get implements ObjectStore.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.down {
		return nil, eris.New("connection refused")
	}
	b, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), b...), nil
}

// Delete implements ObjectStore.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.down || m.rejectPuts {
		return eris.New("connection refused")
	}
	delete(m.objects, key)
	return nil
}

// List implements ObjectStore.
func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.down {
		return nil, eris.New("connection refused")
	}
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	seen := map[string]struct{}{}
	for k := range m.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimPrefix(k, prefix), "/")
		seen[name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// EnsureBucket implements ObjectStore.
func (m *Memory) EnsureBucket(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return eris.New("connection refused")
	}
	m.buckets++
	return nil
}

// URL implements ObjectStore.
func (m *Memory) URL(key string) string { return "mem://" + key }

// Has reports whether key is stored.
func (m *Memory) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// Calls counts Put, Get, Delete and List calls.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
