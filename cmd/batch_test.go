package main

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/repusense/internal/model"
	"github.com/sells-group/repusense/internal/resultstore"
	"github.com/sells-group/repusense/internal/workspace"
)

func TestProcessBatch_Outcomes(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	summary, err := processBatch(context.Background(), []string{"acme", "beta", "gamma"}, 0, 2,
		func(_ context.Context, company string) (*model.PipelineRun, error) {
			mu.Lock()
			seen = append(seen, company)
			mu.Unlock()
			switch company {
			case "beta":
				return &model.PipelineRun{ID: "r2", Errors: map[model.Stage]string{model.StageTopic: "boom"}}, nil
			case "gamma":
				return nil, eris.New("fetch failed")
			}
			return &model.PipelineRun{ID: "r1"}, nil
		})
	require.NoError(t, err)

	sort.Strings(seen)
	assert.Equal(t, []string{"acme", "beta", "gamma"}, seen)
	assert.Equal(t, batchSummary{Completed: 1, Partial: 1, Failed: 1}, summary)
}

func TestProcessBatch_Limit(t *testing.T) {
	var calls atomic.Int64
	summary, err := processBatch(context.Background(), []string{"a", "b", "c", "d"}, 2, 4,
		func(context.Context, string) (*model.PipelineRun, error) {
			calls.Add(1)
			return &model.PipelineRun{}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, int64(2), summary.Completed)
}

func TestProcessBatch_Empty(t *testing.T) {
	summary, err := processBatch(context.Background(), nil, 0, 1, func(context.Context, string) (*model.PipelineRun, error) {
		t.Fatal("analyze should not be called")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, batchSummary{}, summary)
}

func TestProcessBatch_ConcurrencyBound(t *testing.T) {
	var active, peak atomic.Int64
	_, err := processBatch(context.Background(), []string{"a", "b", "c", "d", "e", "f"}, 0, 2,
		func(context.Context, string) (*model.PipelineRun, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return &model.PipelineRun{}, nil
		})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

type fakeQueue struct {
	mu      sync.Mutex
	pending []model.Request
	ran     []string
	lost    map[string]bool
}

func (q *fakeQueue) Pending(context.Context) []model.Request {
	return q.pending
}

func (q *fakeQueue) RunSync(_ context.Context, id string) (*model.Status, error) {
	if q.lost[id] {
		return model.UnknownStatus(id), eris.Wrap(model.ErrNotFound, "gone")
	}
	q.mu.Lock()
	q.ran = append(q.ran, id)
	q.mu.Unlock()
	return &model.Status{RequestID: id, Status: model.RequestCompleted}, nil
}

func TestDrainPending(t *testing.T) {
	q := &fakeQueue{
		pending: []model.Request{{ID: "r1"}, {ID: "r2"}, {ID: "r3"}},
		lost:    map[string]bool{"r2": true},
	}

	n, err := drainPending(context.Background(), q, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	sort.Strings(q.ran)
	assert.Equal(t, []string{"r1", "r3"}, q.ran)
}

func TestDrainPending_Nothing(t *testing.T) {
	n, err := drainPending(context.Background(), &fakeQueue{}, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunScheduler_StopsOnCancel(t *testing.T) {
	q := &fakeQueue{pending: []model.Request{{ID: "r1"}}}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runScheduler(ctx, q, time.Hour, 1)
		close(done)
	}()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.ran) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSearchQuery(t *testing.T) {
	layout := workspace.DefaultLayout()
	layout.BaseDir = t.TempDir()
	st := resultstore.New(workspace.New(layout))
	ctx := context.Background()

	assert.Equal(t, "acme-corp", searchQuery(ctx, st, "acme-corp"))

	_, err := st.PutJSON(ctx, model.ArtifactRef{Zone: model.ZonePublished, Company: "acme-corp", Name: model.ArtifactCompanyInfo},
		map[string]any{"name": "Acme Corp", "data_sources": []string{"reddit"}})
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", searchQuery(ctx, st, "acme-corp"))
}
