package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/repusense/internal/model"
	"github.com/sells-group/repusense/internal/store"
)

// --- Ledger Mock ---

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PipelineRun), args.Error(1)
}

type mockPending struct {
	requests []model.Request
}

func (m *mockPending) Pending(context.Context) []model.Request { return m.requests }

type mockRemote struct {
	enabled, reachable bool
}

func (m mockRemote) RemoteEnabled() bool   { return m.enabled }
func (m mockRemote) RemoteReachable() bool { return m.reachable }

var collectNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestCollector(runs RunLister, requests PendingLister, remote RemoteHealth) *Collector {
	c := NewCollector(runs, requests, remote)
	c.now = func() time.Time { return collectNow }
	return c
}

func TestCollector_Collect(t *testing.T) {
	// Newest first, like the real ledger.
	runs := []model.PipelineRun{
		{ID: "r1", State: model.RunStateCompleted, StartedAt: collectNow.Add(-1 * time.Hour)},
		{ID: "r2", State: model.RunStateCompleted, StartedAt: collectNow.Add(-2 * time.Hour),
			Errors: map[model.Stage]string{model.StageTopic: "timeout", model.StageKeyword: "timeout"}},
		{ID: "r3", State: model.RunStateFailed, StartedAt: collectNow.Add(-3 * time.Hour), Error: "fetch failed"},
		{ID: "r4", State: model.RunStateAnalyzing, StartedAt: collectNow.Add(-4 * time.Hour)},
		// Outside the window.
		{ID: "r5", State: model.RunStateFailed, StartedAt: collectNow.Add(-48 * time.Hour)},
	}
	ledger := new(mockLedger)
	ledger.On("ListRuns", mock.Anything, store.RunFilter{Limit: 10000}).Return(runs, nil)
	pending := &mockPending{requests: []model.Request{
		{ID: "q1", CreatedAt: collectNow.Add(-10 * time.Minute)},
		{ID: "q2", CreatedAt: collectNow.Add(-1 * time.Minute)},
	}}

	snap, err := newTestCollector(ledger, pending, mockRemote{enabled: true}).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsCompleted)
	assert.Equal(t, 1, snap.RunsPartial)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.InDelta(t, 1.0/3.0, snap.FailRate, 0.001)
	assert.Equal(t, 1, snap.StageFailures[model.StageTopic])
	assert.Equal(t, 1, snap.StageFailures[model.StageKeyword])
	assert.Equal(t, 2, snap.PendingRequests)
	assert.InDelta(t, 600.0, snap.OldestPendingAge, 0.001)
	assert.True(t, snap.RemoteEnabled)
	assert.False(t, snap.RemoteReachable)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, collectNow, snap.CollectedAt)
	ledger.AssertExpectations(t)
}

func TestCollector_NoSources(t *testing.T) {
	snap, err := newTestCollector(nil, nil, nil).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.FailRate)
	assert.Zero(t, snap.PendingRequests)
	assert.False(t, snap.RemoteEnabled)
}

func TestCollector_ListError(t *testing.T) {
	ledger := new(mockLedger)
	ledger.On("ListRuns", mock.Anything, mock.Anything).Return(nil, eris.New("db down"))
	_, err := newTestCollector(ledger, nil, nil).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list runs")
}
