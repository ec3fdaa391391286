package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/config"
	"github.com/sells-group/repusense/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    1,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.10,
	}
	ledger := new(mockLedger)
	ledger.On("ListRuns", mock.Anything, mock.Anything).Return([]model.PipelineRun{}, nil)
	checker := NewChecker(NewCollector(ledger, nil, nil), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(nil, nil, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{
		CheckIntervalSecs: 0,
	})
	assert.NotNil(t, checker)

	// A cancelled context returns without checking.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_ChecksOnStart(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{
		WebhookURL:          ts.URL,
		CheckIntervalSecs:   3600,
		LookbackWindowHours: 24,
		BacklogThreshold:    1,
	}
	pending := &mockPending{requests: []model.Request{{ID: "a"}, {ID: "b"}}}
	checker := NewChecker(NewCollector(nil, pending, nil), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Run(ctx)

	require.Eventually(t, func() bool { return received.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackWindowHours: 24, FailureRateThreshold: 0.1}
	ledger := new(mockLedger)
	ledger.On("ListRuns", mock.Anything, mock.Anything).Return(nil, assert.AnError)
	checker := NewChecker(NewCollector(ledger, nil, nil), NewAlerter(cfg), cfg)

	assert.Equal(t, 0, checker.check(context.Background(), zap.NewNop()))
	ledger.AssertExpectations(t)
}
