package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/repusense/internal/model"
	"github.com/sells-group/repusense/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Pipeline metrics (within lookback window).
	RunsTotal     int                 `json:"runs_total"`
	RunsCompleted int                 `json:"runs_completed"`
	RunsPartial   int                 `json:"runs_partial"`
	RunsFailed    int                 `json:"runs_failed"`
	FailRate      float64             `json:"fail_rate"`
	StageFailures map[model.Stage]int `json:"stage_failures,omitempty"`

	// Request backlog.
	PendingRequests  int     `json:"pending_requests"`
	OldestPendingAge float64 `json:"oldest_pending_age_secs"`

	// Remote result store.
	RemoteEnabled   bool `json:"remote_enabled"`
	RemoteReachable bool `json:"remote_reachable"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the part of the run ledger the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error)
}

// PendingLister reports scheduled requests that have not run yet.
type PendingLister interface {
	Pending(ctx context.Context) []model.Request
}

// RemoteHealth reports the state of the remote result store.
type RemoteHealth interface {
	RemoteEnabled() bool
	RemoteReachable() bool
}

// Collector gathers metrics from the run ledger, the request tracker and the
// result store. Any of them may be nil.
type Collector struct {
	runs     RunLister
	requests PendingLister
	remote   RemoteHealth
	now      func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunLister, requests PendingLister, remote RemoteHealth) *Collector {
	return &Collector{runs: runs, requests: requests, remote: remote, now: time.Now}
}

// Collect gathers a snapshot of metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		StageFailures: make(map[model.Stage]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	if c.runs != nil {
		// Runs come back newest first, so the window ends at the first older run.
		runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: 10000})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list runs")
		}
		for _, r := range runs {
			if r.StartedAt.Before(cutoff) {
				break
			}
			snap.RunsTotal++
			for stage := range r.Errors {
				snap.StageFailures[stage]++
			}
			switch r.State {
			case model.RunStateCompleted:
				if len(r.Errors) > 0 {
					snap.RunsPartial++
				} else {
					snap.RunsCompleted++
				}
			case model.RunStateFailed:
				snap.RunsFailed++
			}
		}
		if finished := snap.RunsCompleted + snap.RunsPartial + snap.RunsFailed; finished > 0 {
			snap.FailRate = float64(snap.RunsFailed) / float64(finished)
		}
	}

	if c.requests != nil {
		pending := c.requests.Pending(ctx)
		snap.PendingRequests = len(pending)
		if len(pending) > 0 {
			snap.OldestPendingAge = now.Sub(pending[0].CreatedAt).Seconds()
		}
	}

	if c.remote != nil {
		snap.RemoteEnabled = c.remote.RemoteEnabled()
		snap.RemoteReachable = c.remote.RemoteReachable()
	}

	return snap, nil
}
