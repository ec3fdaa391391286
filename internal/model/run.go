package model

import "time"

// RunState is a state of the per-run state machine.
type RunState string

const (
	RunStatePending       RunState = "pending"
	RunStateFetching      RunState = "fetching"
	RunStatePreprocessing RunState = "preprocessing"
	RunStateAnalyzing     RunState = "analyzing"
	RunStatePublishing    RunState = "publishing"
	RunStateCompleted     RunState = "completed"
	RunStateFailed        RunState = "failed"
)

// StateTransition records entry into a state.
type StateTransition struct {
	State RunState  `json:"state"`
	Stage Stage     `json:"stage,omitempty"`
	At    time.Time `json:"at"`
}

// StageResult is the outcome of one stage within a run.
type StageResult struct {
	Stage      Stage                `json:"stage"`
	Status     StageStatus          `json:"status"`
	DurationMS int64                `json:"duration_ms"`
	Artifacts  map[string]Locations `json:"artifacts,omitempty"`
	Error      string               `json:"error,omitempty"`
	ErrorKind  string               `json:"error_kind,omitempty"`
}

// PipelineRun is the aggregate outcome of one orchestrator invocation.
type PipelineRun struct {
	ID          string               `json:"id"`
	Company     string               `json:"company"`
	Query       string               `json:"query,omitempty"`
	DateRange   DateRange            `json:"date_range"`
	State       RunState             `json:"state"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`
	Stages      []StageResult        `json:"stages"`
	Skipped     []Stage              `json:"skipped,omitempty"`
	Errors      map[Stage]string     `json:"errors,omitempty"`
	Published   map[string]Locations `json:"published,omitempty"`
	Sources     []string             `json:"data_sources,omitempty"`
	States      []StateTransition    `json:"states"`
	Error       string               `json:"error,omitempty"`
}

// Result returns the recorded result for stage s, or nil.
func (r *PipelineRun) Result(s Stage) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Stage == s {
			return &r.Stages[i]
		}
	}
	return nil
}

// Succeeded reports whether stage s completed in this run.
func (r *PipelineRun) Succeeded(s Stage) bool {
	res := r.Result(s)
	return res != nil && res.Status == StageStatusComplete
}

// Failed reports whether the run ended in the failed state.
func (r *PipelineRun) Failed() bool {
	return r.State == RunStateFailed
}

// Duration is the wall time of the run.
func (r *PipelineRun) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
