// Package store is the pipeline run ledger. Every finished run, fatal ones
// included, is kept with its full stage breakdown so results that are
// overwritten in the workspace stay auditable.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"

	"github.com/sells-group/repusense/internal/config"
	"github.com/sells-group/repusense/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Company string         `json:"company,omitempty"`
	State   model.RunState `json:"state,omitempty"`
	Limit   int            `json:"limit,omitempty"`
	Offset  int            `json:"offset,omitempty"`
}

// RunLog persists pipeline runs.
type RunLog interface {
	RecordRun(ctx context.Context, run *model.PipelineRun) error
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)

	Migrate(ctx context.Context) error
	Close() error
}

// DefaultListLimit caps ListRuns when the filter sets no limit.
const DefaultListLimit = 100

// Open returns the ledger configured by cfg, migrated and ready. An empty
// driver disables the ledger and returns nil.
func Open(ctx context.Context, cfg config.RunLogConfig) (RunLog, error) {
	var (
		rl  RunLog
		err error
	)
	switch cfg.Driver {
	case "":
		return nil, nil
	case "sqlite":
		if dir := filepath.Dir(cfg.DatabaseURL); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, eris.Wrapf(err, "store: create %s", dir)
			}
		}
		rl, err = NewSQLite(cfg.DatabaseURL)
	case "postgres":
		rl, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Wrapf(model.ErrConfiguration, "store: unsupported runlog driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := rl.Migrate(ctx); err != nil {
		_ = rl.Close()
		return nil, err
	}
	return rl, nil
}

// listRunsQuery builds the ListRuns select for the given placeholder style.
func listRunsQuery(filter RunFilter, placeholders sq.PlaceholderFormat) (string, []any, error) {
	q := sq.Select("run").
		From("pipeline_runs").
		OrderBy("started_at DESC", "id DESC").
		PlaceholderFormat(placeholders)

	if filter.Company != "" {
		q = q.Where(sq.Eq{"company": filter.Company})
	}
	if filter.State != "" {
		q = q.Where(sq.Eq{"state": string(filter.State)})
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	q = q.Limit(uint64(limit))
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	query, args, err := q.ToSql()
	return query, args, eris.Wrap(err, "store: build list query")
}

// runRow is the column set written for every run.
type runRow struct {
	ID          string
	Company     string
	State       string
	StartDate   string
	EndDate     string
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
	StageErrors int
	Run         []byte
}

func toRow(run *model.PipelineRun) (runRow, error) {
	if run == nil || run.ID == "" {
		return runRow{}, eris.New("store: run has no id")
	}
	b, err := marshalRun(run)
	if err != nil {
		return runRow{}, err
	}
	return runRow{
		ID:          run.ID,
		Company:     run.Company,
		State:       string(run.State),
		StartDate:   run.DateRange.StartString(),
		EndDate:     run.DateRange.EndString(),
		StartedAt:   run.StartedAt.UTC(),
		CompletedAt: run.CompletedAt.UTC(),
		Error:       run.Error,
		StageErrors: len(run.Errors),
		Run:         b,
	}, nil
}

func marshalRun(run *model.PipelineRun) ([]byte, error) {
	b, err := json.Marshal(run)
	return b, eris.Wrap(err, "store: marshal run")
}

func unmarshalRun(b []byte) (*model.PipelineRun, error) {
	var run model.PipelineRun
	if err := json.Unmarshal(b, &run); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal run")
	}
	return &run, nil
}

func runNotFound(runID string) error {
	return eris.Wrapf(model.ErrNotFound, "store: run %s", runID)
}
