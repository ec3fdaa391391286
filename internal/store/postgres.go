package store

import (
	"context"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/repusense/internal/db"
	"github.com/sells-group/repusense/internal/model"
)

// PostgresStore implements RunLog using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id           TEXT PRIMARY KEY,
	company      TEXT NOT NULL,
	state        TEXT NOT NULL,
	start_date   DATE NOT NULL,
	end_date     DATE NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	stage_errors INTEGER NOT NULL DEFAULT 0,
	run          JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_company ON pipeline_runs(company);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_state ON pipeline_runs(state);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started_at ON pipeline_runs(started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// RecordRun inserts run, replacing an earlier record with the same id.
func (s *PostgresStore) RecordRun(ctx context.Context, run *model.PipelineRun) error {
	r, err := toRow(run)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, company, state, start_date, end_date, started_at, completed_at, error, stage_errors, run)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			completed_at = EXCLUDED.completed_at,
			error = EXCLUDED.error,
			stage_errors = EXCLUDED.stage_errors,
			run = EXCLUDED.run`,
		r.ID, r.Company, r.State, r.StartDate, r.EndDate,
		r.StartedAt, r.CompletedAt, r.Error, r.StageErrors, r.Run,
	)
	return eris.Wrapf(err, "postgres: record run %s", r.ID)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT run FROM pipeline_runs WHERE id = $1`, runID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, runNotFound(runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return unmarshalRun(body)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query, args, err := listRunsQuery(filter, sq.Dollar)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	runs := []model.PipelineRun{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r, err := unmarshalRun(body)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}
