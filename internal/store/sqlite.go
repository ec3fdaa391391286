package store

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/repusense/internal/model"
)

// sqliteTimeLayout is fixed width so text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements RunLog using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id           TEXT PRIMARY KEY,
	company      TEXT NOT NULL,
	state        TEXT NOT NULL,
	start_date   TEXT NOT NULL,
	end_date     TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	stage_errors INTEGER NOT NULL DEFAULT 0,
	run          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_company ON pipeline_runs(company);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_state ON pipeline_runs(state);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started_at ON pipeline_runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordRun inserts run, replacing an earlier record with the same id.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *model.PipelineRun) error {
	r, err := toRow(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, company, state, start_date, end_date, started_at, completed_at, error, stage_errors, run)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			completed_at = excluded.completed_at,
			error = excluded.error,
			stage_errors = excluded.stage_errors,
			run = excluded.run`,
		r.ID, r.Company, r.State, r.StartDate, r.EndDate,
		r.StartedAt.Format(sqliteTimeLayout), r.CompletedAt.Format(sqliteTimeLayout),
		r.Error, r.StageErrors, string(r.Run),
	)
	return eris.Wrapf(err, "sqlite: record run %s", r.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT run FROM pipeline_runs WHERE id = ?`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runNotFound(runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return unmarshalRun([]byte(body))
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query, args, err := listRunsQuery(filter, sq.Question)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	runs := []model.PipelineRun{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r, err := unmarshalRun([]byte(body))
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}
