package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/print-agent/internal/model"
)

type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  prompt TEXT NOT NULL,
  stage INTEGER NOT NULL DEFAULT 0,
  outcome TEXT NOT NULL,
  progress REAL NOT NULL DEFAULT 0,
  model_path TEXT,
  mesh_path TEXT,
  toolpath_path TEXT,
  remote_path TEXT,
  remote_name TEXT,
  device_state TEXT,
  error_message TEXT
);
`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateJob(ctx context.Context, job model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, created_at, updated_at, prompt, stage, outcome, progress)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
		job.Prompt,
		job.Stage,
		string(job.Outcome),
		job.Progress,
	)
	return err
}

const sqliteColumns = `id, created_at, updated_at, prompt, stage, outcome, progress,
       model_path, mesh_path, toolpath_path, remote_path, remote_name, device_state, error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (model.Job, error) {
	var (
		job                  model.Job
		outcome              string
		createdMs, updatedMs int64
		artifacts            [model.StageCount]sql.NullString
		remoteName, state    sql.NullString
		errorMsg             sql.NullString
	)
	if err := row.Scan(&job.ID, &createdMs, &updatedMs, &job.Prompt, &job.Stage, &outcome, &job.Progress,
		&artifacts[0], &artifacts[1], &artifacts[2], &artifacts[3], &remoteName, &state, &errorMsg); err != nil {
		return model.Job{}, err
	}
	job.CreatedAt = time.UnixMilli(createdMs)
	job.UpdatedAt = time.UnixMilli(updatedMs)
	job.Outcome = model.Outcome(outcome)
	for i, a := range artifacts {
		job.Artifacts[i] = a.String
	}
	job.RemoteName = remoteName.String
	job.DeviceState = state.String
	job.Error = errorMsg.String
	return job, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, model.ErrNotFound
	}
	return job, err
}

func (s *SQLite) ListJobs(ctx context.Context, outcome *model.Outcome, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 25
	}

	query := `SELECT ` + sqliteColumns + ` FROM jobs`
	args := []any{}
	if outcome != nil {
		query += " WHERE outcome = ?"
		args = append(args, string(*outcome))
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)
	return s.query(ctx, query, args...)
}

func (s *SQLite) ListPending(ctx context.Context, limit int) ([]model.Job, error) {
	return s.query(ctx,
		`SELECT `+sqliteColumns+` FROM jobs WHERE outcome = ? ORDER BY created_at ASC LIMIT ?`,
		string(model.OutcomePending), limit,
	)
}

func (s *SQLite) query(ctx context.Context, query string, args ...any) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, patch model.JobPatch) error {
	now := time.Now().UnixMilli()
	artifacts := artifactArgs(patch)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
         SET updated_at = ?,
             stage = COALESCE(?, stage),
             outcome = COALESCE(?, outcome),
             progress = COALESCE(?, progress),
             model_path = COALESCE(?, model_path),
             mesh_path = COALESCE(?, mesh_path),
             toolpath_path = COALESCE(?, toolpath_path),
             remote_path = COALESCE(?, remote_path),
             remote_name = COALESCE(?, remote_name),
             device_state = COALESCE(?, device_state),
             error_message = COALESCE(?, error_message)
         WHERE id = ?`,
		now,
		nullableInt(patch.Stage),
		nullableOutcome(patch.Outcome),
		nullableFloat64(patch.Progress),
		artifacts[0], artifacts[1], artifacts[2], artifacts[3],
		nullableString(patch.RemoteName),
		nullableString(patch.DeviceState),
		nullableString(patch.Error),
		id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrNotFound
	}
	return nil
}
