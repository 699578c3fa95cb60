package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/print-agent/internal/model"
)

// Postgres keeps job history in PostgreSQL, for deployments where several
// agents share one history.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  prompt TEXT NOT NULL,
  stage INTEGER NOT NULL DEFAULT 0,
  outcome TEXT NOT NULL,
  progress DOUBLE PRECISION NOT NULL DEFAULT 0,
  model_path TEXT,
  mesh_path TEXT,
  toolpath_path TEXT,
  remote_path TEXT,
  remote_name TEXT,
  device_state TEXT,
  error_message TEXT
)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create jobs table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) CreateJob(ctx context.Context, job model.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, created_at, updated_at, prompt, stage, outcome, progress)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.CreatedAt, job.UpdatedAt, job.Prompt, job.Stage, string(job.Outcome), job.Progress,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

const pgColumns = `id, created_at, updated_at, prompt, stage, outcome, progress,
       model_path, mesh_path, toolpath_path, remote_path, remote_name, device_state, error_message`

func scanPgJob(row pgx.Row) (model.Job, error) {
	var (
		job               model.Job
		outcome           string
		artifacts         [model.StageCount]*string
		remoteName, state *string
		errorMsg          *string
	)
	if err := row.Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt, &job.Prompt, &job.Stage, &outcome, &job.Progress,
		&artifacts[0], &artifacts[1], &artifacts[2], &artifacts[3], &remoteName, &state, &errorMsg); err != nil {
		return model.Job{}, err
	}
	job.Outcome = model.Outcome(outcome)
	for i, a := range artifacts {
		job.Artifacts[i] = deref(a)
	}
	job.RemoteName = deref(remoteName)
	job.DeviceState = deref(state)
	job.Error = deref(errorMsg)
	return job, nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func (s *Postgres) GetJob(ctx context.Context, id string) (model.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, model.ErrNotFound
	}
	return job, err
}

func (s *Postgres) ListJobs(ctx context.Context, outcome *model.Outcome, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 25
	}
	if outcome != nil {
		return s.query(ctx,
			`SELECT `+pgColumns+` FROM jobs WHERE outcome = $1 ORDER BY updated_at DESC LIMIT $2`,
			string(*outcome), limit)
	}
	return s.query(ctx, `SELECT `+pgColumns+` FROM jobs ORDER BY updated_at DESC LIMIT $1`, limit)
}

func (s *Postgres) ListPending(ctx context.Context, limit int) ([]model.Job, error) {
	return s.query(ctx,
		`SELECT `+pgColumns+` FROM jobs WHERE outcome = $1 ORDER BY created_at ASC LIMIT $2`,
		string(model.OutcomePending), limit)
}

func (s *Postgres) query(ctx context.Context, query string, args ...any) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateJob(ctx context.Context, id string, patch model.JobPatch) error {
	artifacts := artifactArgs(patch)
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
         SET updated_at = $1,
             stage = COALESCE($2, stage),
             outcome = COALESCE($3, outcome),
             progress = COALESCE($4, progress),
             model_path = COALESCE($5, model_path),
             mesh_path = COALESCE($6, mesh_path),
             toolpath_path = COALESCE($7, toolpath_path),
             remote_path = COALESCE($8, remote_path),
             remote_name = COALESCE($9, remote_name),
             device_state = COALESCE($10, device_state),
             error_message = COALESCE($11, error_message)
         WHERE id = $12`,
		time.Now(),
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
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}
