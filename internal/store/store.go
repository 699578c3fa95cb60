// Package store keeps the history of print jobs. History is an audit trail:
// a job that was running when the process stopped is marked failed on the
// next start, never resumed.
package store

import (
	"context"
	"log/slog"

	"github.com/example/print-agent/internal/model"
)

type Store interface {
	CreateJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListJobs(ctx context.Context, outcome *model.Outcome, limit int) ([]model.Job, error)
	ListPending(ctx context.Context, limit int) ([]model.Job, error)
	UpdateJob(ctx context.Context, id string, patch model.JobPatch) error
	Close() error
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Postgres)(nil)
)

const interruptedMessage = "interrupted: the service stopped before the job finished"

// FailInterrupted marks every job still pending as failed and returns how
// many there were.
func FailInterrupted(ctx context.Context, s Store) (int, error) {
	jobs, err := s.ListPending(ctx, 1000)
	if err != nil {
		return 0, err
	}
	failed := model.OutcomeFailed
	msg := interruptedMessage
	for _, job := range jobs {
		if err := s.UpdateJob(ctx, job.ID, model.JobPatch{Outcome: &failed, Error: &msg}); err != nil {
			return 0, err
		}
		slog.Warn("Marked interrupted job as failed", "job_id", job.ID, "stage", model.StageName(job.Stage))
	}
	return len(jobs), nil
}

// artifactColumns names the artifact column of each stage.
var artifactColumns = [model.StageCount]string{"model_path", "mesh_path", "toolpath_path", "remote_path"}

// artifactArgs spreads an artifact patch over the per-stage columns.
func artifactArgs(patch model.JobPatch) [model.StageCount]any {
	var args [model.StageCount]any
	if patch.Artifact != nil && patch.Stage != nil && *patch.Stage >= 0 && *patch.Stage < model.StageCount {
		args[*patch.Stage] = *patch.Artifact
	}
	return args
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat64(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableOutcome(v *model.Outcome) any {
	if v == nil {
		return nil
	}
	return string(*v)
}
