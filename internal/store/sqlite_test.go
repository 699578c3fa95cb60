package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/print-agent/internal/model"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newJob(id string, created time.Time) model.Job {
	return model.Job{
		ID:        id,
		Prompt:    "a 20mm calibration cube",
		CreatedAt: created,
		UpdatedAt: created,
		Outcome:   model.OutcomePending,
	}
}

func ptr[T any](v T) *T { return &v }

func TestSQLiteJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	created := time.UnixMilli(1700000000000)
	require.NoError(t, s.CreateJob(ctx, newJob("job-1", created)))

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "a 20mm calibration cube", job.Prompt)
	assert.Equal(t, model.OutcomePending, job.Outcome)
	assert.True(t, job.CreatedAt.Equal(created))
	assert.Equal(t, [model.StageCount]string{}, job.Artifacts)

	require.NoError(t, s.UpdateJob(ctx, "job-1", model.JobPatch{
		Stage:    ptr(model.StageProduce),
		Artifact: ptr("/data/jobs/job-1/1700000000.scad"),
	}))
	require.NoError(t, s.UpdateJob(ctx, "job-1", model.JobPatch{
		Stage:    ptr(model.StageCompile),
		Artifact: ptr("/data/jobs/job-1/1700000000.stl"),
	}))
	require.NoError(t, s.UpdateJob(ctx, "job-1", model.JobPatch{
		Stage:       ptr(model.StagePrint),
		RemoteName:  ptr("1700000000.gcode.3mf"),
		DeviceState: ptr("RUNNING"),
		Progress:    ptr(42.0),
	}))

	job, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.StagePrint, job.Stage)
	assert.Equal(t, "/data/jobs/job-1/1700000000.scad", job.Artifacts[model.StageProduce])
	assert.Equal(t, "/data/jobs/job-1/1700000000.stl", job.Artifacts[model.StageCompile])
	assert.Empty(t, job.Artifacts[model.StageSlice])
	assert.Equal(t, "1700000000.gcode.3mf", job.RemoteName)
	assert.Equal(t, "RUNNING", job.DeviceState)
	assert.InDelta(t, 42.0, job.Progress, 0.001)
	assert.Empty(t, job.Error)

	require.NoError(t, s.UpdateJob(ctx, "job-1", model.JobPatch{
		Outcome:     ptr(model.OutcomeSuccess),
		DeviceState: ptr("FINISH"),
	}))
	job, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, job.Outcome)
	assert.Equal(t, "1700000000.gcode.3mf", job.RemoteName)
}

func TestSQLiteNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.UpdateJob(ctx, "missing", model.JobPatch{Progress: ptr(1.0)}), model.ErrNotFound)
}

func TestSQLiteListJobs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.UnixMilli(1700000000000)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateJob(ctx, newJob(id, base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, s.UpdateJob(ctx, "b", model.JobPatch{Outcome: ptr(model.OutcomeCancelled)}))

	all, err := s.ListJobs(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	cancelled, err := s.ListJobs(ctx, ptr(model.OutcomeCancelled), 10)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "b", cancelled[0].ID)

	limited, err := s.ListJobs(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "c", pending[1].ID)
}

func TestFailInterrupted(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.UnixMilli(1700000000000)
	require.NoError(t, s.CreateJob(ctx, newJob("running", base)))
	require.NoError(t, s.CreateJob(ctx, newJob("done", base)))
	require.NoError(t, s.UpdateJob(ctx, "done", model.JobPatch{Outcome: ptr(model.OutcomeSuccess)}))

	n, err := FailInterrupted(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := s.GetJob(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, job.Outcome)
	assert.Contains(t, job.Error, "interrupted")

	job, err = s.GetJob(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, job.Outcome)

	n, err = FailInterrupted(ctx, s)
	require.NoError(t, err)
	assert.Zero(t, n)
}
