// Package pipeline runs a job from prompt to printed part: produce a CAD
// description, compile it to a mesh, slice the mesh, then hand the toolpath
// to a print session. Progress is reported as a stream of messages that ends
// with exactly one sentinel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/print-agent/internal/blob"
	"github.com/example/print-agent/internal/events"
	"github.com/example/print-agent/internal/metrics"
	"github.com/example/print-agent/internal/model"
	"github.com/example/print-agent/internal/session"
	"github.com/example/print-agent/internal/store"
)

type Producer interface {
	Produce(ctx context.Context, workDir, prompt string) (string, error)
}

type Compiler interface {
	Compile(ctx context.Context, scadPath string) (string, error)
}

type Slicer interface {
	Slice(ctx context.Context, stlPath string) (string, error)
}

type Options struct {
	// Monitor keeps the stream open after the print starts, forwarding
	// device reports until the print ends. Without it the stream ends once
	// the print has started and the session is monitored in the background.
	Monitor bool
}

var ErrPromptRequired = errors.New("prompt is required")

// Orchestrator is safe for concurrent use. Each job owns its workspace and
// its print session; the only shared state is the session registry.
type Orchestrator struct {
	Producer  Producer
	Compiler  Compiler
	Slicer    Slicer
	Transport session.Transport
	Session   session.Options
	Registry  *session.Registry
	Jobs      store.Store
	Blobs     blob.LocalFS
	Sink      events.Sink

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Run starts a job for prompt. The returned channel is closed after the
// sentinel; the caller must drain it.
func (o *Orchestrator) Run(ctx context.Context, prompt string, opts Options) <-chan model.Message {
	return o.start(ctx, prompt, opts, func(j *job) (string, bool) {
		if prompt == "" {
			j.fail(-1, ErrPromptRequired)
			return "", false
		}
		scad, ok := j.stage(model.StageProduce, "generating OpenSCAD model...", func(ctx context.Context) (string, error) {
			return o.Producer.Produce(ctx, j.workDir, prompt)
		})
		if !ok {
			return "", false
		}
		stl, ok := j.stage(model.StageCompile, "running openscad cli...", func(ctx context.Context) (string, error) {
			return o.Compiler.Compile(ctx, scad)
		})
		if !ok {
			return "", false
		}
		return j.stage(model.StageSlice, "orca-slicer slicing...", func(ctx context.Context) (string, error) {
			return o.Slicer.Slice(ctx, stl)
		})
	})
}

// Print runs only the print stage for an existing toolpath package.
func (o *Orchestrator) Print(ctx context.Context, toolpath string, opts Options) <-chan model.Message {
	return o.start(ctx, "print "+filepath.Base(toolpath), opts, func(*job) (string, bool) {
		return toolpath, true
	})
}

// Submit starts a job nobody observes and returns its id once the job
// exists. The stream is drained in the background.
func (o *Orchestrator) Submit(prompt string) string {
	ch := o.Run(context.Background(), prompt, Options{})
	first, ok := <-ch
	if !ok {
		return ""
	}
	go func() {
		for range ch {
		}
	}()
	return first.JobID
}

// Cancel stops the job: its running stage, or its print session. It
// reports whether the job was known.
func (o *Orchestrator) Cancel(jobID string) bool {
	o.mu.Lock()
	cancel, ok := o.running[jobID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	if o.Registry.Cancel(jobID) {
		return true
	}
	return ok
}

// CancelCurrent cancels the active print session, if any. Jobs that have
// not reached the print stage are not affected.
func (o *Orchestrator) CancelCurrent() int {
	return o.Registry.CancelCurrent()
}

func (o *Orchestrator) start(ctx context.Context, prompt string, opts Options, prepare func(*job) (string, bool)) <-chan model.Message {
	out := make(chan model.Message, 32)
	jctx, cancel := context.WithCancel(ctx)
	j := &job{
		o:   o,
		id:  uuid.NewString(),
		ctx: jctx,
		out: out,
	}
	o.track(j.id, cancel)

	go func() {
		defer close(out)
		defer o.untrack(j.id)
		defer cancel()

		j.create(prompt)
		toolpath, ok := prepare(j)
		if !ok {
			return
		}
		j.print(toolpath, opts)
	}()
	return out
}

func (o *Orchestrator) sink() events.Sink {
	if o.Sink == nil {
		return events.Noop{}
	}
	return o.Sink
}

func (o *Orchestrator) track(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running == nil {
		o.running = make(map[string]context.CancelFunc)
	}
	o.running[id] = cancel
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, id)
}

// job is the state of one Run. Only its goroutine touches it, except for
// the detached monitor, which only reads id.
type job struct {
	o       *Orchestrator
	id      string
	ctx     context.Context
	out     chan<- model.Message
	workDir string
}

func (j *job) create(prompt string) {
	now := time.Now().UTC()
	err := j.o.Jobs.CreateJob(j.ctx, model.Job{
		ID:        j.id,
		Prompt:    prompt,
		CreatedAt: now,
		UpdatedAt: now,
		Outcome:   model.OutcomePending,
	})
	if err != nil {
		slog.Warn("Failed to record job", "job_id", j.id, "error", err)
	}
	ws, err := j.o.Blobs.Sub(filepath.Join("jobs", j.id))
	if err != nil {
		slog.Warn("Failed to create job workspace", "job_id", j.id, "error", err)
		ws = j.o.Blobs
	}
	j.workDir = ws.Root
	slog.Info("Job started", "job_id", j.id, "workspace", j.workDir)
}

// stage runs one collaborator stage, emitting its active and terminal
// events.
func (j *job) stage(stage int, detail string, fn func(context.Context) (string, error)) (string, bool) {
	j.emit(model.Message{StageEvent: &model.StageEvent{Stage: stage, Status: model.StageActive, Detail: detail}})
	j.record(model.JobPatch{Stage: &stage})

	started := time.Now()
	path, err := fn(j.ctx)
	metrics.StageDuration.WithLabelValues(model.StageName(stage)).Observe(time.Since(started).Seconds())
	if err != nil {
		j.fail(stage, err)
		return "", false
	}

	j.emit(model.Message{StageEvent: &model.StageEvent{
		Stage:   stage,
		Status:  model.StageDone,
		Message: "saved " + filepath.Base(path),
		Detail:  path,
		Path:    path,
	}})
	j.record(model.JobPatch{Stage: &stage, Artifact: &path})
	return path, true
}

func (j *job) print(toolpath string, opts Options) {
	stage := model.StagePrint
	j.emit(model.Message{StageEvent: &model.StageEvent{Stage: stage, Status: model.StageActive, Detail: "uploading over ftps..."}})
	j.record(model.JobPatch{Stage: &stage})

	ctl := session.New(j.o.Transport, j.o.Session)

	started := time.Now()
	remote, err := j.o.Registry.Start(j.ctx, j.id, ctl, toolpath)
	metrics.StageDuration.WithLabelValues(model.StageName(stage)).Observe(time.Since(started).Seconds())
	if err != nil {
		j.fail(stage, err)
		return
	}

	j.emit(model.Message{StageEvent: &model.StageEvent{
		Stage:   stage,
		Status:  model.StageDone,
		Message: "print started",
		Detail:  "printing in progress",
		Path:    remote,
	}})
	j.record(model.JobPatch{Stage: &stage, Artifact: &remote, RemoteName: &remote})

	if !opts.Monitor {
		j.emit(model.Message{Done: true, Outcome: model.OutcomePending})
		go j.o.follow(j.id, ctl, nil)
		return
	}

	state, err := j.o.follow(j.id, ctl, j.emit)
	switch state {
	case session.StateFinished:
		j.emit(model.Message{Done: true, Outcome: model.OutcomeSuccess})
	case session.StateCancelled:
		j.emit(model.Message{Done: true, Outcome: model.OutcomeCancelled})
	default:
		j.emit(model.Message{Error: model.Diagnostic(err), Outcome: model.OutcomeFailed})
	}
}

// fail ends the job at stage. Cancellation ends it with a cancelled event
// and a done sentinel; anything else with an error event and an error
// sentinel carrying the diagnostic. A negative stage emits only the
// sentinel.
func (j *job) fail(stage int, err error) {
	if errors.Is(err, model.ErrCancelled) || errors.Is(err, context.Canceled) {
		if stage >= 0 {
			j.emit(model.Message{StageEvent: &model.StageEvent{Stage: stage, Status: model.StageCancelled, Message: "cancelled"}})
		}
		j.emit(model.Message{Done: true, Outcome: model.OutcomeCancelled})
		j.finish(model.OutcomeCancelled, "")
		return
	}

	diagnostic := model.Diagnostic(err)
	slog.Error("Job failed", "job_id", j.id, "stage", model.StageName(stage), "error", err)
	if stage >= 0 {
		j.emit(model.Message{StageEvent: &model.StageEvent{Stage: stage, Status: model.StageError, Message: diagnostic}})
	}
	j.emit(model.Message{Error: diagnostic, Outcome: model.OutcomeFailed})
	j.finish(model.OutcomeFailed, err.Error())
}

func (j *job) finish(outcome model.Outcome, errMsg string) {
	j.o.finish(j.id, outcome, errMsg)
}

// emit delivers msg to the observer and the event sink. Once the job's
// context is done the observer may be gone, so delivery no longer blocks.
func (j *job) emit(msg model.Message) {
	msg.JobID = j.id
	if msg.StageEvent != nil && msg.Status.Terminal() {
		metrics.StageEvents.WithLabelValues(model.StageName(msg.Stage), string(msg.Status)).Inc()
	}
	if err := j.o.sink().Publish(context.WithoutCancel(j.ctx), msg); err != nil {
		slog.Warn("Failed to publish job event", "job_id", j.id, "error", err)
	}

	select {
	case j.out <- msg:
		return
	case <-j.ctx.Done():
	}
	select {
	case j.out <- msg:
	default:
		slog.Debug("Observer gone, dropping message", "job_id", j.id, "kind", msg.Kind())
	}
}

func (j *job) record(patch model.JobPatch) {
	j.o.record(j.id, patch)
}

// follow consumes a session's updates until it ends, recording device
// state in the job history and passing reports to emit when set. It
// returns the session's terminal state and error.
func (o *Orchestrator) follow(jobID string, ctl *session.Controller, emit func(model.Message)) (session.State, error) {
	for u := range ctl.Updates() {
		if u.Report == nil || u.State.Terminal() {
			continue
		}
		report := *u.Report
		patch := model.JobPatch{DeviceState: &report.State}
		if report.Percent != nil {
			pct := float64(*report.Percent)
			patch.Progress = &pct
		}
		o.record(jobID, patch)
		if emit != nil {
			progress := report.Progress()
			emit(model.Message{Report: &progress})
		}
	}

	state, err := ctl.Result()
	switch state {
	case session.StateFinished:
		o.finish(jobID, model.OutcomeSuccess, "")
	case session.StateCancelled:
		o.finish(jobID, model.OutcomeCancelled, "")
	default:
		msg := "print session ended without a result"
		if err != nil {
			msg = err.Error()
		}
		o.finish(jobID, model.OutcomeFailed, msg)
	}
	return state, err
}

func (o *Orchestrator) finish(jobID string, outcome model.Outcome, errMsg string) {
	metrics.JobOutcomes.WithLabelValues(string(outcome)).Inc()
	patch := model.JobPatch{Outcome: &outcome}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	o.record(jobID, patch)
	slog.Info("Job ended", "job_id", jobID, "outcome", outcome)
}

func (o *Orchestrator) record(jobID string, patch model.JobPatch) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Jobs.UpdateJob(ctx, jobID, patch); err != nil {
		slog.Warn("Failed to update job record", "job_id", jobID, "error", fmt.Errorf("update job: %w", err))
	}
}
