// Package session runs the device side of one print job: upload, a single
// print command, and monitoring of the device's report stream until the
// print ends or the session is cancelled.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/print-agent/internal/config"
	"github.com/example/print-agent/internal/device"
	"github.com/example/print-agent/internal/metrics"
	"github.com/example/print-agent/internal/model"
)

type State string

const (
	StateIdle        State = "idle"
	StateUploading   State = "uploading"
	StateCommandSent State = "command_sent"
	StateMonitoring  State = "monitoring"
	StateFinished    State = "finished"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCancelled
}

// Outcome maps a terminal session state onto a job outcome.
func (s State) Outcome() model.Outcome {
	switch s {
	case StateFinished:
		return model.OutcomeSuccess
	case StateFailed:
		return model.OutcomeFailed
	case StateCancelled:
		return model.OutcomeCancelled
	default:
		return model.OutcomePending
	}
}

// Transport is the device contract a session drives.
type Transport interface {
	Upload(ctx context.Context, localPath string) (string, error)
	SendCommand(ctx context.Context, cmd device.Command) error
	WatchReports(ctx context.Context) (device.ReportStream, error)
}

type Options struct {
	CacheDir    string
	SubtaskName string
	Print       config.PrintOptions
	Now         func() time.Time
}

// Update is a state transition or a device report seen while monitoring.
type Update struct {
	State  State          `json:"state"`
	Report *device.Report `json:"report,omitempty"`
	Err    error          `json:"-"`
}

var ErrAlreadyStarted = errors.New("session already started")

// Controller owns one print session. Start may be called once; Cancel may
// be called any number of times from any goroutine.
type Controller struct {
	transport Transport
	opts      Options

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	cancelled bool
	err       error
	remote    string
	last      *device.Report
	updates   chan Update
	done      chan struct{}

	// onStart runs once the session has left Idle and can be cancelled.
	onStart func()
}

// updateBuffer holds every update a session can have pending at once: three
// transitions before monitoring, one coalesced report and the terminal
// update.
const updateBuffer = 8

func New(transport Transport, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		transport: transport,
		opts:      opts,
		state:     StateIdle,
		updates:   make(chan Update, updateBuffer),
		done:      make(chan struct{}),
	}
}

// Start uploads toolpath, issues the print command and begins monitoring in
// the background. It returns once monitoring has begun, with the remote
// file name, or with the error that ended the session.
//
// Cancelling ctx aborts the upload and command steps. Monitoring outlives
// ctx and only ends on a terminal report or Cancel.
func (c *Controller) Start(ctx context.Context, toolpath string) (string, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return "", ErrAlreadyStarted
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.state = StateUploading
	c.send(Update{State: StateUploading})
	onStart := c.onStart
	c.mu.Unlock()
	metrics.ActiveSessions.Inc()
	if onStart != nil {
		onStart()
	}

	stop := context.AfterFunc(ctx, c.Cancel)
	defer stop()

	remote, err := c.transport.Upload(sctx, toolpath)
	if err != nil {
		return "", c.abort(sctx, err)
	}
	c.mu.Lock()
	c.remote = remote
	c.mu.Unlock()

	if ctx.Err() != nil {
		c.Cancel()
	}
	if sctx.Err() != nil {
		return remote, c.abort(sctx, sctx.Err())
	}
	c.transition(StateCommandSent)
	cmd := device.NewPrintCommand(c.opts.CacheDir, remote, c.opts.SubtaskName, c.opts.Print, c.opts.Now())
	if err := c.transport.SendCommand(sctx, cmd); err != nil {
		return remote, c.abort(sctx, err)
	}

	stream, err := c.transport.WatchReports(sctx)
	if err != nil {
		return remote, c.abort(sctx, fmt.Errorf("print started but monitoring failed: %w", err))
	}
	c.transition(StateMonitoring)
	go c.monitor(sctx, stream)
	return remote, nil
}

func (c *Controller) monitor(ctx context.Context, stream device.ReportStream) {
	state, err := c.consume(ctx, stream)
	stream.Close()
	c.finish(state, err)
}

// consume reads reports until the print ends, the stream is lost or the
// session is cancelled.
func (c *Controller) consume(ctx context.Context, stream device.ReportStream) (State, error) {
	reports := stream.Reports()
	for {
		select {
		case <-ctx.Done():
			return StateCancelled, model.ErrCancelled
		case report, ok := <-reports:
			if !ok {
				if ctx.Err() != nil {
					return StateCancelled, model.ErrCancelled
				}
				if err := stream.Err(); err != nil {
					return StateFailed, err
				}
				return StateFailed, &model.TransportError{Op: "mqtt subscription", Err: errors.New("report stream closed")}
			}
			c.report(report)
			switch report.State {
			case device.StateFinish:
				return StateFinished, nil
			case device.StateFailed:
				return StateFailed, &model.DeviceRejection{State: report.State}
			}
		}
	}
}

// abort ends the session after a failed step. Any failure observed after
// cancellation counts as cancellation.
func (c *Controller) abort(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, model.ErrCancelled) {
		c.finish(StateCancelled, model.ErrCancelled)
		return model.ErrCancelled
	}
	c.finish(StateFailed, err)
	return err
}

// Cancel stops the session. It is a no-op before Start and after the
// session has ended.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle || c.state.Terminal() || c.cancelled {
		return
	}
	c.cancelled = true
	slog.Info("Cancelling print session", "state", c.state)
	c.cancel()
}

func (c *Controller) transition(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.state = state
	c.send(Update{State: state})
}

func (c *Controller) report(r device.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.last = &r
	c.send(Update{State: c.state, Report: &r})
}

func (c *Controller) finish(state State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.state = state
	c.err = err
	c.send(Update{State: state, Report: c.last, Err: err})
	close(c.updates)
	close(c.done)
	if c.cancel != nil {
		c.cancel()
	}
	metrics.ActiveSessions.Dec()
	slog.Info("Print session ended", "state", state, "remote", c.remote, "error", err)
}

// send never blocks and never drops a transition. A report the reader has
// not received yet is replaced by a newer one. Callers hold c.mu.
func (c *Controller) send(u Update) {
	if u.Report != nil && !u.State.Terminal() {
		pending := c.drain()
		if n := len(pending); n > 0 && isReport(pending[n-1]) {
			slog.Debug("Coalescing device report, reader is behind", "state", u.Report.State)
			pending = pending[:n-1]
		}
		for _, p := range pending {
			c.updates <- p
		}
	}
	c.updates <- u
}

// drain takes every update still waiting in the buffer, oldest first.
func (c *Controller) drain() []Update {
	var pending []Update
	for {
		select {
		case u := <-c.updates:
			pending = append(pending, u)
		default:
			return pending
		}
	}
}

func isReport(u Update) bool {
	return u.Report != nil && !u.State.Terminal()
}

// Updates delivers every state transition in order, with device reports
// seen while monitoring in between. Reports that pile up unread are
// coalesced to the latest. The channel is closed after the terminal update.
func (c *Controller) Updates() <-chan Update { return c.updates }

// Done is closed when the session reaches a terminal state.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result returns the current state and, once terminal, the error that ended
// the session. Finished and Cancelled sessions return a nil or ErrCancelled
// error respectively.
func (c *Controller) Result() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.err
}

// Wait blocks until the session ends or ctx is done.
func (c *Controller) Wait(ctx context.Context) (State, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}
