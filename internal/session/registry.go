package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Registry tracks the sessions that are still running so they can be
// cancelled from outside the job that started them. Sessions remove
// themselves once they end.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Controller
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Controller)}
}

// Start starts c and registers it under jobID as soon as it leaves Idle,
// so every session the registry reports can be cancelled.
func (r *Registry) Start(ctx context.Context, jobID string, c *Controller, toolpath string) (string, error) {
	c.mu.Lock()
	c.onStart = func() { r.Add(jobID, c) }
	c.mu.Unlock()
	return c.Start(ctx, toolpath)
}

func (r *Registry) Add(jobID string, c *Controller) {
	r.mu.Lock()
	r.sessions[jobID] = c
	r.mu.Unlock()

	go func() {
		<-c.Done()
		r.remove(jobID, c)
	}()
}

func (r *Registry) remove(jobID string, c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[jobID] == c {
		delete(r.sessions, jobID)
	}
}

// Cancel cancels the session of jobID. It reports whether such a session
// was running.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	c, ok := r.sessions[jobID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	c.Cancel()
	return true
}

// CancelCurrent cancels every running session and returns how many there
// were. The printer runs one print at a time, so in practice this is the
// current print. With nothing running it does nothing.
func (r *Registry) CancelCurrent() int {
	r.mu.Lock()
	running := make([]*Controller, 0, len(r.sessions))
	for _, c := range r.sessions {
		running = append(running, c)
	}
	r.mu.Unlock()

	for _, c := range running {
		c.Cancel()
	}
	if len(running) > 0 {
		slog.Info("Cancelled running print sessions", "count", len(running))
	}
	return len(running)
}

// Active returns the job ids with a running session, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns the running session of jobID.
func (r *Registry) Get(jobID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[jobID]
	return c, ok
}
