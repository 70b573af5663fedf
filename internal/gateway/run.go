package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/user/taskpilot/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one turn waiting in, or executing from, a session lane.
type Run struct {
	ID        types.RunID
	SessionID types.SessionID
	Task      string
	Ctx       context.Context
	CreatedAt time.Time

	exec      func(ctx context.Context) error
	onAbandon func()
	done      chan struct{}

	mu        sync.Mutex
	status    RunStatus
	startedAt time.Time
	endedAt   time.Time
	err       error
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnAbandon sets a callback invoked when the queue stops before the run
// was executed.
func WithOnAbandon(fn func()) RunOption {
	return func(r *Run) { r.onAbandon = fn }
}

// NewRun creates a Run in the Queued state. exec runs with ctx once the
// run reaches the head of its session lane.
func NewRun(ctx context.Context, sessionID types.SessionID, task string, exec func(ctx context.Context) error, opts ...RunOption) *Run {
	r := &Run{
		ID:        types.NewRunID(),
		SessionID: sessionID,
		Task:      task,
		Ctx:       ctx,
		CreatedAt: time.Now(),
		exec:      exec,
		done:      make(chan struct{}),
		status:    RunStatusQueued,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Done is closed when the run has finished or was abandoned.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Status returns the run's lifecycle state.
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err returns the error the run finished with.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Duration returns how long the run executed, or zero if it has not finished.
func (r *Run) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.endedAt.IsZero() || r.startedAt.IsZero() {
		return 0
	}
	return r.endedAt.Sub(r.startedAt)
}

func (r *Run) start() {
	r.mu.Lock()
	r.status = RunStatusRunning
	r.startedAt = time.Now()
	r.mu.Unlock()
}

func (r *Run) abandon(err error) {
	if r.onAbandon != nil {
		r.onAbandon()
	}
	r.finish(err)
}

func (r *Run) finish(err error) {
	r.mu.Lock()
	r.endedAt = time.Now()
	r.err = err
	if err != nil {
		r.status = RunStatusFailed
	} else {
		r.status = RunStatusComplete
	}
	r.mu.Unlock()
	close(r.done)
}
