package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/taskpilot/internal/types"
)

// ErrQueueStopped is returned for runs enqueued after, or still waiting at,
// shutdown.
var ErrQueueStopped = errors.New("queue stopped")

const laneCapacity = 100

// Queue manages per-session lanes with a global concurrency semaphore.
// Each session gets its own FIFO channel (lane) so that runs within a
// session are processed sequentially, while the semaphore limits the
// total number of concurrent runs across all sessions.
type Queue struct {
	lanes     map[types.SessionID]chan *Run
	semaphore *semaphore.Weighted
	active    atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewQueue creates a Queue that allows up to maxConcurrent runs to execute
// simultaneously across all session lanes.
func NewQueue(maxConcurrent int64) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		lanes:     make(map[types.SessionID]chan *Run),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop closes all lanes and waits for in-flight runs to finish. Runs still
// waiting in a lane fail with ErrQueueStopped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	if q.cancel != nil {
		q.cancel()
	}
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Run to the session's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx == nil || q.stopped {
		return ErrQueueStopped
	}

	lane, exists := q.lanes[run.SessionID]
	if !exists {
		lane = make(chan *Run, laneCapacity)
		q.lanes[run.SessionID] = lane
		q.wg.Add(1)
		go q.processLane(run.SessionID, lane)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("queue full for session %s", run.SessionID)
	}
}

// processLane drains a single session lane, acquiring a semaphore slot
// before executing each run synchronously. This ensures strict FIFO
// ordering within a session while the semaphore limits cross-session
// parallelism.
func (q *Queue) processLane(sessionID types.SessionID, lane chan *Run) {
	defer q.wg.Done()
	for run := range lane {
		if q.ctx.Err() != nil {
			run.abandon(ErrQueueStopped)
			continue
		}
		if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
			run.abandon(ErrQueueStopped)
			continue
		}
		q.active.Add(1)
		run.start()
		err := run.exec(run.Ctx)
		run.finish(err)
		if err != nil {
			slog.Error("run failed", "run_id", string(run.ID), "session_id", string(sessionID), "task", run.Task, "error", err)
		}
		q.active.Add(-1)
		q.semaphore.Release(1)
	}
}

// Active returns the number of runs currently executing.
func (q *Queue) Active() int64 {
	return q.active.Load()
}

// WaitIdle blocks until no runs are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}
