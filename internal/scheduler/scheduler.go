package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/user/taskpilot/internal/runtime"
	"github.com/user/taskpilot/internal/state"
	"github.com/user/taskpilot/internal/types"
)

// Invoker runs one turn.
type Invoker interface {
	Invoke(ctx context.Context, sid types.SessionID, task, prompt string) (runtime.TurnResult, error)
}

// Deliverer sends a turn's answer back to the session's channel.
type Deliverer interface {
	Deliver(ctx context.Context, sid types.SessionID, message string) error
}

// Scheduler evaluates cron expressions from the schedule store and fires
// their prompts as turns.
type Scheduler struct {
	store     *state.ScheduleStore
	invoker   Invoker
	deliverer Deliverer

	mu   sync.Mutex
	ctx  context.Context
	cron *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateCron reports whether expr is a schedule the scheduler accepts.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// New creates a Scheduler backed by the given store. deliverer may be nil,
// in which case answers are only logged.
func New(store *state.ScheduleStore, invoker Invoker, deliverer Deliverer) *Scheduler {
	return &Scheduler{
		store:     store,
		invoker:   invoker,
		deliverer: deliverer,
		cron:      cron.New(cron.WithParser(cronParser)),
	}
}

// Start loads schedules from the store, registers the enabled ones that
// have a cron expression, and starts the cron ticker. Fired turns run under
// ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.startLocked()
}

func (s *Scheduler) startLocked() error {
	schedules, err := s.store.List()
	if err != nil {
		return err
	}

	for _, sch := range schedules {
		if sch.Cron == "" || !sch.Enabled {
			continue
		}
		sch := sch
		if _, err := s.cron.AddFunc(sch.Cron, func() {
			slog.Info("cron firing schedule", "name", sch.Name, "session_id", sch.SessionID)
			s.Fire(s.ctx, sch)
		}); err != nil {
			slog.Error("invalid cron schedule", "name", sch.Name, "cron", sch.Cron, "error", err)
			continue
		}
		slog.Info("scheduled prompt", "name", sch.Name, "cron", sch.Cron)
	}

	s.cron.Start()
	return nil
}

// Reload stops the existing cron, creates a new one and registers the
// store's schedules again.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Stop()
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.startLocked()
}

// Stop stops the cron ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	<-c.Stop().Done()
}

// SessionFor returns the session a schedule's turns run in. Schedules
// without one get their own session.
func SessionFor(sch *state.Schedule) types.SessionID {
	if sch.SessionID != "" {
		return types.SessionID(sch.SessionID)
	}
	return types.JoinSessionID("schedule", sch.Name)
}

// Fire runs the schedule's prompt as a turn and delivers the answer.
func (s *Scheduler) Fire(ctx context.Context, sch *state.Schedule) (runtime.TurnResult, error) {
	sid := SessionFor(sch)
	result, err := s.invoker.Invoke(ctx, sid, sch.Task, sch.Prompt)
	if err != nil {
		slog.Error("scheduled turn failed", "name", sch.Name, "session_id", sid, "error", err)
	}
	if s.deliverer == nil {
		slog.Info("scheduled turn complete", "name", sch.Name, "session_id", sid, "answer", result.Answer)
		return result, err
	}
	if derr := s.deliverer.Deliver(ctx, sid, result.Answer); derr != nil {
		slog.Error("deliver scheduled answer failed", "name", sch.Name, "session_id", sid, "error", derr)
	}
	return result, err
}
