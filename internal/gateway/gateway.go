package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	ctxengine "github.com/user/taskpilot/internal/context"
	"github.com/user/taskpilot/internal/observability"
	"github.com/user/taskpilot/internal/runtime"
	"github.com/user/taskpilot/internal/state"
	"github.com/user/taskpilot/internal/types"
)

// ErrEmptyPrompt is returned when a turn is requested without user text.
var ErrEmptyPrompt = errors.New("prompt is empty")

// Deps are the collaborators a Gateway drives.
type Deps struct {
	Engine    *runtime.Engine
	Streamer  *runtime.Streamer
	Profiles  *runtime.Profiles
	Memory    types.MemoryStore
	Prompts   *ctxengine.Engine
	Recorders *state.Recorders
	Metrics   *observability.Metrics
}

// Gateway is the entry point for turns. Every turn runs inside its
// session's queue lane, so turns for one session never overlap while
// different sessions proceed in parallel.
type Gateway struct {
	engine    *runtime.Engine
	streamer  *runtime.Streamer
	profiles  *runtime.Profiles
	memory    types.MemoryStore
	prompts   *ctxengine.Engine
	recorders *state.Recorders
	metrics   *observability.Metrics
	Queue     *Queue
}

// New creates a Gateway with the given concurrency limit across sessions.
func New(d Deps, maxConcurrent int64) *Gateway {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	recorders := d.Recorders
	if recorders == nil {
		recorders = state.NewRecorders()
	}
	return &Gateway{
		engine:    d.Engine,
		streamer:  d.Streamer,
		profiles:  d.Profiles,
		memory:    d.Memory,
		prompts:   d.Prompts,
		recorders: recorders,
		metrics:   d.Metrics,
		Queue:     NewQueue(maxConcurrent),
	}
}

// Start starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.Queue.Start(ctx)
}

// Stop stops the queue and waits for in-flight turns to finish.
func (g *Gateway) Stop() {
	g.Queue.Stop()
}

// Tasks returns the configured task names.
func (g *Gateway) Tasks() []string {
	return g.profiles.Names()
}

// Memory returns the session memory store.
func (g *Gateway) Memory() types.MemoryStore {
	return g.memory
}

// Events returns the events recorded for a session in this process.
func (g *Gateway) Events(sid types.SessionID) []types.Event {
	rec, ok := g.recorders.Get(sid)
	if !ok {
		return nil
	}
	return rec.Events()
}

// ToolUsage returns how often each tool was started for a session.
func (g *Gateway) ToolUsage(sid types.SessionID) map[string]int {
	rec, ok := g.recorders.Get(sid)
	if !ok {
		return map[string]int{}
	}
	return rec.ToolUsage()
}

// Invoke runs one turn of the named task and returns its structured result.
// The turn itself is detached from ctx and runs to completion once queued;
// ctx only bounds how long the caller waits for it. On a fatal condition the
// returned result carries nextAction "error" alongside the error.
func (g *Gateway) Invoke(ctx context.Context, sid types.SessionID, task, prompt string) (runtime.TurnResult, error) {
	t, err := g.admit(sid, task, prompt)
	if err != nil {
		return runtime.ErrorResult(err), err
	}

	var (
		result  runtime.TurnResult
		turnErr error
	)
	run := NewRun(context.WithoutCancel(ctx), sid, t.Name, func(ctx context.Context) error {
		result, turnErr = g.turn(ctx, sid, t, prompt)
		return turnErr
	})
	if err := g.Queue.Enqueue(run); err != nil {
		err = fmt.Errorf("enqueue turn: %w", err)
		return runtime.ErrorResult(err), err
	}

	select {
	case <-run.Done():
	case <-ctx.Done():
		return runtime.ErrorResult(ctx.Err()), ctx.Err()
	}
	if turnErr == nil && run.Err() != nil {
		turnErr = run.Err()
	}
	if turnErr != nil {
		return runtime.ErrorResult(turnErr), turnErr
	}
	return result, nil
}

func (g *Gateway) admit(sid types.SessionID, task, prompt string) (*runtime.Task, error) {
	if err := types.ValidateSessionID(sid); err != nil {
		return nil, err
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	return g.profiles.Get(task)
}

func (g *Gateway) turn(ctx context.Context, sid types.SessionID, task *runtime.Task, userText string) (runtime.TurnResult, error) {
	ctx = runtime.WithSessionID(ctx, sid)
	outcome := "error"
	defer func() { g.metrics.RecordTurn(task.Name, outcome) }()

	prompt, err := g.buildPrompt(ctx, sid, task, userText)
	if err != nil {
		return runtime.TurnResult{}, err
	}

	res, err := g.engine.Run(ctx, g.recorders.Start(sid), prompt.Messages(userText), task.Catalog)
	if err != nil {
		slog.Warn("turn failed", "session_id", sid, "task", task.Name, "error", err)
		return runtime.TurnResult{}, err
	}
	if err := runtime.CommitExchange(ctx, g.memory, sid, userText, res.Answer); err != nil {
		return runtime.TurnResult{}, err
	}

	outcome = "success"
	slog.Info("turn complete", "session_id", sid, "task", task.Name, "iterations", res.Iterations)
	return runtime.ParseTurnResult(res.Answer), nil
}

func (g *Gateway) buildPrompt(ctx context.Context, sid types.SessionID, task *runtime.Task, userText string) (*ctxengine.Prompt, error) {
	mem, err := g.memory.Load(ctx, sid)
	if err != nil {
		return nil, err
	}
	prompt, err := g.prompts.BuildPrompt(ctxengine.PromptInput{
		SessionID:    sid,
		Task:         task.Name,
		Instructions: task.Instructions,
		Tools:        task.Catalog.Names(),
		Summary:      mem.Summary(),
		History:      mem.ConversationHistory,
		UserText:     userText,
	})
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}
	if prompt.Dropped > 0 {
		slog.Debug("history trimmed to fit context", "session_id", sid, "dropped", prompt.Dropped)
	}
	return prompt, nil
}

// InvokeStreaming runs one plain-chat turn and streams its text. Unlike
// Invoke the turn honours ctx: cancelling it stops the stream, and the text
// produced so far is still committed to memory before the channel closes.
func (g *Gateway) InvokeStreaming(ctx context.Context, sid types.SessionID, prompt string) (<-chan runtime.Chunk, error) {
	t, err := g.admit(sid, runtime.DefaultTask, prompt)
	if err != nil {
		return nil, err
	}

	out := make(chan runtime.Chunk)
	run := NewRun(ctx, sid, t.Name, func(ctx context.Context) error {
		defer close(out)
		return g.stream(ctx, sid, t, prompt, out)
	}, WithOnAbandon(func() { close(out) }))
	if err := g.Queue.Enqueue(run); err != nil {
		return nil, fmt.Errorf("enqueue turn: %w", err)
	}
	return out, nil
}

func (g *Gateway) stream(ctx context.Context, sid types.SessionID, task *runtime.Task, userText string, out chan<- runtime.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	outcome := "error"
	defer func() { g.metrics.RecordTurn(task.Name, outcome) }()

	prompt, err := g.buildPrompt(ctx, sid, task, userText)
	if err != nil {
		if ctx.Err() == nil {
			select {
			case out <- runtime.Chunk{Done: true, Err: err}:
			case <-ctx.Done():
			}
		}
		return err
	}

	chunks := g.streamer.Stream(ctx, g.recorders.Start(sid), sid, runtime.StreamRequest{
		System:   prompt.System,
		History:  prompt.History,
		UserText: userText,
	})
	var streamErr error
	for c := range chunks {
		if c.Done {
			streamErr = c.Err
		}
		// Keep draining after cancellation so the commit finishes, but
		// forward nothing more.
		if ctx.Err() != nil {
			continue
		}
		select {
		case out <- c:
		case <-ctx.Done():
		}
	}
	switch {
	case streamErr != nil:
		return streamErr
	case ctx.Err() != nil:
		outcome = "cancelled"
		return nil
	}
	outcome = "success"
	return nil
}
