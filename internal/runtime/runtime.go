package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/taskpilot/internal/observability"
	"github.com/user/taskpilot/internal/types"
	"github.com/user/taskpilot/pkg/llm"
)

// ToolCallPolicy decides what happens when one model response requests
// several tools.
type ToolCallPolicy string

const (
	// PolicyFirst honours only the first call and drops the rest from the
	// transcript.
	PolicyFirst ToolCallPolicy = "first"
	// PolicySerial executes every call in order.
	PolicySerial ToolCallPolicy = "serial"
)

// ParseToolCallPolicy validates a configured policy name.
func ParseToolCallPolicy(s string) (ToolCallPolicy, error) {
	switch ToolCallPolicy(s) {
	case "", PolicyFirst:
		return PolicyFirst, nil
	case PolicySerial:
		return PolicySerial, nil
	}
	return "", fmt.Errorf("unknown tool call policy %q (want first or serial)", s)
}

// UnknownToolLabel is the tool_name metric label for calls to tools the
// catalog does not hold.
const UnknownToolLabel = "unknown"

// Options bound a turn.
type Options struct {
	MaxIterations int
	Policy        ToolCallPolicy
	ModelTimeout  time.Duration
	ToolTimeout   time.Duration
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxIterations: 15,
		Policy:        PolicyFirst,
		ModelTimeout:  120 * time.Second,
		ToolTimeout:   30 * time.Second,
	}
}

// Engine runs the model -> tool -> model loop for one turn.
type Engine struct {
	provider llm.Provider
	opts     Options
	metrics  *observability.Metrics
}

// NewEngine creates an Engine. Zero option fields take their defaults.
func NewEngine(provider llm.Provider, opts Options, metrics *observability.Metrics) *Engine {
	def := DefaultOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.Policy == "" {
		opts.Policy = def.Policy
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = def.ModelTimeout
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = def.ToolTimeout
	}
	return &Engine{provider: provider, opts: opts, metrics: metrics}
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// RunResult is the outcome of Engine.Run. Messages holds the full transcript
// including the initial messages; it is populated on error too.
type RunResult struct {
	Messages   []llm.Message
	Answer     string
	Iterations int
}

// Run drives the loop from the initial messages until the model answers
// without tool calls. Tool failures are returned to the model as structured
// error messages; model failures (*ModelError), an invalid transcript and
// exceeding MaxIterations tool rounds are fatal.
func (e *Engine) Run(ctx context.Context, sink types.EventSink, messages []llm.Message, catalog *Catalog) (*RunResult, error) {
	rec := newEmitter(sink, types.NewRunID())
	res := &RunResult{Messages: append([]llm.Message(nil), messages...)}
	tools := catalog.Definitions()

	for round := 0; ; round++ {
		if err := llm.ValidateTranscript(res.Messages); err != nil {
			rec.emit(types.EventError, map[string]any{"stage": "transcript", "error": err.Error()})
			return res, err
		}

		rec.emit(types.EventModelStart, map[string]any{"iteration": round, "messages": len(res.Messages)})
		resp, err := e.complete(ctx, res.Messages, tools)
		if err != nil {
			rec.emit(types.EventError, map[string]any{"stage": "model", "iteration": round, "error": err.Error()})
			return res, err
		}

		calls := withCallIDs(resp.ToolCalls)
		if len(calls) > 1 && e.opts.Policy == PolicyFirst {
			dropped := make([]string, 0, len(calls)-1)
			for _, c := range calls[1:] {
				dropped = append(dropped, c.Function.Name)
			}
			slog.Warn("dropping extra tool calls", "run_id", rec.runID, "kept", calls[0].Function.Name, "dropped", dropped)
			calls = calls[:1]
		}
		rec.emit(types.EventModelEnd, map[string]any{
			"iteration":  round,
			"tool_calls": len(calls),
			"tokens":     resp.Usage.TotalTokens,
		})
		res.Messages = append(res.Messages, llm.Assistant(resp.Content, calls...))
		res.Iterations = round + 1

		if len(calls) == 0 {
			res.Answer = resp.Content
			return res, nil
		}

		if round >= e.opts.MaxIterations {
			err := fmt.Errorf("%w: model still requesting tools after %d rounds", ErrLoopLimitExceeded, e.opts.MaxIterations)
			rec.emit(types.EventError, map[string]any{"stage": "loop", "error": err.Error()})
			return res, err
		}

		for _, call := range calls {
			res.Messages = append(res.Messages, e.execute(ctx, rec, catalog, call))
		}
	}
}

func (e *Engine) complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	mctx, cancel := context.WithTimeout(ctx, e.opts.ModelTimeout)
	defer cancel()

	start := time.Now()
	resp, err := e.provider.Complete(mctx, messages, tools)
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		e.metrics.RecordModelRequest("complete", "error", time.Since(start).Seconds())
		return nil, &ModelError{Err: err}
	}
	e.metrics.RecordModelRequest("complete", "success", time.Since(start).Seconds())
	return resp, nil
}

// execute runs one tool call and returns the tool message answering it.
func (e *Engine) execute(ctx context.Context, rec *emitter, catalog *Catalog, call llm.ToolCall) llm.Message {
	name := call.Function.Name
	rec.emit(types.EventToolStart, map[string]any{
		"tool":      name,
		"call_id":   call.ID,
		"arguments": string(call.Function.Arguments),
	})

	// Names the model invents never become metric labels.
	label := UnknownToolLabel
	fail := func(status, msg string) llm.Message {
		e.metrics.RecordToolExecution(label, status, 0)
		rec.emit(types.EventError, map[string]any{"stage": "tool", "tool": name, "call_id": call.ID, "error": msg})
		slog.Warn("tool call failed", "run_id", rec.runID, "tool", name, "error", msg)
		return llm.ToolResult(call.ID, name, errorContent(msg))
	}

	tool, err := catalog.Resolve(name)
	if err != nil {
		return fail("unknown", fmt.Sprintf("Unknown tool %s", name))
	}
	label = name
	if err := catalog.Validate(name, call.Function.Arguments); err != nil {
		return fail("invalid", fmt.Sprintf("Invalid arguments for %s: %v", name, err))
	}

	start := time.Now()
	result, err := e.invoke(ctx, tool, call.Function.Arguments)
	elapsed := time.Since(start)
	if err != nil {
		e.metrics.RecordToolExecution(name, "error", elapsed.Seconds())
		msg := fmt.Sprintf("Tool %s failed: %v", name, err)
		rec.emit(types.EventError, map[string]any{"stage": "tool", "tool": name, "call_id": call.ID, "error": msg})
		slog.Warn("tool call failed", "run_id", rec.runID, "tool", name, "error", err)
		return llm.ToolResult(call.ID, name, errorContent(msg))
	}

	content, err := json.Marshal(result)
	if err != nil {
		return fail("error", fmt.Sprintf("Tool %s failed: result is not JSON-serializable: %v", name, err))
	}

	e.metrics.RecordToolExecution(name, "success", elapsed.Seconds())
	rec.emit(types.EventToolEnd, map[string]any{
		"tool":        name,
		"call_id":     call.ID,
		"duration_ms": elapsed.Milliseconds(),
	})
	return llm.ToolResult(call.ID, name, string(content))
}

type toolOutcome struct {
	result any
	err    error
}

// invoke runs the handler under the tool timeout. A handler that ignores
// its context is abandoned when the timeout fires; a panic becomes an error.
func (e *Engine) invoke(ctx context.Context, tool Tool, args json.RawMessage) (any, error) {
	tctx, cancel := context.WithTimeout(ctx, e.opts.ToolTimeout)
	defer cancel()

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	done := make(chan toolOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- toolOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		result, err := tool.Execute(tctx, args)
		done <- toolOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-tctx.Done():
		return nil, fmt.Errorf("timed out: %w", tctx.Err())
	}
}

func errorContent(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

// withCallIDs fills in missing or repeated ids, so each tool message
// answers exactly one call.
func withCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, c := range calls {
		if c.ID == "" || seen[c.ID] {
			c.ID = types.NewToolCallID()
		}
		seen[c.ID] = true
		if c.Type == "" {
			c.Type = "function"
		}
		out[i] = c
	}
	return out
}

// emitter stamps events with the run id before handing them to the sink.
type emitter struct {
	sink  types.EventSink
	runID types.RunID
}

func newEmitter(sink types.EventSink, runID types.RunID) *emitter {
	return &emitter{sink: sink, runID: runID}
}

func (r *emitter) emit(typ types.EventType, payload map[string]any) {
	if r.sink == nil {
		return
	}
	r.sink.Record(types.Event{RunID: r.runID, Type: typ, Payload: payload})
}
