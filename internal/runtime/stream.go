package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/taskpilot/internal/observability"
	"github.com/user/taskpilot/internal/types"
	"github.com/user/taskpilot/pkg/llm"
)

// commitTimeout bounds the memory commit that runs after the caller's
// context may already be cancelled.
const commitTimeout = 10 * time.Second

// Chunk is one element of a streamed turn. The last chunk sent has Done
// set; Err is set on it when the model or the memory commit failed.
type Chunk struct {
	Text string
	Done bool
	Err  error
}

// StreamRequest is the input to a plain-chat streaming turn.
type StreamRequest struct {
	System   string
	History  []llm.Message
	UserText string
}

// Streamer runs plain-chat turns that emit text incrementally. No tools are
// offered to the model on this path.
type Streamer struct {
	provider llm.Provider
	memory   types.MemoryStore
	timeout  time.Duration
	metrics  *observability.Metrics
}

// NewStreamer creates a Streamer. modelTimeout bounds the whole stream; zero
// uses the engine default.
func NewStreamer(provider llm.Provider, memory types.MemoryStore, modelTimeout time.Duration, metrics *observability.Metrics) *Streamer {
	if modelTimeout <= 0 {
		modelTimeout = DefaultOptions().ModelTimeout
	}
	return &Streamer{provider: provider, memory: memory, timeout: modelTimeout, metrics: metrics}
}

// Stream starts the turn and returns its chunks. The accumulated text is
// committed to session memory as one user and one assistant entry before
// the channel is closed, whether the stream completed, failed after
// producing text, or was cancelled through ctx. After cancellation no
// further chunks are sent.
func (s *Streamer) Stream(ctx context.Context, sink types.EventSink, sid types.SessionID, req StreamRequest) <-chan Chunk {
	out := make(chan Chunk)
	go s.run(ctx, newEmitter(sink, types.NewRunID()), sid, req, out)
	return out
}

func (s *Streamer) run(ctx context.Context, rec *emitter, sid types.SessionID, req StreamRequest, out chan<- Chunk) {
	defer close(out)

	messages := make([]llm.Message, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, llm.System(req.System))
	}
	messages = append(messages, req.History...)
	messages = append(messages, llm.User(req.UserText))

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec.emit(types.EventModelStart, map[string]any{"mode": "stream", "messages": len(messages)})
	start := time.Now()

	var (
		text      strings.Builder
		chunks    int
		cancelled bool
		modelErr  error
	)

	deltas, err := s.provider.Stream(sctx, messages, nil)
	if err != nil {
		modelErr = &ModelError{Err: err}
	}

recv:
	for modelErr == nil {
		select {
		case <-ctx.Done():
			cancelled = true
			break recv
		case d, ok := <-deltas:
			if !ok {
				break recv
			}
			if d.Err != nil {
				modelErr = &ModelError{Err: d.Err}
				break recv
			}
			if d.Content == "" {
				continue
			}
			if ctx.Err() != nil {
				cancelled = true
				break recv
			}
			text.WriteString(d.Content)
			select {
			case out <- Chunk{Text: d.Content}:
				chunks++
				s.metrics.RecordStreamChunk()
			case <-ctx.Done():
				cancelled = true
				break recv
			}
		}
	}
	// Errors after the caller went away are a consequence of the
	// cancellation. A stream cut by its own timeout is a model failure.
	if ctx.Err() != nil {
		cancelled, modelErr = true, nil
	} else if modelErr == nil && sctx.Err() != nil {
		modelErr = &ModelError{Err: sctx.Err()}
	}

	status := "success"
	switch {
	case modelErr != nil:
		status = "error"
		rec.emit(types.EventError, map[string]any{"stage": "model", "mode": "stream", "error": modelErr.Error()})
		slog.Warn("stream failed", "session_id", sid, "run_id", rec.runID, "error", modelErr)
	case cancelled:
		status = "cancelled"
		rec.emit(types.EventModelEnd, map[string]any{"mode": "stream", "chunks": chunks, "cancelled": true})
	default:
		rec.emit(types.EventModelEnd, map[string]any{"mode": "stream", "chunks": chunks})
	}
	s.metrics.RecordModelRequest("stream", status, time.Since(start).Seconds())

	// A model failure before any text leaves memory untouched, like a failed
	// non-streaming turn.
	var commitErr error
	if modelErr == nil || text.Len() > 0 {
		cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		commitErr = CommitExchange(cctx, s.memory, sid, req.UserText, text.String())
		ccancel()
		if commitErr != nil {
			rec.emit(types.EventError, map[string]any{"stage": "memory", "error": commitErr.Error()})
			slog.Error("stream commit failed", "session_id", sid, "error", commitErr)
		}
	}

	if cancelled {
		return
	}
	final := Chunk{Done: true, Err: errors.Join(modelErr, commitErr)}
	select {
	case out <- final:
	case <-ctx.Done():
	}
}

// CommitExchange appends one user and one assistant entry to the session's
// history in a single write. Both turn paths use it so their memory effects
// are identical.
func CommitExchange(ctx context.Context, memory types.MemoryStore, sid types.SessionID, userText, answer string) error {
	if err := memory.AddExchange(ctx, sid, userText, answer); err != nil {
		return fmt.Errorf("commit exchange: %w", err)
	}
	return nil
}
