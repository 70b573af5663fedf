// internal/state/recorder.go
package state

import (
	"sync"
	"time"

	"github.com/user/taskpilot/internal/types"
)

// Recorders hands out one in-memory Recorder per session for the lifetime
// of the process. Nothing is persisted.
type Recorders struct {
	mu   sync.Mutex
	byID map[types.SessionID]*Recorder
}

// NewRecorders creates an empty recorder set.
func NewRecorders() *Recorders {
	return &Recorders{byID: make(map[types.SessionID]*Recorder)}
}

// Start returns the session's recorder, creating it on first use.
func (r *Recorders) Start(id types.SessionID) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.byID[id]; ok {
		return rec
	}
	rec := &Recorder{sessionID: id}
	r.byID[id] = rec
	return rec
}

// Get returns the session's recorder without creating one.
func (r *Recorders) Get(id types.SessionID) (*Recorder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	return rec, ok
}

// Recorder is an append-only event log for one session.
type Recorder struct {
	sessionID types.SessionID

	mu     sync.Mutex
	events []types.Event
}

// SessionID returns the session this recorder belongs to.
func (r *Recorder) SessionID() types.SessionID {
	return r.sessionID
}

// Record appends an event, filling in its id, session, sequence number and
// timestamp when unset.
func (r *Recorder) Record(event types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.ID == "" {
		event.ID = types.NewEventID()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	event.SessionID = r.sessionID
	event.Seq = int64(len(r.events)) + 1
	r.events = append(r.events, event)
}

// Events returns a copy of the log in record order.
func (r *Recorder) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Event, len(r.events))
	copy(out, r.events)
	return out
}

// ToolUsage counts tool_start events by tool name.
func (r *Recorder) ToolUsage() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	usage := make(map[string]int)
	for _, e := range r.events {
		if e.Type != types.EventToolStart {
			continue
		}
		if name, ok := e.Payload["tool"].(string); ok {
			usage[name]++
		}
	}
	return usage
}
