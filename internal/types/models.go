// internal/types/models.go
package types

import (
	"time"
)

// Session memory bounds. Older entries are evicted first.
const (
	MaxHistoryEntries = 50
	MaxFacts          = 100
	SummaryFacts      = 10
)

// HistoryEntry is one remembered conversation message.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Fact is a remembered statement about the user or their world.
type Fact struct {
	Fact      string    `json:"fact"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionMemory is the durable per-session record.
type SessionMemory struct {
	SessionID           SessionID      `json:"session_id"`
	Preferences         map[string]any `json:"preferences"`
	Context             map[string]any `json:"context"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
	Facts               []Fact         `json:"facts"`
	LastUpdated         time.Time      `json:"last_updated"`
}

// NewSessionMemory returns an empty record for id.
func NewSessionMemory(id SessionID) *SessionMemory {
	return &SessionMemory{
		SessionID:           id,
		Preferences:         map[string]any{},
		Context:             map[string]any{},
		ConversationHistory: []HistoryEntry{},
		Facts:               []Fact{},
		LastUpdated:         time.Now().UTC(),
	}
}

// Normalize fills nil collections left by older or hand-edited records and
// re-applies the bounds.
func (m *SessionMemory) Normalize() {
	if m.Preferences == nil {
		m.Preferences = map[string]any{}
	}
	if m.Context == nil {
		m.Context = map[string]any{}
	}
	if m.ConversationHistory == nil {
		m.ConversationHistory = []HistoryEntry{}
	}
	if m.Facts == nil {
		m.Facts = []Fact{}
	}
	m.ConversationHistory = lastN(m.ConversationHistory, MaxHistoryEntries)
	m.Facts = lastN(m.Facts, MaxFacts)
}

// AppendHistory appends an entry and keeps only the most recent MaxHistoryEntries.
func (m *SessionMemory) AppendHistory(e HistoryEntry) {
	m.ConversationHistory = lastN(append(m.ConversationHistory, e), MaxHistoryEntries)
}

// AppendFact appends a fact and keeps only the most recent MaxFacts.
func (m *SessionMemory) AppendFact(f Fact) {
	m.Facts = lastN(append(m.Facts, f), MaxFacts)
}

// Summary is the read-only projection of a session used for prompts.
func (m *SessionMemory) Summary() *MemorySummary {
	recent := lastN(m.Facts, SummaryFacts)
	facts := make([]Fact, len(recent))
	copy(facts, recent)
	return &MemorySummary{
		Preferences:       cloneMap(m.Preferences),
		RecentFacts:       facts,
		Context:           cloneMap(m.Context),
		ConversationCount: len(m.ConversationHistory),
	}
}

// MemorySummary exposes preferences, context and recent facts without the
// full history.
type MemorySummary struct {
	Preferences       map[string]any `json:"preferences"`
	RecentFacts       []Fact         `json:"recent_facts"`
	Context           map[string]any `json:"context"`
	ConversationCount int            `json:"conversation_count"`
}

func lastN[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	out := make([]T, n)
	copy(out, s[len(s)-n:])
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EventType classifies a turn event.
type EventType string

const (
	EventModelStart EventType = "model_start"
	EventModelEnd   EventType = "model_end"
	EventToolStart  EventType = "tool_start"
	EventToolEnd    EventType = "tool_end"
	EventError      EventType = "error"
)

// Event is one observation recorded during a turn.
type Event struct {
	ID        EventID        `json:"id"`
	SessionID SessionID      `json:"session_id"`
	RunID     RunID          `json:"run_id,omitempty"`
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	At        time.Time      `json:"at"`
	Payload   map[string]any `json:"payload,omitempty"`
}
