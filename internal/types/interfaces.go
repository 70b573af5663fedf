// internal/types/interfaces.go
package types

import (
	"context"
)

// MemoryStore persists SessionMemory records. Every method is atomic for
// its session id; mutating methods are full load-modify-store cycles.
type MemoryStore interface {
	Load(ctx context.Context, id SessionID) (*SessionMemory, error)
	AddToHistory(ctx context.Context, id SessionID, role, content string) error
	AddExchange(ctx context.Context, id SessionID, userText, answer string) error
	AddFact(ctx context.Context, id SessionID, fact string) error
	UpdatePreference(ctx context.Context, id SessionID, key string, value any) error
	UpdateContext(ctx context.Context, id SessionID, key string, value any) error
	Summarize(ctx context.Context, id SessionID) (*MemorySummary, error)
	List(ctx context.Context) ([]SessionID, error)
}

// EventSink receives turn events.
type EventSink interface {
	Record(event Event)
}
