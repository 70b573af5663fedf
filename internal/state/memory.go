// internal/state/memory.go
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/taskpilot/internal/types"
)

// ErrMemoryStore wraps every failure to read or write session memory.
var ErrMemoryStore = errors.New("memory store failure")

// memoryBackend persists whole SessionMemory records. put must replace the
// stored record atomically.
type memoryBackend interface {
	get(ctx context.Context, id types.SessionID) (*types.SessionMemory, bool, error)
	put(ctx context.Context, m *types.SessionMemory) error
	remove(ctx context.Context, id types.SessionID) error
	list(ctx context.Context) ([]types.SessionID, error)
	close() error
}

// MemoryStore implements types.MemoryStore over a backend. Every operation
// holds the session's mutex for the whole load-modify-store cycle, so two
// turns for one session can never lose each other's writes.
type MemoryStore struct {
	backend memoryBackend
	now     func() time.Time

	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

func newMemoryStore(b memoryBackend) *MemoryStore {
	return &MemoryStore{
		backend: b,
		now:     func() time.Time { return time.Now().UTC() },
		locks:   make(map[types.SessionID]*sync.Mutex),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (s *MemoryStore) getLock(id types.SessionID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

// load returns the record for id, creating and persisting an empty one on
// first access. Caller must hold the session lock.
func (s *MemoryStore) load(ctx context.Context, id types.SessionID) (*types.SessionMemory, error) {
	if err := types.ValidateSessionID(id); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMemoryStore, err)
	}
	m, ok, err := s.backend.get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", ErrMemoryStore, id, err)
	}
	if ok {
		m.SessionID = id
		m.Normalize()
		return m, nil
	}
	m = types.NewSessionMemory(id)
	m.LastUpdated = s.now()
	if err := s.backend.put(ctx, m); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrMemoryStore, id, err)
	}
	return m, nil
}

// mutate runs one load-modify-store cycle under the session lock.
func (s *MemoryStore) mutate(ctx context.Context, id types.SessionID, fn func(m *types.SessionMemory)) error {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	fn(m)
	m.LastUpdated = s.now()
	if err := s.backend.put(ctx, m); err != nil {
		return fmt.Errorf("%w: store %s: %w", ErrMemoryStore, id, err)
	}
	return nil
}

// Load returns the session's memory, creating an empty record if none exists.
func (s *MemoryStore) Load(ctx context.Context, id types.SessionID) (*types.SessionMemory, error) {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return s.load(ctx, id)
}

// AddToHistory appends a history entry, keeping the most recent 50.
func (s *MemoryStore) AddToHistory(ctx context.Context, id types.SessionID, role, content string) error {
	return s.mutate(ctx, id, func(m *types.SessionMemory) {
		m.AppendHistory(types.HistoryEntry{Role: role, Content: content, Timestamp: s.now()})
	})
}

// AddExchange appends a user entry and the assistant answer to it in one
// store. Either both are persisted or neither is.
func (s *MemoryStore) AddExchange(ctx context.Context, id types.SessionID, userText, answer string) error {
	return s.mutate(ctx, id, func(m *types.SessionMemory) {
		now := s.now()
		m.AppendHistory(types.HistoryEntry{Role: "user", Content: userText, Timestamp: now})
		m.AppendHistory(types.HistoryEntry{Role: "assistant", Content: answer, Timestamp: now})
	})
}

// AddFact appends a timestamped fact, keeping the most recent 100.
func (s *MemoryStore) AddFact(ctx context.Context, id types.SessionID, fact string) error {
	return s.mutate(ctx, id, func(m *types.SessionMemory) {
		m.AppendFact(types.Fact{Fact: fact, Timestamp: s.now()})
	})
}

// UpdatePreference upserts a preference.
func (s *MemoryStore) UpdatePreference(ctx context.Context, id types.SessionID, key string, value any) error {
	return s.mutate(ctx, id, func(m *types.SessionMemory) {
		m.Preferences[key] = value
	})
}

// UpdateContext upserts a context value.
func (s *MemoryStore) UpdateContext(ctx context.Context, id types.SessionID, key string, value any) error {
	return s.mutate(ctx, id, func(m *types.SessionMemory) {
		m.Context[key] = value
	})
}

// Summarize returns the prompt-facing projection of the session.
func (s *MemoryStore) Summarize(ctx context.Context, id types.SessionID) (*types.MemorySummary, error) {
	m, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Summary(), nil
}

// List returns the ids of all stored sessions.
func (s *MemoryStore) List(ctx context.Context) ([]types.SessionID, error) {
	ids, err := s.backend.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrMemoryStore, err)
	}
	return ids, nil
}

// Clear deletes a session's record. A later Load starts from empty.
func (s *MemoryStore) Clear(ctx context.Context, id types.SessionID) error {
	if err := types.ValidateSessionID(id); err != nil {
		return fmt.Errorf("%w: %w", ErrMemoryStore, err)
	}
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := s.backend.remove(ctx, id); err != nil {
		return fmt.Errorf("%w: clear %s: %w", ErrMemoryStore, id, err)
	}
	return nil
}

// Close releases the backend.
func (s *MemoryStore) Close() error {
	return s.backend.close()
}
