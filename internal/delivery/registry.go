package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/user/taskpilot/internal/types"
)

// Handler delivers a message to the channel a session id belongs to.
type Handler func(ctx context.Context, sid types.SessionID, message string) error

// Registry routes messages to the appropriate delivery handler based on
// session id prefix (e.g. "telegram:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for session ids starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver calls the handler with the longest prefix matching sid.
// Returns an error if no handler is registered for it.
func (r *Registry) Deliver(ctx context.Context, sid types.SessionID, message string) error {
	r.mu.RLock()
	var (
		best    string
		handler Handler
	)
	for prefix, h := range r.handlers {
		if strings.HasPrefix(string(sid), prefix) && len(prefix) >= len(best) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no delivery handler for session %s", sid)
	}
	return handler(ctx, sid, message)
}
