package runtime

import (
	"context"

	"github.com/user/taskpilot/internal/types"
)

type sessionIDKey struct{}

// WithSessionID returns a context carrying the turn's session id, for tools
// that write session memory.
func WithSessionID(ctx context.Context, id types.SessionID) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionIDFrom returns the session id stored by WithSessionID.
func SessionIDFrom(ctx context.Context) (types.SessionID, bool) {
	id, ok := ctx.Value(sessionIDKey{}).(types.SessionID)
	return id, ok && id != ""
}
