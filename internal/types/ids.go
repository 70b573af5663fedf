// internal/types/ids.go
package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type SessionID string
type RunID string
type EventID string
type ScheduleID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewScheduleID() ScheduleID {
	return ScheduleID(uuid.New().String())
}

// NewToolCallID returns an id for tool calls synthesized outside the model.
func NewToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// JoinSessionID builds a session id from transport-specific parts, e.g.
// JoinSessionID("telegram", "42", "42") == "telegram:42:42".
func JoinSessionID(parts ...string) SessionID {
	return SessionID(strings.Join(parts, ":"))
}

// ErrInvalidSessionID is wrapped by every ValidateSessionID failure.
var ErrInvalidSessionID = errors.New("invalid session id")

// ValidateSessionID rejects ids that cannot safely name a file.
func ValidateSessionID(id SessionID) error {
	s := string(id)
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(s) > 200 {
		return fmt.Errorf("%w: longer than 200 bytes", ErrInvalidSessionID)
	}
	if s == "." || s == ".." || strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, s)
	}
	return nil
}
