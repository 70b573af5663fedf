package llm

import (
	"errors"
	"fmt"
)

// ErrInvalidTranscript is returned when a message sequence breaks the
// assistant/tool pairing rules.
var ErrInvalidTranscript = errors.New("invalid transcript")

// ValidateTranscript checks that every tool message answers a call issued by
// the nearest preceding assistant message, and that no call is answered twice.
func ValidateTranscript(messages []Message) error {
	var open map[string]bool
	for i, msg := range messages {
		switch msg.Role {
		case RoleSystem, RoleUser:
			open = nil
		case RoleAssistant:
			open = make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				if tc.ID == "" {
					return fmt.Errorf("%w: message %d: tool call without id", ErrInvalidTranscript, i)
				}
				open[tc.ID] = true
			}
		case RoleTool:
			if open == nil {
				return fmt.Errorf("%w: message %d: tool message does not follow an assistant message", ErrInvalidTranscript, i)
			}
			if !open[msg.ToolCallID] {
				return fmt.Errorf("%w: message %d: tool call id %q not issued by preceding assistant message", ErrInvalidTranscript, i, msg.ToolCallID)
			}
			delete(open, msg.ToolCallID)
		default:
			return fmt.Errorf("%w: message %d: unknown role %q", ErrInvalidTranscript, i, msg.Role)
		}
	}
	return nil
}
