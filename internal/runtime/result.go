package runtime

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/user/taskpilot/internal/state"
)

// NextAction tells the caller what the turn did.
type NextAction string

const (
	ActionNone     NextAction = "none"
	ActionAdded    NextAction = "added"
	ActionListed   NextAction = "listed"
	ActionUpdated  NextAction = "updated"
	ActionImported NextAction = "imported"
	ActionError    NextAction = "error"
)

func (a NextAction) valid() bool {
	switch a {
	case ActionNone, ActionAdded, ActionListed, ActionUpdated, ActionImported, ActionError:
		return true
	}
	return false
}

// TurnResult is the shape every completed turn returns to its caller.
type TurnResult struct {
	Answer     string         `json:"answer"`
	NextAction NextAction     `json:"nextAction"`
	Data       map[string]any `json:"data"`
}

// ParseTurnResult reads the model's final text as a TurnResult. Text that
// is not a JSON object with a string answer and a known nextAction degrades
// to {answer: raw, nextAction: none, data: {}}. A ```json fence around the
// object is tolerated.
func ParseTurnResult(raw string) TurnResult {
	fallback := TurnResult{Answer: raw, NextAction: ActionNone, Data: map[string]any{}}

	body := stripFence(strings.TrimSpace(raw))
	if !strings.HasPrefix(body, "{") {
		return fallback
	}

	var parsed struct {
		Answer     *string        `json:"answer"`
		NextAction *NextAction    `json:"nextAction"`
		Data       map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return fallback
	}
	if parsed.Answer == nil {
		return fallback
	}

	result := TurnResult{Answer: *parsed.Answer, NextAction: ActionNone, Data: parsed.Data}
	if parsed.NextAction != nil {
		if !parsed.NextAction.valid() {
			return fallback
		}
		result.NextAction = *parsed.NextAction
	}
	if result.Data == nil {
		result.Data = map[string]any{}
	}
	return result
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.HasPrefix(strings.TrimSpace(s[:i]), "{") {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// ErrorResult converts a fatal turn error into the user-facing error shape.
func ErrorResult(err error) TurnResult {
	kind, answer := "internal", "Something went wrong while handling your request. Please try again."

	var modelErr *ModelError
	switch {
	case errors.Is(err, ErrLoopLimitExceeded):
		kind, answer = "loop_limit", "I couldn't finish this request: it needed too many tool steps."
	case errors.As(err, &modelErr):
		kind, answer = "model", "The language model is unavailable right now. Please try again shortly."
	case errors.Is(err, state.ErrMemoryStore):
		kind, answer = "memory", "I couldn't access this conversation's memory, so nothing was changed."
	case errors.Is(err, ErrUnknownTask):
		kind, answer = "unknown_task", "That task isn't available."
	}

	data := map[string]any{"error": kind}
	if err != nil {
		data["detail"] = err.Error()
	}
	return TurnResult{Answer: answer, NextAction: ActionError, Data: data}
}
