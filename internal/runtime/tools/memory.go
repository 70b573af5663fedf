package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/taskpilot/internal/runtime"
	"github.com/user/taskpilot/internal/types"
)

// RememberFactTool stores a fact in the current session's memory.
type RememberFactTool struct{ memory types.MemoryStore }

func NewRememberFact(memory types.MemoryStore) *RememberFactTool {
	return &RememberFactTool{memory: memory}
}

func (t *RememberFactTool) Name() string { return string(RememberFact) }
func (t *RememberFactTool) Description() string {
	return "Remember a fact about the user for future conversations"
}
func (t *RememberFactTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"fact": {"type": "string", "minLength": 1, "description": "The fact to remember"}
		},
		"required": ["fact"]
	}`)
}

func (t *RememberFactTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Fact string `json:"fact"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	fact := strings.TrimSpace(params.Fact)
	if fact == "" {
		return nil, fmt.Errorf("fact is required")
	}
	sid, ok := runtime.SessionIDFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("no session in context")
	}
	if err := t.memory.AddFact(ctx, sid, fact); err != nil {
		return nil, err
	}
	return map[string]any{"saved": fact}, nil
}

// SetPreferenceTool upserts a preference in the current session's memory.
type SetPreferenceTool struct{ memory types.MemoryStore }

func NewSetPreference(memory types.MemoryStore) *SetPreferenceTool {
	return &SetPreferenceTool{memory: memory}
}

func (t *SetPreferenceTool) Name() string { return string(SetPreference) }
func (t *SetPreferenceTool) Description() string {
	return "Set a user preference, such as tone or language"
}
func (t *SetPreferenceTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"key": {"type": "string", "minLength": 1},
			"value": {"description": "Any JSON value"}
		},
		"required": ["key", "value"]
	}`)
}

func (t *SetPreferenceTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	sid, ok := runtime.SessionIDFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("no session in context")
	}
	if err := t.memory.UpdatePreference(ctx, sid, params.Key, params.Value); err != nil {
		return nil, err
	}
	return map[string]any{"key": params.Key, "value": params.Value}, nil
}
