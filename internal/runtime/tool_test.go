package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type echoTool struct{}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "Echoes input" }
func (e *echoTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}
func (e *echoTool) Execute(_ context.Context, args json.RawMessage) (any, error) {
	var p struct {
		Text string `json:"text"`
	}
	json.Unmarshal(args, &p)
	return map[string]string{"text": p.Text}, nil
}

func TestRegisterAndResolve(t *testing.T) {
	c, err := Register(&echoTool{})
	if err != nil {
		t.Fatal(err)
	}

	tool, err := c.Resolve("echo")
	if err != nil {
		t.Fatal(err)
	}
	if tool.Name() != "echo" {
		t.Errorf("expected name 'echo', got %q", tool.Name())
	}
}

func TestResolveMissing(t *testing.T) {
	c, err := Register()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Resolve("missing"); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", err)
	}

	var nilCatalog *Catalog
	if _, err := nilCatalog.Resolve("missing"); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound from nil catalog, got %v", err)
	}
	if nilCatalog.Definitions() != nil || nilCatalog.Len() != 0 {
		t.Error("expected nil catalog to be empty")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	if _, err := Register(&echoTool{}, &echoTool{}); err == nil {
		t.Fatal("expected error for duplicate name")
	}
}

func TestRegisterEmptyName(t *testing.T) {
	f := &Func{ToolName: "", Fn: func(context.Context, json.RawMessage) (any, error) { return nil, nil }}
	if _, err := Register(f); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestRegisterBadSchema(t *testing.T) {
	f := &Func{
		ToolName: "broken",
		Schema:   json.RawMessage(`{"type": 12}`),
		Fn:       func(context.Context, json.RawMessage) (any, error) { return nil, nil },
	}
	if _, err := Register(f); err == nil {
		t.Fatal("expected error for invalid schema")
	}
}

func TestValidate(t *testing.T) {
	c, err := Register(&echoTool{})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Validate("echo", json.RawMessage(`{"text":"hi"}`)); err != nil {
		t.Errorf("expected valid args, got %v", err)
	}
	if err := c.Validate("echo", json.RawMessage(`{}`)); err == nil {
		t.Error("expected missing required field to fail")
	}
	if err := c.Validate("echo", json.RawMessage(`{"text":5}`)); err == nil {
		t.Error("expected wrong type to fail")
	}
	if err := c.Validate("echo", json.RawMessage(`not json`)); err == nil {
		t.Error("expected malformed JSON to fail")
	}
	if err := c.Validate("nope", json.RawMessage(`{}`)); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", err)
	}
}

func TestValidateEmptyArgsAgainstNoSchema(t *testing.T) {
	f := &Func{ToolName: "ping", Fn: func(context.Context, json.RawMessage) (any, error) { return "pong", nil }}
	c, err := Register(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Validate("ping", nil); err != nil {
		t.Errorf("expected empty args to validate, got %v", err)
	}
}

func TestDefinitionsOrder(t *testing.T) {
	noop := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	c, err := Register(
		&Func{ToolName: "b", Desc: "second", Fn: noop},
		&Func{ToolName: "a", Desc: "first", Fn: noop},
		&echoTool{},
	)
	if err != nil {
		t.Fatal(err)
	}

	defs := c.Definitions()
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}
	for i, want := range []string{"b", "a", "echo"} {
		if defs[i].Function.Name != want {
			t.Errorf("definition %d: expected %s, got %s", i, want, defs[i].Function.Name)
		}
		if defs[i].Type != "function" {
			t.Errorf("expected type 'function', got %q", defs[i].Type)
		}
	}
	if defs[1].Function.Description != "first" {
		t.Errorf("expected description 'first', got %q", defs[1].Function.Description)
	}
}
