package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/user/taskpilot/pkg/llm"
)

// Tool defines the interface for an executable tool. Execute returns a
// JSON-serializable result or an error; the engine turns errors into
// structured tool messages.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Func adapts a function to the Tool interface.
type Func struct {
	ToolName string
	Desc     string
	Schema   json.RawMessage
	Fn       func(ctx context.Context, args json.RawMessage) (any, error)
}

func (f *Func) Name() string                { return f.ToolName }
func (f *Func) Description() string         { return f.Desc }
func (f *Func) Parameters() json.RawMessage { return f.Schema }

func (f *Func) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	return f.Fn(ctx, args)
}

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Catalog is an immutable set of tools with compiled argument schemas. It
// is safe for concurrent use. A nil *Catalog is empty.
type Catalog struct {
	order   []string
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// Register builds a catalog. Duplicate or empty names and schemas that do
// not compile are configuration errors.
func Register(tools ...Tool) (*Catalog, error) {
	c := &Catalog{
		tools:   make(map[string]Tool, len(tools)),
		schemas: make(map[string]*jsonschema.Schema, len(tools)),
	}
	for _, t := range tools {
		if t == nil {
			return nil, fmt.Errorf("tool is nil")
		}
		name := t.Name()
		if name == "" {
			return nil, fmt.Errorf("tool name is empty")
		}
		if _, exists := c.tools[name]; exists {
			return nil, fmt.Errorf("tool %s already registered", name)
		}

		params := t.Parameters()
		if len(params) == 0 {
			params = emptyObjectSchema
		}
		schema, err := jsonschema.CompileString(name+".schema.json", string(params))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", name, err)
		}

		c.order = append(c.order, name)
		c.tools[name] = t
		c.schemas[name] = schema
	}
	return c, nil
}

// Resolve returns the named tool or ErrToolNotFound.
func (c *Catalog) Resolve(name string) (Tool, error) {
	if c != nil {
		if t, ok := c.tools[name]; ok {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// Validate checks args against the tool's input schema. Empty arguments
// are validated as an empty object.
func (c *Catalog) Validate(name string, args json.RawMessage) error {
	if c == nil {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	schema, ok := c.schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return err
	}
	return nil
}

// Names returns tool names in registration order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

// Definitions converts the catalog to the model-facing tool list, in
// registration order.
func (c *Catalog) Definitions() []llm.Tool {
	if c.Len() == 0 {
		return nil
	}
	out := make([]llm.Tool, 0, len(c.order))
	for _, name := range c.order {
		t := c.tools[name]
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        name,
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}
