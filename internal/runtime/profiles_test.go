package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTaskFileDefaults(t *testing.T) {
	f, err := LoadTaskFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := f.Tasks[DefaultTask]; !ok {
		t.Errorf("expected default task %q in defaults", DefaultTask)
	}
}

func TestLoadTaskFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	content := `
tasks:
  chat:
    instructions: Be brief.
  echoes:
    instructions: Echo things.
    tools: [echo]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := LoadTaskFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(f.Tasks))
	}
	if f.Tasks["echoes"].Tools[0] != "echo" {
		t.Errorf("unexpected tools %v", f.Tasks["echoes"].Tools)
	}

	p, err := BuildProfiles(f, []Tool{&echoTool{}})
	if err != nil {
		t.Fatal(err)
	}
	task, err := p.Get("echoes")
	if err != nil {
		t.Fatal(err)
	}
	if task.Catalog.Len() != 1 || task.Instructions != "Echo things." {
		t.Errorf("unexpected task %+v", task)
	}

	chat, err := p.Get("")
	if err != nil {
		t.Fatal(err)
	}
	if chat.Name != "chat" || chat.Catalog.Len() != 0 {
		t.Errorf("expected empty chat task, got %+v", chat)
	}

	if names := p.Names(); len(names) != 2 || names[0] != "chat" || names[1] != "echoes" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestLoadTaskFileErrors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("tasks: [unclosed"), 0o644)
	if _, err := LoadTaskFile(bad); err == nil {
		t.Error("expected parse error")
	}

	empty := filepath.Join(dir, "empty.yaml")
	os.WriteFile(empty, []byte("tasks: {}\n"), 0o644)
	if _, err := LoadTaskFile(empty); err == nil {
		t.Error("expected error for file with no tasks")
	}
}

func TestBuildProfilesUnknownTool(t *testing.T) {
	f := TaskFile{Tasks: map[string]TaskSpec{"x": {Tools: []string{"ghost"}}}}
	if _, err := BuildProfiles(f, nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestBuildProfilesDuplicateTool(t *testing.T) {
	f := TaskFile{Tasks: map[string]TaskSpec{"x": {Tools: []string{"echo", "echo"}}}}
	if _, err := BuildProfiles(f, []Tool{&echoTool{}}); err == nil {
		t.Fatal("expected error for duplicate tool in one task")
	}
}

func TestProfilesUnknownTask(t *testing.T) {
	p, err := BuildProfiles(DefaultTaskFile(), defaultTestTools())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get("nope"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
}

// defaultTestTools stands in for the built-ins named by the default profiles.
func defaultTestTools() []Tool {
	noop := func(context.Context, json.RawMessage) (any, error) { return map[string]any{}, nil }
	var out []Tool
	for _, name := range []string{"addJob", "listJobs", "updateJob", "readUrl", "rememberFact", "setPreference"} {
		out = append(out, &Func{ToolName: name, Fn: noop})
	}
	return out
}
