package runtime

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultTask is used when a caller does not name one.
const DefaultTask = "chat"

// TaskSpec is the file form of a task profile.
type TaskSpec struct {
	Instructions string   `yaml:"instructions"`
	Tools        []string `yaml:"tools"`
}

// TaskFile is the YAML document listing task profiles.
type TaskFile struct {
	Tasks map[string]TaskSpec `yaml:"tasks"`
}

// DefaultTaskFile is used when no task file exists.
func DefaultTaskFile() TaskFile {
	return TaskFile{Tasks: map[string]TaskSpec{
		"chat": {
			Instructions: "Have a natural conversation. Answer directly and concisely.",
		},
		"jobs": {
			Instructions: "Help the user track job applications. Use the job tools to add, list and update applications. " +
				"Reply with a JSON object {\"answer\": string, \"nextAction\": \"none\"|\"added\"|\"listed\"|\"updated\"|\"imported\", \"data\": object}.",
			Tools: []string{"addJob", "listJobs", "updateJob", "readUrl"},
		},
		"memory": {
			Instructions: "Remember what the user tells you about themselves. Store facts with rememberFact and preferences with setPreference.",
			Tools:        []string{"rememberFact", "setPreference"},
		},
		"resume": {
			Instructions: "Answer questions about the user's resume. Search it with searchResume and answer only from the snippets it returns; " +
				"say so when the resume does not cover the question.",
			Tools: []string{"searchResume"},
		},
		"research": {
			Instructions: "Answer questions about web pages. Fetch pages with readUrl and cite what you read.",
			Tools:        []string{"readUrl"},
		},
	}}
}

// LoadTaskFile reads task profiles from path, falling back to the defaults
// when the file does not exist.
func LoadTaskFile(path string) (TaskFile, error) {
	if path == "" {
		return DefaultTaskFile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultTaskFile(), nil
		}
		return TaskFile{}, fmt.Errorf("read task file: %w", err)
	}

	var f TaskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return TaskFile{}, fmt.Errorf("parse task file: %w", err)
	}
	if len(f.Tasks) == 0 {
		return TaskFile{}, fmt.Errorf("task file %s defines no tasks", path)
	}
	return f, nil
}

// Task is a configured task category with its catalog.
type Task struct {
	Name         string
	Instructions string
	Catalog      *Catalog
}

// Profiles maps task names to their catalogs. It is built once at startup
// and read-only afterwards.
type Profiles struct {
	tasks map[string]*Task
}

// BuildProfiles assembles one catalog per task from the available tools.
// A task naming a tool that is not available is a configuration error.
func BuildProfiles(f TaskFile, available []Tool) (*Profiles, error) {
	byName := make(map[string]Tool, len(available))
	for _, t := range available {
		byName[t.Name()] = t
	}

	p := &Profiles{tasks: make(map[string]*Task, len(f.Tasks))}
	for name, spec := range f.Tasks {
		tools := make([]Tool, 0, len(spec.Tools))
		for _, toolName := range spec.Tools {
			t, ok := byName[toolName]
			if !ok {
				return nil, fmt.Errorf("task %s: unknown tool %s", name, toolName)
			}
			tools = append(tools, t)
		}
		catalog, err := Register(tools...)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", name, err)
		}
		p.tasks[name] = &Task{Name: name, Instructions: spec.Instructions, Catalog: catalog}
	}
	return p, nil
}

// Get returns the named task or ErrUnknownTask.
func (p *Profiles) Get(name string) (*Task, error) {
	if name == "" {
		name = DefaultTask
	}
	t, ok := p.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return t, nil
}

// Names returns the configured task names, sorted.
func (p *Profiles) Names() []string {
	names := make([]string, 0, len(p.tasks))
	for name := range p.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
