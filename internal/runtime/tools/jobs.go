package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is one tracked job application.
type Job struct {
	ID        string    `json:"id"`
	Company   string    `json:"company"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	URL       string    `json:"url,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const defaultJobStatus = "saved"

// JobStore is a JSON-file-backed list of jobs.
type JobStore struct {
	path string
	mu   sync.Mutex
}

// NewJobStore creates a JobStore at the given file path.
func NewJobStore(path string) *JobStore {
	return &JobStore{path: path}
}

// Add stores a new job and returns it.
func (s *JobStore) Add(company, role, status, url, notes string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return nil, err
	}
	if status == "" {
		status = defaultJobStatus
	}
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.New().String(),
		Company:   company,
		Role:      role,
		Status:    status,
		URL:       url,
		Notes:     notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.save(append(jobs, job)); err != nil {
		return nil, err
	}
	return job, nil
}

// List returns jobs, optionally filtered by status.
func (s *JobStore) List(status string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		if status == "" || strings.EqualFold(j.Status, status) {
			out = append(out, j)
		}
	}
	return out, nil
}

// Update changes a job's status and/or notes.
func (s *JobStore) Update(id, status, notes string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.ID != id {
			continue
		}
		if status != "" {
			j.Status = status
		}
		if notes != "" {
			j.Notes = notes
		}
		j.UpdatedAt = time.Now().UTC()
		if err := s.save(jobs); err != nil {
			return nil, err
		}
		return j, nil
	}
	return nil, fmt.Errorf("job not found: %s", id)
}

func (s *JobStore) load() ([]*Job, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs file: %w", err)
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("unmarshal jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) save(jobs []*Job) error {
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal jobs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create jobs dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp jobs file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp jobs file: %w", err)
	}
	return nil
}

const jobStatusEnum = `["saved", "applied", "interviewing", "offer", "rejected"]`

// AddJobTool records a new job application.
type AddJobTool struct{ store *JobStore }

func NewAddJob(store *JobStore) *AddJobTool { return &AddJobTool{store: store} }

func (t *AddJobTool) Name() string        { return string(AddJob) }
func (t *AddJobTool) Description() string { return "Add a job application to the tracker" }
func (t *AddJobTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"company": {"type": "string", "minLength": 1, "description": "Company name"},
			"role": {"type": "string", "minLength": 1, "description": "Job title"},
			"status": {"type": "string", "enum": ` + jobStatusEnum + `},
			"url": {"type": "string", "description": "Link to the posting"},
			"notes": {"type": "string"}
		},
		"required": ["company", "role"]
	}`)
}

func (t *AddJobTool) Execute(_ context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Company string `json:"company"`
		Role    string `json:"role"`
		Status  string `json:"status"`
		URL     string `json:"url"`
		Notes   string `json:"notes"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	return t.store.Add(params.Company, params.Role, params.Status, params.URL, params.Notes)
}

// ListJobsTool lists tracked applications.
type ListJobsTool struct{ store *JobStore }

func NewListJobs(store *JobStore) *ListJobsTool { return &ListJobsTool{store: store} }

func (t *ListJobsTool) Name() string { return string(ListJobs) }
func (t *ListJobsTool) Description() string {
	return "List tracked job applications, optionally by status"
}
func (t *ListJobsTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"status": {"type": "string", "enum": ` + jobStatusEnum + `}
		}
	}`)
}

func (t *ListJobsTool) Execute(_ context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	jobs, err := t.store.List(params.Status)
	if err != nil {
		return nil, err
	}
	return map[string]any{"jobs": jobs, "count": len(jobs)}, nil
}

// UpdateJobTool changes the status or notes of an application.
type UpdateJobTool struct{ store *JobStore }

func NewUpdateJob(store *JobStore) *UpdateJobTool { return &UpdateJobTool{store: store} }

func (t *UpdateJobTool) Name() string { return string(UpdateJob) }
func (t *UpdateJobTool) Description() string {
	return "Update the status or notes of a tracked job application"
}
func (t *UpdateJobTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"status": {"type": "string", "enum": ` + jobStatusEnum + `},
			"notes": {"type": "string"}
		},
		"required": ["id"]
	}`)
}

func (t *UpdateJobTool) Execute(_ context.Context, args json.RawMessage) (any, error) {
	var params struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	return t.store.Update(params.ID, params.Status, params.Notes)
}
