// internal/state/schedule.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Schedule is a prompt fired on a cron expression into a session.
type Schedule struct {
	Name      string `json:"name"`
	Prompt    string `json:"prompt"`
	Cron      string `json:"cron"`
	Task      string `json:"task"`
	SessionID string `json:"session_id"`
	Enabled   bool   `json:"enabled"`
}

// ScheduleStore is a JSON-file-backed store for schedules.
type ScheduleStore struct {
	path string
	mu   sync.RWMutex
}

// NewScheduleStore creates a new file-backed ScheduleStore at the given file path.
func NewScheduleStore(path string) *ScheduleStore {
	return &ScheduleStore{path: path}
}

// Path returns the file path used by this store.
func (s *ScheduleStore) Path() string {
	return s.path
}

// List returns all schedules. Returns an empty slice if the file doesn't exist.
func (s *ScheduleStore) List() ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules, err := s.load()
	if err != nil {
		return nil, err
	}
	if schedules == nil {
		return []*Schedule{}, nil
	}
	return schedules, nil
}

// Get finds a schedule by name.
func (s *ScheduleStore) Get(name string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, sch := range schedules {
		if sch.Name == name {
			return sch, nil
		}
	}
	return nil, fmt.Errorf("schedule not found: %s", name)
}

// Add appends a schedule. Names are unique.
func (s *ScheduleStore) Add(sch *Schedule) error {
	if sch.Name == "" {
		return fmt.Errorf("schedule name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	schedules, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range schedules {
		if existing.Name == sch.Name {
			return fmt.Errorf("schedule already exists: %s", sch.Name)
		}
	}
	return s.save(append(schedules, sch))
}

// Remove deletes a schedule by name.
func (s *ScheduleStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules, err := s.load()
	if err != nil {
		return err
	}
	for i, sch := range schedules {
		if sch.Name == name {
			schedules = append(schedules[:i], schedules[i+1:]...)
			return s.save(schedules)
		}
	}
	return fmt.Errorf("schedule not found: %s", name)
}

// SetEnabled toggles the enabled flag for a schedule.
func (s *ScheduleStore) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules, err := s.load()
	if err != nil {
		return err
	}
	for _, sch := range schedules {
		if sch.Name == name {
			sch.Enabled = enabled
			return s.save(schedules)
		}
	}
	return fmt.Errorf("schedule not found: %s", name)
}

func (s *ScheduleStore) load() ([]*Schedule, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read schedules file: %w", err)
	}

	var schedules []*Schedule
	if err := json.Unmarshal(data, &schedules); err != nil {
		return nil, fmt.Errorf("unmarshal schedules: %w", err)
	}
	return schedules, nil
}

func (s *ScheduleStore) save(schedules []*Schedule) error {
	data, err := json.MarshalIndent(schedules, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedules: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create schedules dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp schedules file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp schedules file: %w", err)
	}
	return nil
}
