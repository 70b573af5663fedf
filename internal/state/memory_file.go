// internal/state/memory_file.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/user/taskpilot/internal/types"
)

// NewFileMemoryStore returns a MemoryStore keeping one JSON file per session
// under <root>/memory/.
func NewFileMemoryStore(root string) *MemoryStore {
	return newMemoryStore(&fileBackend{dir: filepath.Join(root, "memory")})
}

type fileBackend struct {
	dir string
}

func (b *fileBackend) path(id types.SessionID) string {
	return filepath.Join(b.dir, string(id)+".json")
}

func (b *fileBackend) get(_ context.Context, id types.SessionID) (*types.SessionMemory, bool, error) {
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read memory file: %w", err)
	}

	var m types.SessionMemory
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("unmarshal memory: %w", err)
	}
	return &m, true, nil
}

// put writes the record atomically (temp file + rename).
func (b *fileBackend) put(_ context.Context, m *types.SessionMemory) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	tmp, err := os.CreateTemp(b.dir, ".memory-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp memory file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp memory file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp memory file: %w", err)
	}
	if err := os.Rename(tmpName, b.path(m.SessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp memory file: %w", err)
	}
	return nil
}

func (b *fileBackend) remove(_ context.Context, id types.SessionID) error {
	if err := os.Remove(b.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove memory file: %w", err)
	}
	return nil
}

func (b *fileBackend) list(_ context.Context) ([]types.SessionID, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []types.SessionID{}, nil
		}
		return nil, fmt.Errorf("read memory dir: %w", err)
	}

	ids := make([]types.SessionID, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, types.SessionID(strings.TrimSuffix(name, ".json")))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (b *fileBackend) close() error { return nil }
