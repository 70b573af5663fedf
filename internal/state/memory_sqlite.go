// internal/state/memory_sqlite.go
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/taskpilot/internal/types"
)

// NewSQLiteMemoryStore returns a MemoryStore keeping each session as one
// JSON row in the SQLite database at path. The schema is created on open.
func NewSQLiteMemoryStore(path string) (*MemoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY and keeps
	// ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	b := &sqliteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return newMemoryStore(b), nil
}

type sqliteBackend struct {
	db *sql.DB
}

func (b *sqliteBackend) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_memory (
		session_id TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := b.db.Exec(schema)
	return err
}

func (b *sqliteBackend) get(ctx context.Context, id types.SessionID) (*types.SessionMemory, bool, error) {
	var data string
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM session_memory WHERE session_id = ?`, string(id),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query memory: %w", err)
	}

	var m types.SessionMemory
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, false, fmt.Errorf("unmarshal memory: %w", err)
	}
	return &m, true, nil
}

// put replaces the row with a single upsert statement.
func (b *sqliteBackend) put(ctx context.Context, m *types.SessionMemory) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO session_memory (session_id, data, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(m.SessionID), string(data), m.LastUpdated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

func (b *sqliteBackend) remove(ctx context.Context, id types.SessionID) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM session_memory WHERE session_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

func (b *sqliteBackend) list(ctx context.Context) ([]types.SessionID, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT session_id FROM session_memory ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	ids := []types.SessionID{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ids = append(ids, types.SessionID(id))
	}
	return ids, rows.Err()
}

func (b *sqliteBackend) close() error {
	return b.db.Close()
}
