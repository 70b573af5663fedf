// Package state provides the session memory store, the in-process event
// recorder and the schedule store.
package state

import "github.com/user/taskpilot/internal/types"

// Compile-time interface compliance checks.
var _ types.MemoryStore = (*MemoryStore)(nil)
var _ types.EventSink = (*Recorder)(nil)
