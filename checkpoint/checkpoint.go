// Package checkpoint persists the last processed message id per room name so
// a restarted session resumes history instead of replaying or skipping it.
//
// Three backends share the Store interface: a YAML key-value text file
// (default), a Postgres table, and a Redis hash. Every backend failure is
// returned as *Error so callers can log it and fall back to an unset
// checkpoint without treating it as fatal.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// Store reads and writes checkpoints keyed by room name.
type Store interface {
	// Load returns the stored message id, or "" when none is recorded.
	Load(ctx context.Context, room string) (string, error)
	// Save records id as the room's checkpoint. An empty id is ignored.
	Save(ctx context.Context, room, id string) error
}

// Error is a checkpoint persistence failure.
type Error struct {
	Op   string // load | save
	Room string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("checkpoint: %s %q: %v", e.Op, e.Room, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Memory is an in-process Store, used in tests and when nothing should
// outlive the process.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
	saves  int
}

// NewMemory returns a Memory store, optionally seeded.
func NewMemory(seed map[string]string) *Memory {
	m := &Memory{values: make(map[string]string, len(seed))}
	for k, v := range seed {
		m.values[k] = v
	}
	return m
}

func (m *Memory) Load(_ context.Context, room string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[room], nil
}

func (m *Memory) Save(_ context.Context, room, id string) error {
	if id == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[room] = id
	m.saves++
	return nil
}

// Saves reports how many non-empty Save calls were accepted.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
