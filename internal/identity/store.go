// Package identity remembers the user's display name across sessions. A
// Store maps one fixed key to the last-used name, with no expiry.
package identity

import (
	"context"
	"sync"
)

// Key is the fixed key under which the display name is stored.
const Key = "username"

// Store resolves and persists the display name. Resolve returns "" with a
// nil error when no name is remembered; a non-nil error means the backing
// storage is unavailable, which callers treat as unresolved.
type Store interface {
	Resolve(ctx context.Context) (string, error)
	Persist(ctx context.Context, name string) error
	Clear(ctx context.Context) error
}

// MemoryStore is a process-local Store. It does not survive restarts and is
// meant for tests and for running without durable storage.
type MemoryStore struct {
	mu   sync.Mutex
	name string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Resolve returns the stored name, or "" if none.
func (m *MemoryStore) Resolve(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name, nil
}

// Persist stores name.
func (m *MemoryStore) Persist(_ context.Context, name string) error {
	m.mu.Lock()
	m.name = name
	m.mu.Unlock()
	return nil
}

// Clear forgets the stored name.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	m.name = ""
	m.mu.Unlock()
	return nil
}
