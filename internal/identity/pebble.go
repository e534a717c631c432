package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
)

// PebbleStore keeps the display name in a local Pebble database so it
// survives process restarts.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) the database under dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	if dir == "" {
		return nil, errors.New("identity: pebble data dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("identity: create data dir: %w", err)
	}
	db, err := pebble.Open(filepath.Join(filepath.Clean(dir), "identity"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("identity: open pebble db: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Resolve returns the stored name, or "" if none.
func (s *PebbleStore) Resolve(_ context.Context) (string, error) {
	data, closer, err := s.db.Get([]byte(Key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("identity: pebble get: %w", err)
	}
	defer closer.Close()
	return string(data), nil
}

// Persist stores name with a synced write.
func (s *PebbleStore) Persist(_ context.Context, name string) error {
	if err := s.db.Set([]byte(Key), []byte(name), pebble.Sync); err != nil {
		return fmt.Errorf("identity: pebble set: %w", err)
	}
	return nil
}

// Clear deletes the stored name. Deleting an absent key is not an error.
func (s *PebbleStore) Clear(_ context.Context) error {
	if err := s.db.Delete([]byte(Key), pebble.Sync); err != nil {
		return fmt.Errorf("identity: pebble delete: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
