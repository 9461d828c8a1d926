// Package filestore provides a store.Store that keeps one JSON file per
// conversation in a directory.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store persists each conversation to <dir>/<id>.json. Writes go to a
// temporary file that is renamed over the target.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates a Store rooted at dir. The directory is created on first save.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(id string) (string, error) {
	if err := store.ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Load implements store.Store.
func (s *Store) Load(_ context.Context, id string) ([]message.Message, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is built from a validated id
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read %s: %w", id, err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var msgs []message.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("filestore: decode %s: %w", id, err)
	}

	return msgs, nil
}

// Save implements store.Store.
func (s *Store) Save(_ context.Context, id string, msgs []message.Message) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}

	if msgs == nil {
		msgs = []message.Message{}
	}

	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("filestore: encode %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("filestore: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+id+"-*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName) //nolint:gosec // tmpName comes from os.CreateTemp in a known directory
		return fmt.Errorf("filestore: write temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName) //nolint:gosec // tmpName comes from os.CreateTemp in a known directory
		return fmt.Errorf("filestore: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil { //nolint:gosec // tmpName comes from os.CreateTemp in a known directory
		_ = os.Remove(tmpName) //nolint:gosec // tmpName comes from os.CreateTemp in a known directory
		return fmt.Errorf("filestore: rename temp file: %w", err)
	}

	return nil
}
