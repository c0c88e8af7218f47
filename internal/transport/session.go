package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SessionStore persists the backend-assigned session identifier across
// restarts so a reconnecting client resumes its conversation.
type SessionStore interface {
	// Load returns the stored session ID, or "" when none is stored.
	Load() (string, error)

	// Save stores the session ID.
	Save(id string) error

	// Clear removes the stored session ID.
	Clear() error
}

// FileSessionStore keeps the session ID in a single file.
type FileSessionStore struct {
	mu   sync.Mutex
	path string
}

// NewFileSessionStore returns a store writing to path. Parent directories are
// created on first Save.
func NewFileSessionStore(path string) *FileSessionStore {
	return &FileSessionStore{path: path}
}

func (s *FileSessionStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("transport: reading session file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileSessionStore) Save(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("transport: creating session dir: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(id+"\n"), 0o600); err != nil {
		return fmt.Errorf("transport: writing session file: %w", err)
	}
	return nil
}

func (s *FileSessionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("transport: removing session file: %w", err)
	}
	return nil
}

var _ SessionStore = (*FileSessionStore)(nil)
