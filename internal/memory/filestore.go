package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the long-term collection in a single JSON array file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("memory: file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("memory: init directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Path() string { return s.path }

// Load reads the collection. A missing file is an empty store; a file that
// cannot be read or decoded is reported as ErrStorageCorruption.
func (s *FileStore) Load(_ context.Context) (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewCollection(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorageCorruption, s.path, err)
	}
	if len(b) == 0 {
		return NewCollection(nil), nil
	}
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrStorageCorruption, s.path, err)
	}
	return NewCollection(entries), nil
}

func (s *FileStore) Save(_ context.Context, c *Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := c.All()
	if entries == nil {
		entries = []Entry{}
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: encode: %w", err)
	}
	if err := writeFileAtomic(s.path, b); err != nil {
		return err
	}
	c.MarkClean()
	return nil
}

func (s *FileStore) Close() error { return nil }

// writeFileAtomic writes to a sibling temp file and renames it over path so
// readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("memory: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("memory: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("memory: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("memory: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("memory: atomic rename %s: %w", path, err)
	}
	return nil
}
