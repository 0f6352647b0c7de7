package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one JSON file per session under dir.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("session: init directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) Dir() string { return fs.dir }

func (fs *FileStore) pathForID(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(fs.dir, id+".json"), nil
}

func (fs *FileStore) Load(_ context.Context, id string) (*Session, error) {
	path, err := fs.pathForID(id)
	if err != nil {
		return nil, err
	}
	s, err := readSessionFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(id), nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (fs *FileStore) Latest(_ context.Context) (*Session, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("session: list %s: %w", fs.dir, err)
	}
	var latest *Session
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(fs.dir, e.Name())
		s, err := readSessionFile(path)
		if err != nil {
			slog.Debug("session: skipping unreadable session file", "path", path, "error", err)
			continue
		}
		if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (fs *FileStore) Persist(_ context.Context, s *Session) error {
	if s == nil {
		return fmt.Errorf("session: persist nil session")
	}
	path, err := fs.pathForID(s.ID)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", s.ID, err)
	}
	return writeFileAtomic(fs.dir, path, b)
}

// createTemp is swapped in tests to simulate a failing disk.
var createTemp = os.CreateTemp

// writeFileAtomic writes data to a temp file in dir and renames it over path.
// Any failure before the rename leaves the previous file untouched.
func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := createTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("session: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(stage string, err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("session: %s temp file: %w", stage, err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("session: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("session: atomic rename %s: %w", path, err)
	}
	return nil
}

func (fs *FileStore) Close() error { return nil }

func readSessionFile(path string) (*Session, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorageCorruption, path, err)
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrStorageCorruption, path, err)
	}
	if s.ID == "" {
		s.ID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if s.Turns == nil {
		s.Turns = []Turn{}
	}
	return &s, nil
}
