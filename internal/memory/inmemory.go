package memory

import (
	"context"
	"sync"
)

// InMemoryStore keeps the collection in process. Useful for tests and for
// running without a data directory.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewInMemoryStore(seed ...Entry) *InMemoryStore {
	s := &InMemoryStore{}
	s.entries = append(s.entries, seed...)
	return s
}

func (s *InMemoryStore) Load(_ context.Context) (*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return NewCollection(s.entries), nil
}

func (s *InMemoryStore) Save(_ context.Context, c *Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = c.All()
	c.MarkClean()
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
