package conversation

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryStore is an in-process Store. It is the default when no database is
// configured and is used throughout the tests.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]Conversation
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]Conversation)}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, c Conversation) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("memory store: save: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[c.ID] = c.Clone()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, fmt.Errorf("memory store: get %q: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]Summary, error) {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.Summarize())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Summary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return fmt.Errorf("memory store: delete %q: %w", id, ErrNotFound)
	}
	delete(s.convs, id)
	return nil
}
