package storage

import (
	"context"
	"sync"

	"sendqueue/internal/models"
)

// MemoryStore keeps queue snapshots in process memory. It backs tests and
// the "memory" storage driver, where nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries []models.QueuedMessage
	saves   int
	failErr error
}

func NewMemoryStore(initial ...models.QueuedMessage) *MemoryStore {
	return &MemoryStore{entries: cloneEntries(initial)}
}

func (s *MemoryStore) Load(ctx context.Context) ([]models.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	return cloneEntries(s.entries), nil
}

func (s *MemoryStore) Save(ctx context.Context, entries []models.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.entries = cloneEntries(entries)
	s.saves++
	return nil
}

// Snapshot returns the last saved queue, nil when the key is absent.
func (s *MemoryStore) Snapshot() []models.QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneEntries(s.entries)
}

// Saves reports how many successful writes have happened.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// FailWith makes every subsequent Load and Save return err. Pass nil to heal.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemoryStore) Close() error { return nil }

func cloneEntries(entries []models.QueuedMessage) []models.QueuedMessage {
	if len(entries) == 0 {
		return nil
	}
	out := make([]models.QueuedMessage, len(entries))
	copy(out, entries)
	return out
}
