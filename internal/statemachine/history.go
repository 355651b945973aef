package statemachine

import (
	"context"
	"sync"

	"github.com/pitabwire/medicoord/model"
)

// HistoryStore archives transition history entries per subject. The
// in-machine history remains authoritative; the store is a durable audit
// trail.
type HistoryStore interface {
	Append(ctx context.Context, subjectID string, entry model.HistoryEntry) error
	List(ctx context.Context, subjectID string) ([]model.HistoryEntry, error)
}

// MemoryHistoryStore is an in-memory HistoryStore for tests and
// single-process deployments.
type MemoryHistoryStore struct {
	mu      sync.RWMutex
	entries map[string][]model.HistoryEntry
}

// NewMemoryHistoryStore creates an empty in-memory history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{
		entries: make(map[string][]model.HistoryEntry),
	}
}

// Append stores a history entry for the subject.
func (s *MemoryHistoryStore) Append(_ context.Context, subjectID string, entry model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[subjectID] = append(s.entries[subjectID], entry)
	return nil
}

// List returns all archived entries for the subject, oldest first.
func (s *MemoryHistoryStore) List(_ context.Context, subjectID string) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.HistoryEntry(nil), s.entries[subjectID]...), nil
}
