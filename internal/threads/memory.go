package threads

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[int64]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[int64]Record)}
}

func (s *MemoryStore) Get(_ context.Context, chatID int64) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[chatID]
	return rec, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, chatID int64, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[chatID] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, chatID)
	return nil
}

func (s *MemoryStore) All(_ context.Context) (map[int64]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]Record, len(s.recs))
	for k, v := range s.recs {
		out[k] = v
	}
	return out, nil
}
