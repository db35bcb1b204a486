package lock

import (
	"context"
	"sync"

	"listflow/internal/domain"
)

// MemoryStore keeps locks in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	locks map[string]domain.Lock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]domain.Lock)}
}

func (s *MemoryStore) GetLock(_ context.Context, key string) (*domain.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[key]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *MemoryStore) InsertLock(_ context.Context, l domain.Lock) (domain.Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[l.ItemKey]; ok {
		return existing, false, nil
	}
	s.locks[l.ItemKey] = l
	return l, true, nil
}

// Len returns the number of held locks.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.locks)
}
