package order

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory order store for demo/development mode and tests.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates an in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

// UpdateVersioned writes o only if the stored version still equals
// expectedVersion, bumping the version on success.
func (s *MemoryStore) UpdateVersioned(_ context.Context, o *Order, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConcurrentModification
	}

	cp := o.Clone()
	cp.Version = expectedVersion + 1
	s.orders[o.ID] = cp
	o.Version = cp.Version
	return nil
}
