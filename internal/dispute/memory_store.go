package dispute

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode and tests.
type MemoryStore struct {
	disputes map[string]*Dispute
	mu       sync.RWMutex
}

// NewMemoryStore creates an in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (s *MemoryStore) Create(_ context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disputes[d.ID] = d.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) GetOpenByOrder(_ context.Context, orderID string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.disputes {
		if d.OrderID == orderID && d.Status.Open() {
			return d.Clone(), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (s *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Dispute
	for _, d := range s.disputes {
		if d.OrderID == orderID {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	s.disputes[d.ID] = d.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.disputes[id]; !ok {
		return ErrDisputeNotFound
	}
	delete(s.disputes, id)
	return nil
}
