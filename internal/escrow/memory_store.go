package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode and tests.
type MemoryStore struct {
	accounts map[string]*Account
	byOrder  map[string]string
	mu       sync.RWMutex
}

// NewMemoryStore creates an in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byOrder:  make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byOrder[a.OrderID]; ok {
		return ErrEscrowExists
	}
	s.accounts[a.ID] = a.Clone()
	s.byOrder[a.OrderID] = a.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) GetByOrder(_ context.Context, orderID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return s.accounts[id].Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; !ok {
		return ErrEscrowNotFound
	}
	s.accounts[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Account
	for _, a := range s.accounts {
		if a.Status == StatusPendingRelease && a.HoldExpiresAt != nil && !a.HoldExpiresAt.After(now) {
			due = append(due, a.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].HoldExpiresAt.Before(*due[j].HoldExpiresAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
