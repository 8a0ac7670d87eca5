package audit

import (
	"context"
	"sync"
	"time"

	"github.com/mquinn/marketsettle/internal/idgen"
	"github.com/mquinn/marketsettle/internal/pagination"
)

// MemoryLedger is an in-memory ledger for demo/development mode and tests.
type MemoryLedger struct {
	entries []*Entry
	mu      sync.RWMutex
}

// NewMemoryLedger creates an in-memory audit ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Record(_ context.Context, entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := *entry
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("aud_")
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	entry.ID = cp.ID
	entry.Timestamp = cp.Timestamp
	l.entries = append(l.entries, &cp)
	return nil
}

func (l *MemoryLedger) Query(_ context.Context, filter Filter, cursor string, limit int) ([]*Entry, string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}

	// Newest first; the slice is append-ordered so walk it backwards.
	var matched []*Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if !matches(e, filter) {
			continue
		}
		if cur != nil {
			// Skip entries at or after the cursor position.
			if e.Timestamp.After(cur.CreatedAt) || (e.Timestamp.Equal(cur.CreatedAt) && e.ID >= cur.ID) {
				continue
			}
		}
		cp := *e
		matched = append(matched, &cp)
		if len(matched) > limit {
			break
		}
	}

	page, next, _ := pagination.ComputePage(matched, limit, func(e *Entry) (time.Time, string) {
		return e.Timestamp, e.ID
	})
	return page, next, nil
}

// Entries returns all stored entries in write order (for testing).
func (l *MemoryLedger) Entries() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Entry, len(l.entries))
	copy(result, l.entries)
	return result
}

func matches(e *Entry, f Filter) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	return true
}
