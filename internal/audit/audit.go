// Package audit provides the append-only ledger of state-changing actions.
//
// Every accepted mutation in the order, escrow, and dispute services records
// exactly one entry with before/after snapshots of the entity it changed.
// Entries are written synchronously inside the mutating operation's logical
// unit: a failed Record aborts the operation. The ledger has no update or
// delete path.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnavailable is returned when the ledger cannot persist an entry.
// Callers must treat it as fatal for the enclosing operation and roll back.
var ErrUnavailable = errors.New("audit ledger unavailable")

// Entry is a single immutable audit record.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	ActorID    string    `json:"actorId"`
	ActorRole  string    `json:"actorRole"`
	Action     string    `json:"action"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Before     string    `json:"before,omitempty"` // JSON snapshot prior to the mutation
	After      string    `json:"after,omitempty"`  // JSON snapshot after the mutation
	Reason     string    `json:"reason,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	IPAddress  string    `json:"ipAddress,omitempty"`
}

// Filter narrows a Query. Zero-value fields match everything.
type Filter struct {
	EntityType string
	EntityID   string
	ActorID    string
}

// Ledger persists and queries audit entries. Query returns entries in
// reverse-chronological order with an opaque cursor for the next page;
// an empty cursor means no further pages.
type Ledger interface {
	Record(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, filter Filter, cursor string, limit int) ([]*Entry, string, error)
}

// Snapshot renders v as a compact JSON string for before/after fields.
func Snapshot(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
