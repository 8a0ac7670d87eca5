package audit

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func recordN(t *testing.T, l *MemoryLedger, n int, entityID string) {
	t.Helper()
	base := time.Now().Add(-time.Duration(n) * time.Second)
	for i := 0; i < n; i++ {
		err := l.Record(context.Background(), &Entry{
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			ActorID:    fmt.Sprintf("actor_%d", i%2),
			ActorRole:  "buyer",
			Action:     "order.place",
			EntityType: "order",
			EntityID:   entityID,
			Before:     "{}",
			After:      `{"status":"CREATED"}`,
		})
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
}

func TestRecordAssignsIDAndTimestamp(t *testing.T) {
	l := NewMemoryLedger()
	e := &Entry{Action: "escrow.hold", EntityType: "escrow", EntityID: "esc_1", ActorID: "system"}
	if err := l.Record(context.Background(), e); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if e.ID == "" {
		t.Error("expected generated ID")
	}
	if e.Timestamp.IsZero() {
		t.Error("expected assigned timestamp")
	}
}

func TestQueryNewestFirst(t *testing.T) {
	l := NewMemoryLedger()
	recordN(t, l, 5, "ord_a")

	entries, next, err := l.Query(context.Background(), Filter{}, "", 50)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if next != "" {
		t.Errorf("expected no next cursor, got %q", next)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.After(entries[i-1].Timestamp) {
			t.Error("entries not in reverse-chronological order")
		}
	}
}

func TestQueryFilters(t *testing.T) {
	l := NewMemoryLedger()
	recordN(t, l, 4, "ord_a")
	recordN(t, l, 2, "ord_b")

	entries, _, err := l.Query(context.Background(), Filter{EntityID: "ord_b"}, "", 50)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries for ord_b, got %d", len(entries))
	}

	entries, _, _ = l.Query(context.Background(), Filter{ActorID: "actor_0"}, "", 50)
	for _, e := range entries {
		if e.ActorID != "actor_0" {
			t.Errorf("filter leaked entry from %s", e.ActorID)
		}
	}

	entries, _, _ = l.Query(context.Background(), Filter{EntityType: "escrow"}, "", 50)
	if len(entries) != 0 {
		t.Errorf("expected no escrow entries, got %d", len(entries))
	}
}

func TestQueryPaginates(t *testing.T) {
	l := NewMemoryLedger()
	recordN(t, l, 7, "ord_a")

	seen := make(map[string]bool)
	cursor := ""
	pages := 0
	for {
		entries, next, err := l.Query(context.Background(), Filter{}, cursor, 3)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		for _, e := range entries {
			if seen[e.ID] {
				t.Fatalf("entry %s returned twice", e.ID)
			}
			seen[e.ID] = true
		}
		pages++
		if next == "" {
			break
		}
		cursor = next
	}
	if len(seen) != 7 {
		t.Errorf("expected 7 distinct entries across pages, got %d", len(seen))
	}
	if pages != 3 {
		t.Errorf("expected 3 pages, got %d", pages)
	}
}

func TestQueryRejectsBadCursor(t *testing.T) {
	l := NewMemoryLedger()
	recordN(t, l, 1, "ord_a")

	if _, _, err := l.Query(context.Background(), Filter{}, "not-a-cursor", 10); err == nil {
		t.Error("expected error for malformed cursor")
	}
}

func TestSnapshotRendersJSON(t *testing.T) {
	type state struct {
		Status string `json:"status"`
	}
	if got := Snapshot(state{Status: "PAID"}); got != `{"status":"PAID"}` {
		t.Errorf("unexpected snapshot: %s", got)
	}
	if got := Snapshot(nil); got != "{}" {
		t.Errorf("expected empty object for nil, got %s", got)
	}
}
