// Package events defines the domain events emitted by the order, escrow, and
// dispute services, and the caller-owned bus that dispatches them.
//
// Services never share a process-wide emitter: each one is handed a Bus at
// construction time and publishes explicit events after a mutation commits.
// Subscribers (the realtime hub, metrics, tests) attach to the bus the caller
// built.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mquinn/marketsettle/internal/idgen"
)

// Type identifies a domain event.
type Type string

const (
	OrderTransitioned Type = "order.transitioned"
	EscrowHeld        Type = "escrow.held"
	EscrowArmed       Type = "escrow.armed"
	EscrowReleased    Type = "escrow.released"
	EscrowRefunded    Type = "escrow.refunded"
	EscrowFrozen      Type = "escrow.frozen"
	EscrowUnfrozen    Type = "escrow.unfrozen"
	DisputeRaised     Type = "dispute.raised"
	DisputeEvaluated  Type = "dispute.evaluated"
	DisputeResolved   Type = "dispute.resolved"
)

// Event is a single domain event. Data carries a small, JSON-friendly payload
// (statuses, amounts, actor), never full entities.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	OrderID    string         `json:"orderId"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data,omitempty"`
}

// New constructs an event with a fresh ID and timestamp.
func New(t Type, orderID string, data map[string]any) *Event {
	return &Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       t,
		OrderID:    orderID,
		OccurredAt: time.Now(),
		Data:       data,
	}
}

// Bus dispatches events to subscribers. Publish must never fail the
// publishing operation: delivery is best-effort and side-effect free for the
// domain state.
type Bus interface {
	Publish(ctx context.Context, e *Event)
}

// NopBus discards all events.
type NopBus struct{}

func (NopBus) Publish(context.Context, *Event) {}

// MemoryBus fans events out synchronously to registered subscribers.
// A panicking subscriber is isolated and logged; it never unwinds into the
// publishing service.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []func(*Event)
	logger *slog.Logger
}

// NewMemoryBus creates a bus. logger may be nil.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{logger: logger}
}

// Subscribe registers a handler for all subsequent events.
func (b *MemoryBus) Subscribe(fn func(*Event)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

func (b *MemoryBus) Publish(_ context.Context, e *Event) {
	b.mu.RLock()
	subs := make([]func(*Event), len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, fn := range subs {
		b.deliver(fn, e)
	}
}

func (b *MemoryBus) deliver(fn func(*Event), e *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "event", e.Type, "panic", r)
		}
	}()
	fn(e)
}
