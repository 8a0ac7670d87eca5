package order

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mquinn/marketsettle/internal/audit"
	"github.com/mquinn/marketsettle/internal/authz"
	"github.com/mquinn/marketsettle/internal/events"
	"github.com/mquinn/marketsettle/internal/idgen"
	"github.com/mquinn/marketsettle/internal/traces"
)

// Store persists orders. UpdateVersioned must apply the write only if the
// stored version equals expectedVersion, returning ErrConcurrentModification
// otherwise.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	UpdateVersioned(ctx context.Context, o *Order, expectedVersion int64) error
}

// SettlementNotifier receives lifecycle notifications that require escrow
// action. Implemented by the escrow service; nil disables notifications
// (tests that only exercise the machine).
type SettlementNotifier interface {
	// OrderPaid is called after an order enters PAID; it opens the escrow hold.
	OrderPaid(ctx context.Context, o *Order, act authz.Actor) error
	// OrderDelivered is called after an order enters DELIVERED; it arms the
	// auto-release window.
	OrderDelivered(ctx context.Context, o *Order, act authz.Actor) error
	// OrderCancelled is called after a cancel; it refunds any held escrow.
	OrderCancelled(ctx context.Context, o *Order, act authz.Actor, reason string) error
}

// actionCapabilities maps machine actions to the capability checked at entry.
var actionCapabilities = map[Action]authz.Action{
	ActionConfirmPayment: authz.ActionConfirmPayment,
	ActionShip:           authz.ActionShip,
	ActionDeliver:        authz.ActionDeliver,
	ActionCancel:         authz.ActionCancel,
	ActionRaiseDispute:   authz.ActionRaiseDispute,
	ActionReturnRequest:  authz.ActionReturnRequest,
	ActionComplete:       authz.ActionRelease, // auto/admin completion follows release capability
}

// Machine applies validated transitions to orders.
type Machine struct {
	store      Store
	ledger     audit.Ledger
	bus        events.Bus
	settlement SettlementNotifier
	logger     *slog.Logger
}

// NewMachine creates an order state machine.
func NewMachine(store Store, ledger audit.Ledger, bus events.Bus, logger *slog.Logger) *Machine {
	if bus == nil {
		bus = events.NopBus{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: store, ledger: ledger, bus: bus, logger: logger}
}

// WithSettlement attaches the escrow notifier.
func (m *Machine) WithSettlement(s SettlementNotifier) *Machine {
	m.settlement = s
	return m
}

// PlaceRequest is the payload from the upstream checkout collaborator.
type PlaceRequest struct {
	BuyerID        string     `json:"buyerId" binding:"required"`
	SellerID       string     `json:"sellerId" binding:"required"`
	Items          []LineItem `json:"items" binding:"required"`
	PaymentPending bool       `json:"paymentPending"`
}

// Place creates a new order. TotalAmount is derived from the line items and
// immutable thereafter.
func (m *Machine) Place(ctx context.Context, req PlaceRequest, act authz.Actor) (*Order, error) {
	if err := authz.Check(act, authz.ActionPlaceOrder); err != nil {
		return nil, err
	}
	if len(req.Items) == 0 {
		return nil, ErrEmptyOrder
	}
	var total int64
	for _, it := range req.Items {
		if it.Qty <= 0 || it.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: bad quantity or price for %q", ErrEmptyOrder, it.ProductID)
		}
		total += int64(it.Qty) * it.UnitPrice
	}

	status := StatusCreated
	if req.PaymentPending {
		status = StatusPaymentPending
	}

	now := time.Now()
	o := &Order{
		ID:          idgen.WithPrefix("ord_"),
		BuyerID:     req.BuyerID,
		SellerID:    req.SellerID,
		Items:       req.Items,
		TotalAmount: total,
		Status:      status,
		StatusHistory: []StatusChange{
			{Status: status, At: now, Actor: act.ID},
		},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	if err := m.ledger.Record(ctx, &audit.Entry{
		ActorID:    act.ID,
		ActorRole:  string(act.Role),
		Action:     "order.place",
		EntityType: "order",
		EntityID:   o.ID,
		After:      audit.Snapshot(o),
		IPAddress:  act.IP,
	}); err != nil {
		// The order record is unusable without its audit trail; surface as fatal.
		return nil, fmt.Errorf("audit order placement: %w", err)
	}

	m.bus.Publish(ctx, events.New(events.OrderTransitioned, o.ID, map[string]any{
		"status": o.Status, "actor": act.ID,
	}))
	return o, nil
}

// TransitionOption modifies a transition request.
type TransitionOption func(*transitionOpts)

type transitionOpts struct {
	reason string
}

// WithReason attaches the caller-supplied reason (required for cancel).
func WithReason(reason string) TransitionOption {
	return func(o *transitionOpts) { o.reason = reason }
}

// Transition validates and applies a lifecycle action to an order. A stale
// read loses with ErrConcurrentModification and must be retried by the
// caller; the losing write never overwrites the winner.
func (m *Machine) Transition(ctx context.Context, orderID string, action Action, act authz.Actor, opts ...TransitionOption) (*Order, error) {
	capAction, ok := actionCapabilities[action]
	if !ok {
		return nil, ErrInvalidTransition
	}
	if err := authz.Check(act, capAction); err != nil {
		return nil, err
	}

	var topts transitionOpts
	for _, opt := range opts {
		opt(&topts)
	}
	if action == ActionCancel && topts.reason == "" {
		return nil, ErrReasonRequired
	}

	ctx, span := traces.StartSpan(ctx, "order.transition",
		traces.OrderID(orderID), traces.Actor(act.ID))
	defer span.End()

	before, err := m.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	to, ok := next(before.Status, action)
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before.Status, action)
	}

	now := time.Now()
	updated := before.Clone()
	updated.Status = to
	updated.UpdatedAt = now
	updated.StatusHistory = append(updated.StatusHistory, StatusChange{
		Status: to, At: now, Actor: act.ID,
	})

	if err := m.store.UpdateVersioned(ctx, updated, before.Version); err != nil {
		return nil, err
	}

	if err := m.ledger.Record(ctx, &audit.Entry{
		ActorID:    act.ID,
		ActorRole:  string(act.Role),
		Action:     "order." + string(action),
		EntityType: "order",
		EntityID:   updated.ID,
		Before:     audit.Snapshot(before),
		After:      audit.Snapshot(updated),
		Reason:     topts.reason,
		IPAddress:  act.IP,
	}); err != nil {
		// The transition is not committed without its audit entry: restore the
		// previous state before reporting failure.
		restored := before.Clone()
		restored.Version = updated.Version
		if restoreErr := m.store.UpdateVersioned(ctx, restored, updated.Version); restoreErr != nil {
			m.logger.Error("CRITICAL: order transition rollback failed after audit error",
				"orderId", updated.ID, "action", action, "error", restoreErr)
		}
		return nil, fmt.Errorf("audit order transition: %w", err)
	}

	m.bus.Publish(ctx, events.New(events.OrderTransitioned, updated.ID, map[string]any{
		"from": before.Status, "to": to, "action": action, "actor": act.ID,
	}))

	if err := m.notifySettlement(ctx, action, updated, act, topts.reason); err != nil {
		return nil, err
	}

	return updated, nil
}

// notifySettlement cascades the escrow side effect of a committed transition.
func (m *Machine) notifySettlement(ctx context.Context, action Action, o *Order, act authz.Actor, reason string) error {
	if m.settlement == nil {
		return nil
	}
	switch action {
	case ActionConfirmPayment:
		return m.settlement.OrderPaid(ctx, o, act)
	case ActionDeliver:
		return m.settlement.OrderDelivered(ctx, o, act)
	case ActionCancel:
		return m.settlement.OrderCancelled(ctx, o, act, reason)
	}
	return nil
}

// Get returns an order by ID.
func (m *Machine) Get(ctx context.Context, id string) (*Order, error) {
	return m.store.Get(ctx, id)
}

// Complete finalizes a DELIVERED order after its escrow was released.
func (m *Machine) Complete(ctx context.Context, orderID string, act authz.Actor) error {
	_, err := m.Transition(ctx, orderID, ActionComplete, act)
	return err
}

// MarkDisputed moves an order to DISPUTED on behalf of the dispute engine.
// The dispute engine owns the audit entry for the composite raise+freeze
// action, so no separate order entry is written here.
func (m *Machine) MarkDisputed(ctx context.Context, orderID string, act authz.Actor) (*Order, error) {
	return m.applyQuiet(ctx, orderID, ActionRaiseDispute, StatusDisputed, act, true)
}

// ApplyResolution moves a DISPUTED order to its resolution outcome
// (COMPLETED, REFUNDED, or CANCELLED). Audited by the dispute engine's
// resolve entry, not here.
func (m *Machine) ApplyResolution(ctx context.Context, orderID string, outcome Status, act authz.Actor) (*Order, error) {
	switch outcome {
	case StatusCompleted, StatusRefunded, StatusCancelled:
	default:
		return nil, fmt.Errorf("%w: DISPUTED -> %s", ErrInvalidTransition, outcome)
	}
	return m.applyQuiet(ctx, orderID, "resolve", outcome, act, false)
}

// MarkRefunded moves an order to REFUNDED after an out-of-dispute refund
// (admin governance refund). Audited by the escrow refund entry.
func (m *Machine) MarkRefunded(ctx context.Context, orderID string, act authz.Actor) (*Order, error) {
	return m.applyQuiet(ctx, orderID, "refund", StatusRefunded, act, false)
}

// applyQuiet applies a status change with optimistic retry but without a
// dedicated audit entry; used only for composite governance actions whose
// entry is written by the owning engine. When checkTable is true the change
// must exist in the transition table; otherwise the source must be DISPUTED
// or a refundable state.
func (m *Machine) applyQuiet(ctx context.Context, orderID string, action Action, to Status, act authz.Actor, checkTable bool) (*Order, error) {
	before, err := m.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if checkTable {
		got, ok := next(before.Status, action)
		if !ok || got != to {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before.Status, action)
		}
	} else if before.Status.Terminal() {
		return nil, fmt.Errorf("%w: order already %s", ErrInvalidTransition, before.Status)
	}

	now := time.Now()
	updated := before.Clone()
	updated.Status = to
	updated.UpdatedAt = now
	updated.StatusHistory = append(updated.StatusHistory, StatusChange{
		Status: to, At: now, Actor: act.ID,
	})

	if err := m.store.UpdateVersioned(ctx, updated, before.Version); err != nil {
		return nil, err
	}

	m.bus.Publish(ctx, events.New(events.OrderTransitioned, updated.ID, map[string]any{
		"from": before.Status, "to": to, "action": action, "actor": act.ID,
	}))
	return updated, nil
}
