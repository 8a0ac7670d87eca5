package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mquinn/marketsettle/internal/audit"
	"github.com/mquinn/marketsettle/internal/authz"
	"github.com/mquinn/marketsettle/internal/events"
	"github.com/mquinn/marketsettle/internal/idgen"
	"github.com/mquinn/marketsettle/internal/order"
	"github.com/mquinn/marketsettle/internal/syncutil"
	"github.com/mquinn/marketsettle/internal/traces"
)

// Store persists escrow accounts. Mutations are serialized per order by the
// service's lock, so stores do not need their own compare-and-swap.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	GetByOrder(ctx context.Context, orderID string) (*Account, error)
	Update(ctx context.Context, a *Account) error
	// ListDue returns armed accounts whose hold window has expired.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Account, error)
}

// DefaultHoldWindow is how long after delivery funds stay held before the
// sweeper auto-releases them.
const DefaultHoldWindow = 7 * 24 * time.Hour

// DefaultLockTimeout bounds how long an operation waits for an order's lock.
const DefaultLockTimeout = 5 * time.Second

// Service is the escrow settlement engine.
type Service struct {
	store       Store
	ledger      audit.Ledger
	bus         events.Bus
	locks       *syncutil.ContextShardedMutex
	disputes    DisputeChecker
	holdWindow  time.Duration
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewService creates the settlement engine.
func NewService(store Store, ledger audit.Ledger, bus events.Bus, logger *slog.Logger) *Service {
	if bus == nil {
		bus = events.NopBus{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		ledger:      ledger,
		bus:         bus,
		locks:       syncutil.NewContextShardedMutex(),
		holdWindow:  DefaultHoldWindow,
		lockTimeout: DefaultLockTimeout,
		logger:      logger,
	}
}

// WithHoldWindow overrides the auto-release window.
func (s *Service) WithHoldWindow(d time.Duration) *Service {
	s.holdWindow = d
	return s
}

// WithLockTimeout overrides the per-order lock wait bound.
func (s *Service) WithLockTimeout(d time.Duration) *Service {
	s.lockTimeout = d
	return s
}

// WithDisputeChecker wires the dispute engine so a release observes a freshly
// raised dispute even before its freeze lands. The check runs under the same
// per-order lock as the release, so the dispute always wins the race.
func (s *Service) WithDisputeChecker(dc DisputeChecker) *Service {
	s.disputes = dc
	return s
}

// lock acquires the per-order mutex with the configured timeout.
func (s *Service) lock(ctx context.Context, orderID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	unlock, err := s.locks.LockContext(lockCtx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: order %s", ErrLockTimeout, orderID)
	}
	return unlock, nil
}

// OpOption modifies an escrow operation.
type OpOption func(*opOpts)

type opOpts struct {
	reason      string
	auditAction string
}

// WithReason attaches a human-readable reason to the audit entry.
func WithReason(reason string) OpOption {
	return func(o *opOpts) { o.reason = reason }
}

// WithAuditAction overrides the audit action label. Used by engines that fold
// an escrow operation into a larger governance action so the trail carries a
// single entry for the composite.
func WithAuditAction(action string) OpOption {
	return func(o *opOpts) { o.auditAction = action }
}

func collect(defaultAction string, opts []OpOption) opOpts {
	o := opOpts{auditAction: defaultAction}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// record writes the audit entry for a committed mutation and rolls the
// account back if the ledger is unavailable.
func (s *Service) record(ctx context.Context, before, after *Account, act authz.Actor, op opOpts) error {
	err := s.ledger.Record(ctx, &audit.Entry{
		ActorID:    act.ID,
		ActorRole:  string(act.Role),
		Action:     op.auditAction,
		EntityType: "escrow",
		EntityID:   after.ID,
		Before:     audit.Snapshot(before),
		After:      audit.Snapshot(after),
		Reason:     op.reason,
		IPAddress:  act.IP,
	})
	if err == nil {
		return nil
	}
	if rbErr := s.store.Update(ctx, before); rbErr != nil {
		s.logger.Error("CRITICAL: escrow rollback failed after audit error",
			"escrowId", after.ID, "orderId", after.OrderID, "action", op.auditAction, "error", rbErr)
	}
	return fmt.Errorf("audit escrow operation: %w", err)
}

// Hold captures an order's total into a new escrow account. A replay with the
// same amount returns the existing account unchanged; a different amount is a
// conflict, never a silent merge.
func (s *Service) Hold(ctx context.Context, o *order.Order, act authz.Actor, opts ...OpOption) (*Account, error) {
	unlock, err := s.lock(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := s.store.GetByOrder(ctx, o.ID); err == nil {
		if existing.Amount == o.TotalAmount {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: order %s already holds %d", ErrEscrowExists, o.ID, existing.Amount)
	}

	now := time.Now()
	a := &Account{
		ID:        idgen.WithPrefix("esc_"),
		OrderID:   o.ID,
		Amount:    o.TotalAmount,
		Status:    StatusHeld,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create escrow account: %w", err)
	}

	op := collect("escrow.hold", opts)
	if err := s.ledger.Record(ctx, &audit.Entry{
		ActorID:    act.ID,
		ActorRole:  string(act.Role),
		Action:     op.auditAction,
		EntityType: "escrow",
		EntityID:   a.ID,
		After:      audit.Snapshot(a),
		Reason:     op.reason,
		IPAddress:  act.IP,
	}); err != nil {
		return nil, fmt.Errorf("audit escrow hold: %w", err)
	}

	s.bus.Publish(ctx, events.New(events.EscrowHeld, o.ID, map[string]any{
		"escrowId": a.ID, "amount": a.Amount,
	}))
	return a, nil
}

// Arm schedules the auto-release window from the delivery time. A frozen
// account stays frozen; the dispute engine re-arms after an unfreeze.
func (s *Service) Arm(ctx context.Context, orderID string, deliveredAt time.Time, act authz.Actor) (*Account, error) {
	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusPendingRelease {
		return a, nil
	}
	if a.Status != StatusHeld {
		return nil, fmt.Errorf("%w: cannot arm from %s", ErrInvalidEscrowState, a.Status)
	}

	before := a.Clone()
	expires := deliveredAt.Add(s.holdWindow)
	a.Status = StatusPendingRelease
	a.HoldExpiresAt = &expires
	a.UpdatedAt = time.Now()
	a.Version++

	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	if err := s.record(ctx, before, a, act, collect("escrow.arm", nil)); err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.New(events.EscrowArmed, orderID, map[string]any{
		"escrowId": a.ID, "holdExpiresAt": expires,
	}))
	return a, nil
}

// Release disburses the remaining balance to the seller. Valid while funds
// are held or armed, and for the remainder after a partial refund; fails
// while the account is frozen or the order has an unresolved dispute. Replays
// against a settled account return it unchanged with no new audit entry.
func (s *Service) Release(ctx context.Context, orderID string, act authz.Actor, opts ...OpOption) (*Account, error) {
	if err := authz.Check(act, authz.ActionRelease); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "escrow.release",
		traces.OrderID(orderID), traces.Actor(act.ID))
	defer span.End()

	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.releaseLocked(ctx, a, act, collect("escrow.release", opts))
}

// releaseLocked performs the release under an already-held order lock.
func (s *Service) releaseLocked(ctx context.Context, a *Account, act authz.Actor, op opOpts) (*Account, error) {
	if a.Status == StatusReleased {
		return a, nil
	}
	if a.Status == StatusFrozen {
		return nil, ErrFrozen
	}
	switch a.Status {
	case StatusHeld, StatusPendingRelease, StatusPartiallyRefunded:
	default:
		return nil, fmt.Errorf("%w: cannot release from %s", ErrInvalidEscrowState, a.Status)
	}
	// A fully disbursed split sits in PARTIALLY_REFUNDED; a replayed release
	// must not move money or touch the audit trail again.
	if a.Remaining() == 0 {
		return a, nil
	}
	if s.disputes != nil {
		open, err := s.disputes.HasOpenDispute(ctx, a.OrderID)
		if err != nil {
			return nil, fmt.Errorf("check open dispute: %w", err)
		}
		if open {
			return nil, fmt.Errorf("%w: order %s", ErrDisputePending, a.OrderID)
		}
	}

	before := a.Clone()
	amount := a.Remaining()
	a.Released += amount
	if a.Refunded > 0 {
		a.Status = StatusPartiallyRefunded
	} else {
		a.Status = StatusReleased
	}
	a.HoldExpiresAt = nil
	a.UpdatedAt = time.Now()
	a.Version++

	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	if err := s.record(ctx, before, a, act, op); err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.New(events.EscrowReleased, a.OrderID, map[string]any{
		"escrowId": a.ID, "amount": amount, "actor": act.ID,
	}))
	return a, nil
}

// Refund returns amount to the buyer, or the full remaining balance when
// amount is zero. Valid from HELD, PENDING_RELEASE, FROZEN, or after an
// earlier partial refund. A partial refund leaves the account in
// PARTIALLY_REFUNDED with the remainder still held.
func (s *Service) Refund(ctx context.Context, orderID string, amount int64, act authz.Actor, opts ...OpOption) (*Account, error) {
	if err := authz.Check(act, authz.ActionRefund); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "escrow.refund",
		traces.OrderID(orderID), traces.Actor(act.ID), traces.Amount(amount))
	defer span.End()

	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.refundLocked(ctx, a, amount, act, collect("escrow.refund", opts))
}

// refundLocked performs the refund under an already-held order lock. FROZEN
// accounts are refundable: money moving back to the buyer is never blocked by
// a pending dispute, and a partial refund leaves the account frozen.
func (s *Service) refundLocked(ctx context.Context, a *Account, amount int64, act authz.Actor, op opOpts) (*Account, error) {
	if a.Status == StatusRefunded {
		return a, nil
	}
	switch a.Status {
	case StatusHeld, StatusPendingRelease, StatusPartiallyRefunded, StatusFrozen:
	default:
		return nil, fmt.Errorf("%w: cannot refund from %s", ErrInvalidEscrowState, a.Status)
	}

	remaining := a.Remaining()
	if amount == 0 {
		amount = remaining
	}
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if amount > remaining {
		return nil, fmt.Errorf("%w: %d > %d", ErrInsufficientFunds, amount, remaining)
	}

	before := a.Clone()
	a.Refunded += amount
	if a.Remaining() == 0 && a.Released == 0 {
		a.Status = StatusRefunded
		a.HoldExpiresAt = nil
	} else if a.Remaining() == 0 {
		a.Status = StatusPartiallyRefunded
		a.HoldExpiresAt = nil
	} else if a.Status != StatusFrozen {
		a.Status = StatusPartiallyRefunded
		a.HoldExpiresAt = nil
	}
	a.UpdatedAt = time.Now()
	a.Version++

	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	if err := s.record(ctx, before, a, act, op); err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.New(events.EscrowRefunded, a.OrderID, map[string]any{
		"escrowId": a.ID, "amount": amount, "actor": act.ID,
	}))
	return a, nil
}

// Freeze blocks disbursement and disarms any scheduled auto-release. Called
// by the dispute engine when a dispute is raised, or directly by governance.
// Idempotent on an already-frozen account.
func (s *Service) Freeze(ctx context.Context, orderID string, act authz.Actor, opts ...OpOption) (*Account, error) {
	if err := authz.Check(act, authz.ActionFreeze); err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusFrozen {
		return a, nil
	}
	switch a.Status {
	case StatusHeld, StatusPendingRelease, StatusPartiallyRefunded:
	default:
		return nil, fmt.Errorf("%w: cannot freeze from %s", ErrInvalidEscrowState, a.Status)
	}

	before := a.Clone()
	a.Status = StatusFrozen
	a.HoldExpiresAt = nil
	a.UpdatedAt = time.Now()
	a.Version++

	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	if err := s.record(ctx, before, a, act, collect("escrow.freeze", opts)); err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.New(events.EscrowFrozen, orderID, map[string]any{
		"escrowId": a.ID, "actor": act.ID,
	}))
	return a, nil
}

// Unfreeze returns a frozen account to HELD. If rearmFrom is non-zero the
// auto-release window is re-armed from that delivery time.
func (s *Service) Unfreeze(ctx context.Context, orderID string, rearmFrom time.Time, act authz.Actor, opts ...OpOption) (*Account, error) {
	if err := authz.Check(act, authz.ActionUnfreeze); err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusFrozen {
		return nil, fmt.Errorf("%w: cannot unfreeze from %s", ErrInvalidEscrowState, a.Status)
	}

	before := a.Clone()
	if a.Released > 0 || a.Refunded > 0 {
		a.Status = StatusPartiallyRefunded
	} else {
		a.Status = StatusHeld
	}
	if !rearmFrom.IsZero() && a.Remaining() > 0 {
		expires := rearmFrom.Add(s.holdWindow)
		a.Status = StatusPendingRelease
		a.HoldExpiresAt = &expires
	}
	a.UpdatedAt = time.Now()
	a.Version++

	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	if err := s.record(ctx, before, a, act, collect("escrow.unfreeze", opts)); err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.New(events.EscrowUnfrozen, orderID, map[string]any{
		"escrowId": a.ID, "actor": act.ID,
	}))
	return a, nil
}

// Settle disburses a frozen account per a dispute resolution: refundAmount
// goes back to the buyer and the remainder to the seller, as one atomic
// operation with a single audit entry carrying the caller's action label.
func (s *Service) Settle(ctx context.Context, orderID string, refundAmount int64, act authz.Actor, opts ...OpOption) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle",
		traces.OrderID(orderID), traces.Actor(act.ID), traces.Amount(refundAmount))
	defer span.End()

	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if a.Status.Settled() {
		return a, nil
	}
	if a.Status != StatusFrozen {
		return nil, fmt.Errorf("%w: settlement requires a frozen account, got %s", ErrInvalidEscrowState, a.Status)
	}

	remaining := a.Remaining()
	if refundAmount < 0 || refundAmount > remaining {
		return nil, fmt.Errorf("%w: refund %d of %d", ErrInsufficientFunds, refundAmount, remaining)
	}

	before := a.Clone()
	a.Refunded += refundAmount
	a.Released += remaining - refundAmount
	switch {
	case a.Released == 0:
		a.Status = StatusRefunded
	case a.Refunded == 0:
		a.Status = StatusReleased
	default:
		a.Status = StatusPartiallyRefunded
	}
	a.HoldExpiresAt = nil
	a.UpdatedAt = time.Now()
	a.Version++

	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	if err := s.record(ctx, before, a, act, collect("escrow.settle", opts)); err != nil {
		return nil, err
	}

	eventType := events.EscrowReleased
	if refundAmount > 0 {
		eventType = events.EscrowRefunded
	}
	s.bus.Publish(ctx, events.New(eventType, orderID, map[string]any{
		"escrowId": a.ID, "refunded": refundAmount, "released": remaining - refundAmount,
	}))
	return a, nil
}

// Get returns an escrow account by ID.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns an order's escrow account.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Account, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// OrderPaid opens the escrow hold when payment is confirmed.
func (s *Service) OrderPaid(ctx context.Context, o *order.Order, act authz.Actor) error {
	_, err := s.Hold(ctx, o, act)
	return err
}

// OrderDelivered arms the auto-release window at delivery.
func (s *Service) OrderDelivered(ctx context.Context, o *order.Order, act authz.Actor) error {
	deliveredAt := time.Now()
	if t := o.DeliveredAt(); t != nil {
		deliveredAt = *t
	}
	_, err := s.Arm(ctx, o.ID, deliveredAt, act)
	return err
}

// OrderCancelled refunds the full held balance after a cancel. Orders
// cancelled before payment have no escrow account; that is not an error.
func (s *Service) OrderCancelled(ctx context.Context, o *order.Order, act authz.Actor, reason string) error {
	if _, err := s.store.GetByOrder(ctx, o.ID); err != nil {
		return nil
	}
	_, err := s.Refund(ctx, o.ID, 0, authz.System(),
		WithReason("order cancelled: "+reason))
	return err
}
