package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mquinn/marketsettle/internal/audit"
	"github.com/mquinn/marketsettle/internal/authz"
	"github.com/mquinn/marketsettle/internal/escrow"
	"github.com/mquinn/marketsettle/internal/events"
	"github.com/mquinn/marketsettle/internal/idgen"
	"github.com/mquinn/marketsettle/internal/order"
	"github.com/mquinn/marketsettle/internal/traces"
)

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// GetOpenByOrder returns the order's unresolved dispute, or
	// ErrDisputeNotFound if every dispute is closed.
	GetOpenByOrder(ctx context.Context, orderID string) (*Dispute, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	Delete(ctx context.Context, id string) error
}

// Service is the dispute resolution engine. It composes the order machine
// and the escrow engine: raising freezes funds, resolving settles them.
type Service struct {
	store   Store
	orders  *order.Machine
	escrows *escrow.Service
	ledger  audit.Ledger
	bus     events.Bus
	signals SignalProvider
	logger  *slog.Logger
}

// NewService creates the dispute engine.
func NewService(store Store, orders *order.Machine, escrows *escrow.Service, ledger audit.Ledger, bus events.Bus, logger *slog.Logger) *Service {
	if bus == nil {
		bus = events.NopBus{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		orders:  orders,
		escrows: escrows,
		ledger:  ledger,
		bus:     bus,
		signals: StaticSignals{},
		logger:  logger,
	}
}

// WithSignals attaches the seller signal provider for the rule engine.
func (s *Service) WithSignals(p SignalProvider) *Service {
	s.signals = p
	return s
}

// Raise opens a dispute against an order: the escrow freezes, the order
// moves to DISPUTED, and the audit trail gains exactly one entry for the
// whole composite.
func (s *Service) Raise(ctx context.Context, orderID string, act authz.Actor, reason string) (*Dispute, error) {
	if err := authz.Check(act, authz.ActionRaiseDispute); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, order.ErrReasonRequired
	}

	ctx, span := traces.StartSpan(ctx, "dispute.raise",
		traces.OrderID(orderID), traces.Actor(act.ID))
	defer span.End()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Can(o.Status, order.ActionRaiseDispute) {
		return nil, fmt.Errorf("%w: %s -> raiseDispute", order.ErrInvalidTransition, o.Status)
	}
	if _, err := s.store.GetOpenByOrder(ctx, orderID); err == nil {
		return nil, ErrDuplicateDispute
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	now := time.Now()
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		OrderID:   orderID,
		RaisedBy:  act.ID,
		Reason:    reason,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create dispute: %w", err)
	}

	// The freeze carries the composite's single audit entry.
	if _, err := s.escrows.Freeze(ctx, orderID, authz.System(),
		escrow.WithAuditAction("dispute.raise"),
		escrow.WithReason(reason)); err != nil {
		if delErr := s.store.Delete(ctx, d.ID); delErr != nil {
			s.logger.Error("CRITICAL: dispute cleanup failed after freeze error",
				"disputeId", d.ID, "orderId", orderID, "error", delErr)
		}
		return nil, fmt.Errorf("freeze escrow: %w", err)
	}

	if _, err := s.orders.MarkDisputed(ctx, orderID, act); err != nil {
		// Compensate: thaw the escrow and drop the dispute record.
		if _, unfErr := s.escrows.Unfreeze(ctx, orderID, rearmTime(o), authz.System(),
			escrow.WithReason("dispute raise aborted")); unfErr != nil {
			s.logger.Error("CRITICAL: escrow unfreeze failed while aborting dispute raise",
				"disputeId", d.ID, "orderId", orderID, "error", unfErr)
		}
		if delErr := s.store.Delete(ctx, d.ID); delErr != nil {
			s.logger.Error("CRITICAL: dispute cleanup failed while aborting dispute raise",
				"disputeId", d.ID, "orderId", orderID, "error", delErr)
		}
		return nil, fmt.Errorf("mark order disputed: %w", err)
	}

	s.bus.Publish(ctx, events.New(events.DisputeRaised, orderID, map[string]any{
		"disputeId": d.ID, "raisedBy": act.ID,
	}))
	s.logger.Info("dispute raised", "disputeId", d.ID, "orderId", orderID, "raisedBy", act.ID)
	return d, nil
}

// rearmTime returns the delivery time for re-arming the release window, or
// zero when the order was never delivered.
func rearmTime(o *order.Order) time.Time {
	if o.Status == order.StatusDelivered {
		if t := o.DeliveredAt(); t != nil {
			return *t
		}
	}
	return time.Time{}
}

// Evaluate runs the rule engine over an open dispute and stores its
// recommendation. Identical dispute state always yields the same score.
func (s *Service) Evaluate(ctx context.Context, disputeID string, act authz.Actor) (*Dispute, error) {
	if err := authz.Check(act, authz.ActionEvaluate); err != nil {
		return nil, err
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.Status.Open() {
		return nil, ErrAlreadyResolved
	}

	o, err := s.orders.Get(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	stats, err := s.signals.Stats(ctx, o.SellerID)
	if err != nil {
		return nil, fmt.Errorf("seller signals: %w", err)
	}

	before := d.Clone()
	d.Evaluation = Evaluate(Input{
		Reason:      d.Reason,
		OrderAmount: o.TotalAmount,
		Seller:      stats,
	}, act.ID, time.Now())
	if d.Status == StatusOpen {
		d.Status = StatusEvaluating
	}
	d.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	if err := s.ledger.Record(ctx, &audit.Entry{
		ActorID:    act.ID,
		ActorRole:  string(act.Role),
		Action:     "dispute.evaluate",
		EntityType: "dispute",
		EntityID:   d.ID,
		Before:     audit.Snapshot(before),
		After:      audit.Snapshot(d),
		IPAddress:  act.IP,
	}); err != nil {
		if rbErr := s.store.Update(ctx, before); rbErr != nil {
			s.logger.Error("CRITICAL: dispute rollback failed after audit error",
				"disputeId", d.ID, "error", rbErr)
		}
		return nil, fmt.Errorf("audit dispute evaluation: %w", err)
	}

	s.bus.Publish(ctx, events.New(events.DisputeEvaluated, d.OrderID, map[string]any{
		"disputeId": d.ID, "score": d.Evaluation.Score, "recommendation": d.Evaluation.Recommendation,
	}))
	return d, nil
}

// ResolveRequest is a manual resolution decision.
type ResolveRequest struct {
	Outcome      Outcome `json:"outcome" binding:"required"`
	RefundAmount int64   `json:"refundAmount"`
	Note         string  `json:"note"`
}

// Resolve applies a final decision to an unresolved dispute. Every decision
// needs a human note; money never moves on an unexplained outcome. The frozen
// escrow settles and the order finalizes as part of the same action; the
// audit trail gains exactly one entry for the composite. ESCALATE defers
// instead of settling.
func (s *Service) Resolve(ctx context.Context, disputeID string, req ResolveRequest, act authz.Actor) (*Dispute, error) {
	if err := authz.Check(act, authz.ActionResolve); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "dispute.resolve",
		traces.DisputeID(disputeID), traces.Actor(act.ID))
	defer span.End()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.Status.Open() {
		return nil, ErrAlreadyResolved
	}
	if req.Note == "" {
		return nil, fmt.Errorf("%w: a resolution note is required", ErrInvalidOutcome)
	}

	if req.Outcome == OutcomeEscalate {
		return s.escalate(ctx, d, act, req.Note)
	}

	a, err := s.escrows.GetByOrder(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}

	var refund int64
	var finalStatus Status
	var orderOutcome order.Status
	switch req.Outcome {
	case OutcomeReleaseToSeller:
		refund = 0
		finalStatus = StatusRejected
		orderOutcome = order.StatusCompleted
	case OutcomeRefundBuyer:
		refund = a.Remaining()
		finalStatus = StatusResolved
		orderOutcome = order.StatusRefunded
	case OutcomePartialRefund:
		if req.RefundAmount <= 0 {
			return nil, ErrAmountRequired
		}
		refund = req.RefundAmount
		finalStatus = StatusResolved
		orderOutcome = order.StatusCompleted
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidOutcome, req.Outcome)
	}

	// Settle carries the composite's single audit entry.
	if _, err := s.escrows.Settle(ctx, d.OrderID, refund, act,
		escrow.WithAuditAction("dispute.resolve"),
		escrow.WithReason(req.Note)); err != nil {
		return nil, fmt.Errorf("settle escrow: %w", err)
	}

	if _, err := s.orders.ApplyResolution(ctx, d.OrderID, orderOutcome, act); err != nil {
		// The money already moved; the order record must follow. Retry once,
		// then escalate loudly.
		if _, retryErr := s.orders.ApplyResolution(ctx, d.OrderID, orderOutcome, act); retryErr != nil {
			s.logger.Error("CRITICAL: order finalization failed after escrow settlement",
				"disputeId", d.ID, "orderId", d.OrderID, "outcome", req.Outcome, "error", retryErr)
		}
	}

	d.Status = finalStatus
	d.Resolution = &Resolution{
		Outcome:      req.Outcome,
		RefundAmount: refund,
		ResolvedBy:   act.ID,
		Note:         req.Note,
		ResolvedAt:   time.Now(),
	}
	d.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, d); err != nil {
		s.logger.Error("CRITICAL: dispute record update failed after settlement",
			"disputeId", d.ID, "orderId", d.OrderID, "error", err)
		return nil, err
	}

	s.bus.Publish(ctx, events.New(events.DisputeResolved, d.OrderID, map[string]any{
		"disputeId": d.ID, "outcome": req.Outcome, "refundAmount": refund, "resolvedBy": act.ID,
	}))
	s.logger.Info("dispute resolved", "disputeId", d.ID, "orderId", d.OrderID,
		"outcome", req.Outcome, "refundAmount", refund)
	return d, nil
}

// escalate marks the dispute for higher-tier review without settling.
func (s *Service) escalate(ctx context.Context, d *Dispute, act authz.Actor, note string) (*Dispute, error) {
	before := d.Clone()
	d.Status = StatusEscalated
	d.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	if err := s.ledger.Record(ctx, &audit.Entry{
		ActorID:    act.ID,
		ActorRole:  string(act.Role),
		Action:     "dispute.escalate",
		EntityType: "dispute",
		EntityID:   d.ID,
		Before:     audit.Snapshot(before),
		After:      audit.Snapshot(d),
		Reason:     note,
		IPAddress:  act.IP,
	}); err != nil {
		if rbErr := s.store.Update(ctx, before); rbErr != nil {
			s.logger.Error("CRITICAL: dispute rollback failed after audit error",
				"disputeId", d.ID, "error", rbErr)
		}
		return nil, fmt.Errorf("audit dispute escalation: %w", err)
	}

	s.bus.Publish(ctx, events.New(events.DisputeEvaluated, d.OrderID, map[string]any{
		"disputeId": d.ID, "escalated": true,
	}))
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByOrder returns all disputes ever raised against an order.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]*Dispute, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// HasOpenDispute reports whether the order has an unresolved dispute. Used
// by the release sweeper.
func (s *Service) HasOpenDispute(ctx context.Context, orderID string) (bool, error) {
	_, err := s.store.GetOpenByOrder(ctx, orderID)
	if errors.Is(err, ErrDisputeNotFound) {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	return true, nil
}
