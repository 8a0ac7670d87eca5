package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mquinn/marketsettle/internal/audit"
	"github.com/mquinn/marketsettle/internal/authz"
	"github.com/mquinn/marketsettle/internal/escrow"
	"github.com/mquinn/marketsettle/internal/order"
)

var (
	buyer   = authz.Actor{ID: "buyer_1", Role: authz.RoleBuyer}
	seller  = authz.Actor{ID: "seller_1", Role: authz.RoleSeller}
	finance = authz.Actor{ID: "fin_1", Role: authz.RoleFinance}
)

// env wires the three engines together over memory stores, the way the
// server composes them.
type env struct {
	orders   *order.Machine
	escrows  *escrow.Service
	disputes *Service
	ledger   *audit.MemoryLedger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ledger := audit.NewMemoryLedger()
	escrows := escrow.NewService(escrow.NewMemoryStore(), ledger, nil, nil)
	orders := order.NewMachine(order.NewMemoryStore(), ledger, nil, nil).WithSettlement(escrows)
	disputes := NewService(NewMemoryStore(), orders, escrows, ledger, nil, nil)
	return &env{orders: orders, escrows: escrows, disputes: disputes, ledger: ledger}
}

// deliveredOrder walks a fresh order to DELIVERED with funds held and armed.
func deliveredOrder(t *testing.T, e *env) *order.Order {
	t.Helper()
	ctx := context.Background()
	o, err := e.orders.Place(ctx, order.PlaceRequest{
		BuyerID:  buyer.ID,
		SellerID: seller.ID,
		Items:    []order.LineItem{{ProductID: "prod_a", Qty: 1, UnitPrice: 10000}},
	}, buyer)
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	for _, step := range []struct {
		action order.Action
		actor  authz.Actor
	}{
		{order.ActionConfirmPayment, buyer},
		{order.ActionShip, seller},
		{order.ActionDeliver, seller},
	} {
		if _, err := e.orders.Transition(ctx, o.ID, step.action, step.actor); err != nil {
			t.Fatalf("%s failed: %v", step.action, err)
		}
	}
	return o
}

func TestRaiseFreezesEscrowWithSingleAuditEntry(t *testing.T) {
	e := newEnv(t)
	o := deliveredOrder(t, e)
	ctx := context.Background()

	entriesBefore := len(e.ledger.Entries())
	d, err := e.disputes.Raise(ctx, o.ID, buyer, "item never arrived")
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}
	if d.Status != StatusOpen {
		t.Errorf("expected OPEN, got %s", d.Status)
	}

	got, _ := e.orders.Get(ctx, o.ID)
	if got.Status != order.StatusDisputed {
		t.Errorf("expected order DISPUTED, got %s", got.Status)
	}
	a, _ := e.escrows.GetByOrder(ctx, o.ID)
	if a.Status != escrow.StatusFrozen {
		t.Errorf("expected escrow FROZEN, got %s", a.Status)
	}
	if a.HoldExpiresAt != nil {
		t.Error("raise left the auto-release window armed")
	}

	entries := e.ledger.Entries()
	if len(entries) != entriesBefore+1 {
		t.Fatalf("expected exactly 1 new audit entry, got %d", len(entries)-entriesBefore)
	}
	last := entries[len(entries)-1]
	if last.Action != "dispute.raise" || last.Reason != "item never arrived" {
		t.Errorf("bad audit entry: action=%s reason=%s", last.Action, last.Reason)
	}
}

func TestRaiseRequiresReasonAndEligibleOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	o, err := e.orders.Place(ctx, order.PlaceRequest{
		BuyerID:  buyer.ID,
		SellerID: seller.ID,
		Items:    []order.LineItem{{ProductID: "prod_a", Qty: 1, UnitPrice: 1000}},
	}, buyer)
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}

	if _, err := e.disputes.Raise(ctx, o.ID, buyer, ""); !errors.Is(err, order.ErrReasonRequired) {
		t.Errorf("expected ErrReasonRequired, got %v", err)
	}
	// CREATED orders cannot be disputed.
	if _, err := e.disputes.Raise(ctx, o.ID, buyer, "cold feet"); !errors.Is(err, order.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestDuplicateDisputeRejected(t *testing.T) {
	e := newEnv(t)
	o := deliveredOrder(t, e)
	ctx := context.Background()

	if _, err := e.disputes.Raise(ctx, o.ID, buyer, "damaged on arrival"); err != nil {
		t.Fatalf("first Raise failed: %v", err)
	}
	_, err := e.disputes.Raise(ctx, o.ID, seller, "buyer is lying")
	if !errors.Is(err, ErrDuplicateDispute) {
		t.Errorf("expected ErrDuplicateDispute, got %v", err)
	}
}

func TestResolveRefundBuyer(t *testing.T) {
	e := newEnv(t)
	o := deliveredOrder(t, e)
	ctx := context.Background()

	d, err := e.disputes.Raise(ctx, o.ID, buyer, "item never arrived")
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}

	entriesBefore := len(e.ledger.Entries())
	resolved, err := e.disputes.Resolve(ctx, d.ID, ResolveRequest{
		Outcome: OutcomeRefundBuyer,
		Note:    "carrier confirmed loss",
	}, finance)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Status != StatusResolved {
		t.Errorf("expected RESOLVED, got %s", resolved.Status)
	}
	if resolved.Resolution == nil || resolved.Resolution.RefundAmount != 10000 {
		t.Errorf("bad resolution: %+v", resolved.Resolution)
	}

	a, _ := e.escrows.GetByOrder(ctx, o.ID)
	if a.Status != escrow.StatusRefunded || a.Refunded != 10000 {
		t.Errorf("expected full refund, got %s refunded=%d", a.Status, a.Refunded)
	}
	got, _ := e.orders.Get(ctx, o.ID)
	if got.Status != order.StatusRefunded {
		t.Errorf("expected order REFUNDED, got %s", got.Status)
	}

	// The resolve composite writes exactly one audit entry.
	entries := e.ledger.Entries()
	if len(entries) != entriesBefore+1 {
		t.Fatalf("expected exactly 1 new audit entry, got %d", len(entries)-entriesBefore)
	}
	if entries[len(entries)-1].Action != "dispute.resolve" {
		t.Errorf("expected dispute.resolve entry, got %s", entries[len(entries)-1].Action)
	}
}

func TestResolveReleaseToSellerRejectsDispute(t *testing.T) {
	e := newEnv(t)
	o := deliveredOrder(t, e)
	ctx := context.Background()

	d, _ := e.disputes.Raise(ctx, o.ID, buyer, "wrong item")
	resolved, err := e.disputes.Resolve(ctx, d.ID, ResolveRequest{
		Outcome: OutcomeReleaseToSeller,
		Note:    "photos show the listed item",
	}, finance)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Status != StatusRejected {
		t.Errorf("expected REJECTED, got %s", resolved.Status)
	}

	a, _ := e.escrows.GetByOrder(ctx, o.ID)
	if a.Status != escrow.StatusReleased || a.Released != 10000 {
		t.Errorf("expected full release, got %s released=%d", a.Status, a.Released)
	}
	got, _ := e.orders.Get(ctx, o.ID)
	if got.Status != order.StatusCompleted {
		t.Errorf("expected order COMPLETED, got %s", got.Status)
	}
}

func TestResolvePartialRefundSplitsFunds(t *testing.T) {
	e := newEnv(t)
	o := deliveredOrder(t, e)
	ctx := context.Background()

	d, _ := e.disputes.Raise(ctx, o.ID, buyer, "minor damage")

	if _, err := e.disputes.Resolve(ctx, d.ID, ResolveRequest{
		Outcome: OutcomePartialRefund,
		Note:    "split per photos",
	}, finance); !errors.Is(err, ErrAmountRequired) {
		t.Errorf("expected ErrAmountRequired without amount, got %v", err)
	}

	resolved, err := e.disputes.Resolve(ctx, d.ID, ResolveRequest{
		Outcome:      OutcomePartialRefund,
		RefundAmount: 2500,
		Note:         "split per photos",
	}, finance)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Status != StatusResolved {
		t.Errorf("expected RESOLVED, got %s", resolved.Status)
	}

	a, _ := e.escrows.GetByOrder(ctx, o.ID)
	if a.Refunded != 2500 || a.Released != 7500 || a.Status != escrow.StatusPartiallyRefunded {
		t.Errorf("bad split: %s refunded=%d released=%d", a.Status, a.Refunded, a.Released)
	}
}

func TestResolveIsTerminal(t *testing.T) {
	e := newEnv(t)
	o := deliveredOrder(t, e)
	ctx := context.Background()

	d, _ := e.disputes.Raise(ctx, o.ID, buyer, "item never arrived")
	if _, err := e.disputes.Resolve(ctx, d.ID, ResolveRequest{
		Outcome: OutcomeRefundBuyer,
		Note:    "carrier confirmed loss",
	}, finance); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	_, err := e.disputes.Resolve(ctx, d.ID, ResolveRequest{
		Outcome: OutcomeReleaseToSeller,
		Note:    "second thoughts",
	}, finance)
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestResolveRequiresNote(t *testing.T) {
	e := newEnv(t)
	o := deliveredOrder(t, e)
	ctx := context.Background()

	d, _ := e.disputes.Raise(ctx, o.ID, buyer, "item never arrived")
	entriesBefore := len(e.ledger.Entries())

	_, err := e.disputes.Resolve(ctx, d.ID, ResolveRequest{Outcome: OutcomeRefundBuyer}, finance)
	if !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome for missing note, got %v", err)
	}

	// No money moved and the dispute stayed open.
	a, _ := e.escrows.GetByOrder(ctx, o.ID)
	if a.Status != escrow.StatusFrozen || a.Refunded != 0 {
		t.Errorf("noteless resolve moved funds: %s refunded=%d", a.Status, a.Refunded)
	}
	got, _ := e.disputes.Get(ctx, d.ID)
	if got.Status != StatusOpen || got.Resolution != nil {
		t.Errorf("noteless resolve changed the dispute: %s %+v", got.Status, got.Resolution)
	}
	if n := len(e.ledger.Entries()); n != entriesBefore {
		t.Errorf("noteless resolve wrote %d audit entries", n-entriesBefore)
	}
}

func TestEscalateDefersWithoutSettling(t *testing.T) {
	e := newEnv(t)
	o := deliveredOrder(t, e)
	ctx := context.Background()

	d, _ := e.disputes.Raise(ctx, o.ID, buyer, "counterfeit goods")
	escalated, err := e.disputes.Resolve(ctx, d.ID, ResolveRequest{
		Outcome: OutcomeEscalate,
		Note:    "needs brand verification",
	}, finance)
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if escalated.Status != StatusEscalated {
		t.Errorf("expected ESCALATED, got %s", escalated.Status)
	}

	// Escrow stays frozen and a later decision still works.
	a, _ := e.escrows.GetByOrder(ctx, o.ID)
	if a.Status != escrow.StatusFrozen {
		t.Errorf("escalation moved funds: %s", a.Status)
	}
	if open, _ := e.disputes.HasOpenDispute(ctx, o.ID); !open {
		t.Error("escalated dispute not reported as open")
	}

	if _, err := e.disputes.Resolve(ctx, d.ID, ResolveRequest{
		Outcome: OutcomeRefundBuyer,
		Note:    "verification confirmed counterfeit",
	}, finance); err != nil {
		t.Fatalf("resolve after escalation failed: %v", err)
	}
}

func TestEvaluateStoresRecommendation(t *testing.T) {
	e := newEnv(t)
	e.disputes.WithSignals(StaticSignals{
		seller.ID: {ReturnRate: 0.5, OpenDisputes: 3, LifetimeOrders: 20},
	})
	o := deliveredOrder(t, e)
	ctx := context.Background()

	d, _ := e.disputes.Raise(ctx, o.ID, buyer, "item never arrived")
	evaluated, err := e.disputes.Evaluate(ctx, d.ID, finance)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if evaluated.Status != StatusEvaluating {
		t.Errorf("expected EVALUATING, got %s", evaluated.Status)
	}
	if evaluated.Evaluation == nil || evaluated.Evaluation.Recommendation != RecommendRefund {
		t.Errorf("expected favor_refund recommendation, got %+v", evaluated.Evaluation)
	}

	// Re-running over unchanged state yields the same score.
	again, err := e.disputes.Evaluate(ctx, d.ID, finance)
	if err != nil {
		t.Fatalf("second Evaluate failed: %v", err)
	}
	if again.Evaluation.Score != evaluated.Evaluation.Score {
		t.Errorf("evaluation not deterministic: %f vs %f",
			again.Evaluation.Score, evaluated.Evaluation.Score)
	}
}

func TestRaiseBeatsAutoRelease(t *testing.T) {
	e := newEnv(t)
	escrows := escrow.NewService(escrow.NewMemoryStore(), e.ledger, nil, nil).
		WithHoldWindow(1 * time.Millisecond)
	orders := order.NewMachine(order.NewMemoryStore(), e.ledger, nil, nil).WithSettlement(escrows)
	disputes := NewService(NewMemoryStore(), orders, escrows, e.ledger, nil, nil)
	e2 := &env{orders: orders, escrows: escrows, disputes: disputes, ledger: e.ledger}
	o := deliveredOrder(t, e2)
	ctx := context.Background()

	// The hold window has already elapsed but the sweeper has not fired.
	// Raising the dispute first must win: the sweep then skips the order.
	if _, err := disputes.Raise(ctx, o.ID, buyer, "not as described"); err != nil {
		t.Fatalf("Raise failed: %v", err)
	}

	sweeper := escrow.NewSweeper(escrows, orders, disputes, nil)
	released, err := sweeper.Sweep(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if released != 0 {
		t.Errorf("sweeper released a disputed order: %d", released)
	}

	a, _ := escrows.GetByOrder(ctx, o.ID)
	if a.Status != escrow.StatusFrozen {
		t.Errorf("expected escrow still FROZEN, got %s", a.Status)
	}
}
