package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mquinn/marketsettle/internal/audit"
	"github.com/mquinn/marketsettle/internal/authz"
)

var (
	buyer   = authz.Actor{ID: "buyer_1", Role: authz.RoleBuyer}
	seller  = authz.Actor{ID: "seller_1", Role: authz.RoleSeller}
	finance = authz.Actor{ID: "fin_1", Role: authz.RoleFinance}
)

func newTestMachine(t *testing.T) (*Machine, *audit.MemoryLedger) {
	t.Helper()
	ledger := audit.NewMemoryLedger()
	return NewMachine(NewMemoryStore(), ledger, nil, nil), ledger
}

func placeOrder(t *testing.T, m *Machine) *Order {
	t.Helper()
	o, err := m.Place(context.Background(), PlaceRequest{
		BuyerID:  buyer.ID,
		SellerID: seller.ID,
		Items: []LineItem{
			{ProductID: "prod_a", Qty: 2, UnitPrice: 1500},
			{ProductID: "prod_b", Qty: 1, UnitPrice: 700},
		},
	}, buyer)
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	return o
}

func TestPlaceComputesTotal(t *testing.T) {
	m, ledger := newTestMachine(t)
	o := placeOrder(t, m)

	if o.TotalAmount != 3700 {
		t.Errorf("expected total 3700, got %d", o.TotalAmount)
	}
	if o.Status != StatusCreated {
		t.Errorf("expected status CREATED, got %s", o.Status)
	}
	if o.Version != 1 {
		t.Errorf("expected version 1, got %d", o.Version)
	}
	if len(o.StatusHistory) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(o.StatusHistory))
	}

	entries := ledger.Entries()
	if len(entries) != 1 || entries[0].Action != "order.place" {
		t.Errorf("expected one order.place audit entry, got %+v", entries)
	}
}

func TestPlaceRejectsEmptyOrder(t *testing.T) {
	m, _ := newTestMachine(t)
	_, err := m.Place(context.Background(), PlaceRequest{
		BuyerID: buyer.ID, SellerID: seller.ID,
	}, buyer)
	if !errors.Is(err, ErrEmptyOrder) {
		t.Errorf("expected ErrEmptyOrder, got %v", err)
	}
}

func TestHappyPathLifecycle(t *testing.T) {
	m, ledger := newTestMachine(t)
	o := placeOrder(t, m)
	ctx := context.Background()

	steps := []struct {
		action Action
		actor  authz.Actor
		want   Status
	}{
		{ActionConfirmPayment, buyer, StatusPaid},
		{ActionShip, seller, StatusShipped},
		{ActionDeliver, seller, StatusDelivered},
	}
	for _, step := range steps {
		updated, err := m.Transition(ctx, o.ID, step.action, step.actor)
		if err != nil {
			t.Fatalf("%s failed: %v", step.action, err)
		}
		if updated.Status != step.want {
			t.Errorf("%s: expected %s, got %s", step.action, step.want, updated.Status)
		}
	}

	got, _ := m.Get(ctx, o.ID)
	if len(got.StatusHistory) != 4 {
		t.Errorf("expected 4 history entries, got %d", len(got.StatusHistory))
	}
	if got.Version != 4 {
		t.Errorf("expected version 4, got %d", got.Version)
	}

	// One audit entry per accepted transition plus the placement entry.
	if n := len(ledger.Entries()); n != 4 {
		t.Errorf("expected 4 audit entries, got %d", n)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m, ledger := newTestMachine(t)
	o := placeOrder(t, m)

	_, err := m.Transition(context.Background(), o.ID, ActionShip, seller)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for CREATED->ship, got %v", err)
	}

	got, _ := m.Get(context.Background(), o.ID)
	if got.Status != StatusCreated || got.Version != 1 {
		t.Errorf("rejected transition mutated the order: %s v%d", got.Status, got.Version)
	}
	if n := len(ledger.Entries()); n != 1 {
		t.Errorf("rejected transition wrote an audit entry, total %d", n)
	}
}

func TestCancelRequiresReason(t *testing.T) {
	m, _ := newTestMachine(t)
	o := placeOrder(t, m)
	ctx := context.Background()

	if _, err := m.Transition(ctx, o.ID, ActionConfirmPayment, buyer); err != nil {
		t.Fatalf("confirm payment failed: %v", err)
	}

	_, err := m.Transition(ctx, o.ID, ActionCancel, buyer)
	if !errors.Is(err, ErrReasonRequired) {
		t.Errorf("expected ErrReasonRequired, got %v", err)
	}

	updated, err := m.Transition(ctx, o.ID, ActionCancel, buyer, WithReason("changed my mind"))
	if err != nil {
		t.Fatalf("cancel with reason failed: %v", err)
	}
	if updated.Status != StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", updated.Status)
	}
}

func TestTerminalOrderIsImmutable(t *testing.T) {
	m, _ := newTestMachine(t)
	o := placeOrder(t, m)
	ctx := context.Background()

	for _, a := range []Action{ActionConfirmPayment, ActionShip, ActionDeliver} {
		actor := seller
		if a == ActionConfirmPayment {
			actor = buyer
		}
		if _, err := m.Transition(ctx, o.ID, a, actor); err != nil {
			t.Fatalf("%s failed: %v", a, err)
		}
	}
	if _, err := m.Transition(ctx, o.ID, ActionComplete, finance); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	for _, a := range []Action{ActionShip, ActionCancel, ActionRaiseDispute} {
		_, err := m.Transition(ctx, o.ID, a, finance, WithReason("x"))
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition on COMPLETED order for %s, got %v", a, err)
		}
	}
}

func TestAuthzEnforced(t *testing.T) {
	m, _ := newTestMachine(t)
	o := placeOrder(t, m)
	ctx := context.Background()

	// A buyer may not ship; a seller may not confirm payment.
	if _, err := m.Transition(ctx, o.ID, ActionShip, buyer); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("expected ErrForbidden for buyer ship, got %v", err)
	}
	if _, err := m.Transition(ctx, o.ID, ActionConfirmPayment, seller); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("expected ErrForbidden for seller confirm, got %v", err)
	}
}

func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	m, _ := newTestMachine(t)
	o := placeOrder(t, m)
	ctx := context.Background()

	if _, err := m.Transition(ctx, o.ID, ActionConfirmPayment, buyer); err != nil {
		t.Fatalf("confirm payment failed: %v", err)
	}

	// Racing ship and cancel from PAID: exactly one must win.
	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, results[0] = m.Transition(ctx, o.ID, ActionShip, seller)
	}()
	go func() {
		defer wg.Done()
		_, results[1] = m.Transition(ctx, o.ID, ActionCancel, buyer, WithReason("late"))
	}()
	wg.Wait()

	var wins int
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrConcurrentModification) && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("unexpected race error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly 1 winner, got %d", wins)
	}
}

type failingLedger struct {
	failAfter int
	calls     int
}

func (l *failingLedger) Record(context.Context, *audit.Entry) error {
	l.calls++
	if l.calls > l.failAfter {
		return fmt.Errorf("%w: connection refused", audit.ErrUnavailable)
	}
	return nil
}

func (l *failingLedger) Query(context.Context, audit.Filter, string, int) ([]*audit.Entry, string, error) {
	return nil, "", nil
}

func TestAuditFailureRollsBackTransition(t *testing.T) {
	store := NewMemoryStore()
	ledger := &failingLedger{failAfter: 1}
	m := NewMachine(store, ledger, nil, nil)
	o := placeOrder(t, m)

	_, err := m.Transition(context.Background(), o.ID, ActionConfirmPayment, buyer)
	if !errors.Is(err, audit.ErrUnavailable) {
		t.Fatalf("expected audit.ErrUnavailable, got %v", err)
	}

	got, _ := m.Get(context.Background(), o.ID)
	if got.Status != StatusCreated {
		t.Errorf("transition survived an audit failure: status %s", got.Status)
	}
}

type recordingNotifier struct {
	paid      []string
	delivered []string
	cancelled []string
}

func (n *recordingNotifier) OrderPaid(_ context.Context, o *Order, _ authz.Actor) error {
	n.paid = append(n.paid, o.ID)
	return nil
}

func (n *recordingNotifier) OrderDelivered(_ context.Context, o *Order, _ authz.Actor) error {
	n.delivered = append(n.delivered, o.ID)
	return nil
}

func (n *recordingNotifier) OrderCancelled(_ context.Context, o *Order, _ authz.Actor, _ string) error {
	n.cancelled = append(n.cancelled, o.ID)
	return nil
}

func TestSettlementNotifications(t *testing.T) {
	m, _ := newTestMachine(t)
	notifier := &recordingNotifier{}
	m.WithSettlement(notifier)
	o := placeOrder(t, m)
	ctx := context.Background()

	for _, step := range []struct {
		action Action
		actor  authz.Actor
	}{
		{ActionConfirmPayment, buyer},
		{ActionShip, seller},
		{ActionDeliver, seller},
	} {
		if _, err := m.Transition(ctx, o.ID, step.action, step.actor); err != nil {
			t.Fatalf("%s failed: %v", step.action, err)
		}
	}

	if len(notifier.paid) != 1 || notifier.paid[0] != o.ID {
		t.Errorf("expected paid notification for %s, got %v", o.ID, notifier.paid)
	}
	if len(notifier.delivered) != 1 {
		t.Errorf("expected 1 delivered notification, got %v", notifier.delivered)
	}
	if len(notifier.cancelled) != 0 {
		t.Errorf("unexpected cancel notification: %v", notifier.cancelled)
	}
}

func TestApplyResolutionRejectsBadOutcome(t *testing.T) {
	m, _ := newTestMachine(t)
	o := placeOrder(t, m)

	_, err := m.ApplyResolution(context.Background(), o.ID, StatusShipped, finance)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMarkDisputedFollowsTable(t *testing.T) {
	m, _ := newTestMachine(t)
	o := placeOrder(t, m)
	ctx := context.Background()

	// CREATED orders cannot be disputed.
	if _, err := m.MarkDisputed(ctx, o.ID, buyer); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for CREATED, got %v", err)
	}

	if _, err := m.Transition(ctx, o.ID, ActionConfirmPayment, buyer); err != nil {
		t.Fatalf("confirm payment failed: %v", err)
	}
	updated, err := m.MarkDisputed(ctx, o.ID, buyer)
	if err != nil {
		t.Fatalf("MarkDisputed failed: %v", err)
	}
	if updated.Status != StatusDisputed {
		t.Errorf("expected DISPUTED, got %s", updated.Status)
	}
}
