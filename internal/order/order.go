// Package order implements the order lifecycle state machine.
//
// Orders are created by the upstream checkout flow and mutated only through
// the Machine, which validates every transition against a fixed table,
// appends to the status history, and records one audit entry per accepted
// transition. Transitions use optimistic concurrency: a stale version fails
// with ErrConcurrentModification and the caller retries with fresh state.
package order

import (
	"errors"
	"time"
)

var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrInvalidTransition      = errors.New("invalid order transition")
	ErrConcurrentModification = errors.New("order modified concurrently, retry with fresh state")
	ErrReasonRequired         = errors.New("a reason is required for this transition")
	ErrEmptyOrder             = errors.New("order must have at least one line item")
	ErrTotalMismatch          = errors.New("total amount does not equal sum of line items")
)

// Status represents the lifecycle state of an order.
type Status string

const (
	StatusCreated         Status = "CREATED"
	StatusPaymentPending  Status = "PAYMENT_PENDING"
	StatusPaid            Status = "PAID"
	StatusShipped         Status = "SHIPPED"
	StatusDelivered       Status = "DELIVERED"
	StatusDisputed        Status = "DISPUTED"
	StatusReturnRequested Status = "RETURN_REQUESTED"
	StatusCancelled       Status = "CANCELLED"
	StatusRefunded        Status = "REFUNDED"
	StatusCompleted       Status = "COMPLETED"
)

// Terminal reports whether the status is final. Terminal orders are never
// mutated again and never deleted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Action is a lifecycle action applied through the Machine.
type Action string

const (
	ActionConfirmPayment Action = "confirmPayment"
	ActionShip           Action = "ship"
	ActionDeliver        Action = "deliver"
	ActionCancel         Action = "cancel"
	ActionRaiseDispute   Action = "raiseDispute"
	ActionReturnRequest  Action = "returnRequest"
	ActionComplete       Action = "complete"
)

// transitions is the full table of valid (from, action) → to pairs.
// Dispute resolution (DISPUTED → COMPLETED/REFUNDED/CANCELLED) is outcome
// dependent and applied by the dispute engine via ApplyResolution.
var transitions = map[Status]map[Action]Status{
	StatusCreated: {
		ActionConfirmPayment: StatusPaid,
	},
	StatusPaymentPending: {
		ActionConfirmPayment: StatusPaid,
		ActionCancel:         StatusCancelled,
	},
	StatusPaid: {
		ActionShip:         StatusShipped,
		ActionCancel:       StatusCancelled,
		ActionRaiseDispute: StatusDisputed,
	},
	StatusShipped: {
		ActionDeliver:      StatusDelivered,
		ActionRaiseDispute: StatusDisputed,
	},
	StatusDelivered: {
		ActionRaiseDispute:  StatusDisputed,
		ActionReturnRequest: StatusReturnRequested,
		ActionComplete:      StatusCompleted,
	},
	StatusReturnRequested: {
		ActionRaiseDispute: StatusDisputed,
	},
}

// LineItem is a priced order line. UnitPrice is in minor currency units.
type LineItem struct {
	ProductID string `json:"productId"`
	Qty       int    `json:"qty"`
	UnitPrice int64  `json:"unitPrice"`
}

// StatusChange is one entry in an order's status history.
type StatusChange struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
}

// Order is the aggregate tracked by the state machine. TotalAmount is fixed
// at creation and equals the sum of line items; it is never mutated.
type Order struct {
	ID            string         `json:"id"`
	BuyerID       string         `json:"buyerId"`
	SellerID      string         `json:"sellerId"`
	Items         []LineItem     `json:"items"`
	TotalAmount   int64          `json:"totalAmount"`
	Status        Status         `json:"status"`
	StatusHistory []StatusChange `json:"statusHistory"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// DeliveredAt returns the time the order entered DELIVERED, if it did.
func (o *Order) DeliveredAt() *time.Time {
	for i := len(o.StatusHistory) - 1; i >= 0; i-- {
		if o.StatusHistory[i].Status == StatusDelivered {
			t := o.StatusHistory[i].At
			return &t
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Items = make([]LineItem, len(o.Items))
	copy(cp.Items, o.Items)
	cp.StatusHistory = make([]StatusChange, len(o.StatusHistory))
	copy(cp.StatusHistory, o.StatusHistory)
	return &cp
}

// next resolves the transition table. ok is false for anything not listed.
func next(from Status, action Action) (Status, bool) {
	to, ok := transitions[from][action]
	return to, ok
}

// Can reports whether action is valid from the given status. Collaborating
// engines use it to pre-validate before starting a composite operation.
func Can(from Status, action Action) bool {
	_, ok := next(from, action)
	return ok
}
