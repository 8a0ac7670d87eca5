// Package escrow implements the settlement engine that holds buyer funds and
// disburses them to sellers or back to buyers.
//
// Every money-moving operation runs under a per-order lock so concurrent
// release and refund attempts serialize: the first mover wins and the loser
// observes the already-settled state. Amounts are integer minor currency
// units; the invariant Released + Refunded <= Amount holds at all times.
package escrow

import (
	"errors"
	"time"
)

var (
	ErrEscrowNotFound     = errors.New("escrow account not found")
	ErrEscrowExists       = errors.New("escrow account already exists for order")
	ErrInvalidEscrowState = errors.New("escrow account is not in a state that allows this operation")
	ErrFrozen             = errors.New("escrow account is frozen pending dispute resolution")
	ErrDisputePending     = errors.New("order has an unresolved dispute")
	ErrInsufficientFunds  = errors.New("amount exceeds remaining escrow balance")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrLockTimeout        = errors.New("timed out waiting for escrow lock")
)

// Status is the settlement state of an escrow account.
type Status string

const (
	// StatusHeld means funds are captured and no release is scheduled yet.
	StatusHeld Status = "HELD"
	// StatusPendingRelease means the auto-release window is armed.
	StatusPendingRelease Status = "PENDING_RELEASE"
	// StatusFrozen blocks all disbursement until a dispute resolves.
	StatusFrozen Status = "FROZEN"
	// StatusReleased means all remaining funds went to the seller.
	StatusReleased Status = "RELEASED"
	// StatusRefunded means all funds went back to the buyer.
	StatusRefunded Status = "REFUNDED"
	// StatusPartiallyRefunded means the balance was split between the parties.
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
)

// Settled reports whether the account has fully disbursed its balance.
func (s Status) Settled() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

// Account tracks the held funds for a single order. Amount is the captured
// principal; Released and Refunded accumulate disbursements.
type Account struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"orderId"`
	Amount        int64      `json:"amount"`
	Released      int64      `json:"released"`
	Refunded      int64      `json:"refunded"`
	Status        Status     `json:"status"`
	HoldExpiresAt *time.Time `json:"holdExpiresAt,omitempty"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Remaining returns the undisbursed balance.
func (a *Account) Remaining() int64 {
	return a.Amount - a.Released - a.Refunded
}

// Clone returns a deep copy safe to hand across goroutines.
func (a *Account) Clone() *Account {
	cp := *a
	if a.HoldExpiresAt != nil {
		t := *a.HoldExpiresAt
		cp.HoldExpiresAt = &t
	}
	return &cp
}
