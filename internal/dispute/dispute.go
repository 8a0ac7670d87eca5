// Package dispute implements the dispute resolution engine.
//
// Raising a dispute freezes the order's escrow and moves the order to
// DISPUTED as one composite action with a single audit entry. A deterministic
// rule engine scores each dispute and recommends an outcome; the final
// decision is always a manual finance action, which settles the frozen
// escrow and finalizes the order in one step.
package dispute

import (
	"errors"
	"time"
)

var (
	ErrDisputeNotFound  = errors.New("dispute not found")
	ErrDuplicateDispute = errors.New("order already has an unresolved dispute")
	ErrAlreadyResolved  = errors.New("dispute is already resolved")
	ErrInvalidOutcome   = errors.New("invalid resolution outcome")
	ErrAmountRequired   = errors.New("partial refund requires a positive amount")
)

// Status is the lifecycle state of a dispute.
type Status string

const (
	// StatusOpen means the dispute was raised and escrow is frozen.
	StatusOpen Status = "OPEN"
	// StatusEvaluating means the rule engine has scored the dispute and a
	// manual decision is pending.
	StatusEvaluating Status = "EVALUATING"
	// StatusEscalated means a reviewer deferred the decision to a higher tier.
	StatusEscalated Status = "ESCALATED"
	// StatusResolved means funds were returned to the buyer in full or part.
	StatusResolved Status = "RESOLVED"
	// StatusRejected means the dispute was decided in the seller's favor.
	StatusRejected Status = "REJECTED"
)

// Open reports whether the dispute still blocks settlement.
func (s Status) Open() bool {
	switch s {
	case StatusOpen, StatusEvaluating, StatusEscalated:
		return true
	}
	return false
}

// Outcome is a resolution decision.
type Outcome string

const (
	OutcomeReleaseToSeller Outcome = "RELEASE_TO_SELLER"
	OutcomeRefundBuyer     Outcome = "REFUND_BUYER"
	OutcomePartialRefund   Outcome = "PARTIAL_REFUND"
	OutcomeEscalate        Outcome = "ESCALATE"
)

// Factor is one weighted signal in an evaluation.
type Factor struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// Recommendation is the rule engine's suggested direction.
type Recommendation string

const (
	RecommendRefund  Recommendation = "favor_refund"
	RecommendRelease Recommendation = "favor_release"
	RecommendManual  Recommendation = "needs_manual_review"
)

// Evaluation is the stored output of a rule engine run. Score is in [0, 1];
// higher favors the buyer.
type Evaluation struct {
	Score          float64        `json:"score"`
	Recommendation Recommendation `json:"recommendation"`
	Factors        []Factor       `json:"factors"`
	EvaluatedAt    time.Time      `json:"evaluatedAt"`
	EvaluatedBy    string         `json:"evaluatedBy"`
}

// Resolution is the final decision applied to a dispute.
type Resolution struct {
	Outcome      Outcome   `json:"outcome"`
	RefundAmount int64     `json:"refundAmount"`
	ResolvedBy   string    `json:"resolvedBy"`
	Note         string    `json:"note,omitempty"`
	ResolvedAt   time.Time `json:"resolvedAt"`
}

// Dispute is one raised complaint against an order. At most one unresolved
// dispute exists per order.
type Dispute struct {
	ID         string      `json:"id"`
	OrderID    string      `json:"orderId"`
	RaisedBy   string      `json:"raisedBy"`
	Reason     string      `json:"reason"`
	Status     Status      `json:"status"`
	Evaluation *Evaluation `json:"evaluation,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (d *Dispute) Clone() *Dispute {
	cp := *d
	if d.Evaluation != nil {
		ev := *d.Evaluation
		ev.Factors = make([]Factor, len(d.Evaluation.Factors))
		copy(ev.Factors, d.Evaluation.Factors)
		cp.Evaluation = &ev
	}
	if d.Resolution != nil {
		res := *d.Resolution
		cp.Resolution = &res
	}
	return &cp
}
