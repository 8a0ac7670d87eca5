package dispute

import (
	"context"
	"strings"
	"time"
)

// SellerStats are the aggregate signals about a seller used by the rule
// engine.
type SellerStats struct {
	ReturnRate     float64
	OpenDisputes   int
	LifetimeOrders int
}

// SignalProvider supplies seller statistics. Backed by the order and dispute
// tables in postgres mode; tests and demo mode use StaticSignals.
type SignalProvider interface {
	Stats(ctx context.Context, sellerID string) (SellerStats, error)
}

// StaticSignals is a fixed map of seller stats.
type StaticSignals map[string]SellerStats

func (s StaticSignals) Stats(_ context.Context, sellerID string) (SellerStats, error) {
	return s[sellerID], nil
}

// Rule engine weights. They sum to 1 so the score stays in [0, 1].
const (
	weightReturnRate   = 0.35
	weightOpenDisputes = 0.25
	weightReason       = 0.25
	weightAmount       = 0.15
)

// Recommendation thresholds on the weighted score.
const (
	refundThreshold  = 0.65
	releaseThreshold = 0.35
)

// largeOrderAmount is the minor-unit amount above which order size maxes its
// factor; big-ticket disputes lean toward manual review.
const largeOrderAmount int64 = 100_000

// Input is everything the rule engine considers for one dispute.
type Input struct {
	Reason      string
	OrderAmount int64
	Seller      SellerStats
}

// Evaluate runs the weighted rule engine. It is pure and deterministic:
// identical input always yields an identical evaluation.
func Evaluate(in Input, evaluatedBy string, now time.Time) *Evaluation {
	factors := []Factor{
		{Name: "seller_return_rate", Value: clamp01(in.Seller.ReturnRate), Weight: weightReturnRate},
		{Name: "seller_open_disputes", Value: disputeLoad(in.Seller), Weight: weightOpenDisputes},
		{Name: "reason_severity", Value: reasonSeverity(in.Reason), Weight: weightReason},
		{Name: "order_amount", Value: amountFactor(in.OrderAmount), Weight: weightAmount},
	}

	var score float64
	for _, f := range factors {
		score += f.Value * f.Weight
	}

	rec := RecommendManual
	switch {
	case score >= refundThreshold:
		rec = RecommendRefund
	case score <= releaseThreshold:
		rec = RecommendRelease
	}

	return &Evaluation{
		Score:          score,
		Recommendation: rec,
		Factors:        factors,
		EvaluatedAt:    now,
		EvaluatedBy:    evaluatedBy,
	}
}

// disputeLoad scales open disputes against the seller's volume. A new seller
// with any open dispute scores high; an established seller absorbs a few.
func disputeLoad(s SellerStats) float64 {
	if s.OpenDisputes == 0 {
		return 0
	}
	orders := s.LifetimeOrders
	if orders < 10 {
		orders = 10
	}
	return clamp01(float64(s.OpenDisputes) * 10 / float64(orders))
}

// reasonSeverity classifies the buyer's stated reason. Non-delivery is the
// strongest signal; vague complaints the weakest.
func reasonSeverity(reason string) float64 {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "not received"), strings.Contains(r, "never arrived"),
		strings.Contains(r, "not delivered"):
		return 1.0
	case strings.Contains(r, "damaged"), strings.Contains(r, "broken"),
		strings.Contains(r, "defective"):
		return 0.8
	case strings.Contains(r, "not as described"), strings.Contains(r, "wrong item"),
		strings.Contains(r, "counterfeit"):
		return 0.6
	case strings.Contains(r, "late"), strings.Contains(r, "delayed"):
		return 0.3
	default:
		return 0.4
	}
}

func amountFactor(amount int64) float64 {
	if amount <= 0 {
		return 0
	}
	return clamp01(float64(amount) / float64(largeOrderAmount))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
