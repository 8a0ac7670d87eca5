package dispute

import (
	"testing"
	"time"
)

func TestEvaluateIsDeterministic(t *testing.T) {
	in := Input{
		Reason:      "package damaged in transit",
		OrderAmount: 25000,
		Seller:      SellerStats{ReturnRate: 0.2, OpenDisputes: 1, LifetimeOrders: 50},
	}
	now := time.Now()

	first := Evaluate(in, "fin_1", now)
	second := Evaluate(in, "fin_1", now)
	if first.Score != second.Score || first.Recommendation != second.Recommendation {
		t.Errorf("non-deterministic evaluation: %+v vs %+v", first, second)
	}
	if len(first.Factors) != 4 {
		t.Errorf("expected 4 factors, got %d", len(first.Factors))
	}
}

func TestEvaluateScoreBounds(t *testing.T) {
	worst := Evaluate(Input{
		Reason:      "item not received",
		OrderAmount: 1_000_000,
		Seller:      SellerStats{ReturnRate: 1.0, OpenDisputes: 50, LifetimeOrders: 10},
	}, "fin_1", time.Now())
	if worst.Score < 0 || worst.Score > 1 {
		t.Errorf("score out of bounds: %f", worst.Score)
	}
	if worst.Recommendation != RecommendRefund {
		t.Errorf("expected favor_refund for worst case, got %s", worst.Recommendation)
	}

	best := Evaluate(Input{
		Reason:      "delivery was a bit late",
		OrderAmount: 500,
		Seller:      SellerStats{ReturnRate: 0, OpenDisputes: 0, LifetimeOrders: 1000},
	}, "fin_1", time.Now())
	if best.Recommendation != RecommendRelease {
		t.Errorf("expected favor_release for clean seller, got %s", best.Recommendation)
	}
}

func TestReasonSeverityClassification(t *testing.T) {
	cases := []struct {
		reason string
		want   float64
	}{
		{"Item NOT RECEIVED after 3 weeks", 1.0},
		{"arrived broken", 0.8},
		{"this is not as described at all", 0.6},
		{"shipment was delayed", 0.3},
		{"something else entirely", 0.4},
	}
	for _, c := range cases {
		if got := reasonSeverity(c.reason); got != c.want {
			t.Errorf("reasonSeverity(%q) = %f, want %f", c.reason, got, c.want)
		}
	}
}

func TestDisputeLoadScalesWithVolume(t *testing.T) {
	newSeller := disputeLoad(SellerStats{OpenDisputes: 2, LifetimeOrders: 5})
	established := disputeLoad(SellerStats{OpenDisputes: 2, LifetimeOrders: 1000})
	if newSeller <= established {
		t.Errorf("new seller should score higher: %f vs %f", newSeller, established)
	}
	if disputeLoad(SellerStats{OpenDisputes: 0, LifetimeOrders: 0}) != 0 {
		t.Error("zero disputes must score zero")
	}
}
