package health

import (
	"context"
	"testing"
)

func TestEmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy || len(statuses) != 0 {
		t.Fatalf("empty registry: healthy=%v, %d statuses", healthy, len(statuses))
	}
}

func TestCheckAllAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("broker", func(context.Context) Status {
		return Status{Name: "broker", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("one failing checker must mark the aggregate unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Errorf("detail not propagated: %+v", statuses[1])
	}
}
