package escrow

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mquinn/marketsettle/internal/authz"
)

// DisputeChecker reports whether an order has an unresolved dispute. The
// sweeper skips such orders even if the account was somehow left armed.
type DisputeChecker interface {
	HasOpenDispute(ctx context.Context, orderID string) (bool, error)
}

// OrderCompleter finalizes an order after its escrow is auto-released.
// Implemented by the order machine.
type OrderCompleter interface {
	Complete(ctx context.Context, orderID string, act authz.Actor) error
}

// DefaultSweepInterval is how often the sweeper scans for expired holds.
const DefaultSweepInterval = 1 * time.Minute

const sweepBatchSize = 100

// Sweeper periodically releases escrow accounts whose hold window elapsed
// and completes the corresponding orders.
type Sweeper struct {
	service  *Service
	orders   OrderCompleter
	disputes DisputeChecker
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper. disputes may be nil when no dispute engine
// is wired.
func NewSweeper(service *Service, orders OrderCompleter, disputes DisputeChecker, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		service:  service,
		orders:   orders,
		disputes: disputes,
		interval: DefaultSweepInterval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	s.interval = d
	return s
}

// Start launches the background sweep loop. Safe to call once.
func (s *Sweeper) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	go s.loop()
	s.logger.Info("escrow release sweeper started", "interval", s.interval)
}

// Stop signals the loop to exit and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.logger.Info("escrow release sweeper stopped")
}

func (s *Sweeper) loop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeSweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("escrow sweep panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	released, err := s.Sweep(ctx, time.Now())
	if err != nil {
		s.logger.Error("escrow sweep failed", "error", err)
		return
	}
	if released > 0 {
		s.logger.Info("escrow sweep released expired holds", "count", released)
	}
}

// Sweep releases every due account once and returns how many were released.
// Exposed for tests and the manual admin trigger.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	due, err := s.service.store.ListDue(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	actor := authz.System()
	released := 0
	for _, a := range due {
		if s.disputes != nil {
			open, err := s.disputes.HasOpenDispute(ctx, a.OrderID)
			if err != nil {
				s.logger.Error("dispute check failed, skipping order", "orderId", a.OrderID, "error", err)
				continue
			}
			if open {
				continue
			}
		}

		if _, err := s.service.Release(ctx, a.OrderID, actor,
			WithReason("auto release: hold window elapsed")); err != nil {
			// A dispute may have frozen the account between listing and
			// locking; that is a skip, not a failure.
			s.logger.Warn("auto release skipped", "orderId", a.OrderID, "error", err)
			continue
		}
		released++

		if s.orders != nil {
			if err := s.orders.Complete(ctx, a.OrderID, actor); err != nil {
				s.logger.Error("order completion failed after auto release", "orderId", a.OrderID, "error", err)
			}
		}
	}
	return released, nil
}
