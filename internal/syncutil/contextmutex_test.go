package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLockContextSerializesSameKey(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	var counter int
	var wg sync.WaitGroup
	const n = 64

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "ord_contended")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			counter++ // safe only if the lock actually excludes
			unlock()
		}()
	}
	wg.Wait()

	if counter != n {
		t.Fatalf("expected %d, got %d", n, counter)
	}
}

func TestLockContextHonorsCancellation(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "ord_held")
	if err != nil {
		t.Fatalf("initial lock failed: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := m.LockContext(ctx, "ord_held"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded while waiting on a held lock, got %v", err)
	}
}

func TestUnlockHandsOffToWaiter(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "ord_relay")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "ord_relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired lock while it was held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired lock after release")
	}
}
