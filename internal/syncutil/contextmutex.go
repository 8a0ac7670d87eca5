// Package syncutil provides the keyed locking primitive the settlement
// engine uses to serialize money movement per order.
package syncutil

import (
	"context"
	"hash/fnv"
)

// lockShards is the fixed number of mutexes backing a ContextShardedMutex.
// Keys hash onto shards, so two distinct order IDs may share one; that only
// widens serialization, never narrows it.
const lockShards = 256

// ContextShardedMutex serializes operations per string key with a bounded
// wait. Each shard is a channel-based mutex, so acquisition can select
// against the caller's context and give up when a deadline elapses instead
// of queueing behind a slow settlement forever.
type ContextShardedMutex struct {
	shards [lockShards]chan struct{}
}

// NewContextShardedMutex creates the pool with every shard unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the shard for key. On success it returns an unlock
// function the caller must invoke exactly once. On cancellation it returns
// the context error and no lock is held.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockShards
}
