package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLockManager(clock Clock) *LockManager {
	return NewLockManager(LockManagerConfig{
		TTL:            time.Minute,
		AcquireTimeout: 2 * time.Second,
		Clock:          clock,
	})
}

func TestSharedReadersCoexist(t *testing.T) {
	lm := newTestLockManager(nil)
	ctx := context.Background()

	_, err := lm.Acquire(ctx, "file.txt", LockRead, "task-1", 0)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, "file.txt", LockRead, "task-2", 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"task-1", "task-2"}, lm.HeldBy("file.txt"))
}

func TestUpgradeWaitsForOtherReaders(t *testing.T) {
	lm := newTestLockManager(nil)
	ctx := context.Background()

	_, err := lm.Acquire(ctx, "file.txt", LockRead, "task-1", 0)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, "file.txt", LockRead, "task-2", 0)
	require.NoError(t, err)

	// A reader cannot jump to write while another reader still holds.
	_, ok := lm.TryAcquire("file.txt", LockWrite, "task-1")
	assert.False(t, ok)
	_, ok = lm.TryAcquire("file.txt", LockExclusive, "task-1")
	assert.False(t, ok)

	upgraded := make(chan error, 1)
	go func() {
		_, err := lm.Acquire(ctx, "file.txt", LockWrite, "task-1", time.Second)
		upgraded <- err
	}()

	select {
	case err := <-upgraded:
		t.Fatalf("upgrade granted alongside another reader: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Once the other reader leaves, the sole holder's upgrade goes through.
	require.NoError(t, lm.Release("file.txt", "task-2"))
	require.NoError(t, <-upgraded)

	_, ok = lm.TryAcquire("file.txt", LockRead, "task-2")
	assert.False(t, ok, "write lock must exclude new readers after the upgrade")
}

func TestSoleHolderUpgradesImmediately(t *testing.T) {
	lm := newTestLockManager(nil)
	ctx := context.Background()

	_, err := lm.Acquire(ctx, "X", LockRead, "task-1", 0)
	require.NoError(t, err)

	lock, err := lm.Acquire(ctx, "X", LockWrite, "task-1", 0)
	require.NoError(t, err)
	assert.Equal(t, LockWrite, lock.Type)

	_, ok := lm.TryAcquire("X", LockRead, "task-2")
	assert.False(t, ok)
}

func TestReentryAtWeakerTypeSucceeds(t *testing.T) {
	lm := newTestLockManager(nil)
	ctx := context.Background()

	_, err := lm.Acquire(ctx, "X", LockWrite, "task-1", 0)
	require.NoError(t, err)

	// Re-entering at the same or a weaker type never blocks the holder.
	_, ok := lm.TryAcquire("X", LockRead, "task-1")
	assert.True(t, ok)
	_, ok = lm.TryAcquire("X", LockWrite, "task-1")
	assert.True(t, ok)
}

func TestWriteExcludesEverything(t *testing.T) {
	lm := newTestLockManager(nil)
	ctx := context.Background()

	_, err := lm.Acquire(ctx, "file.txt", LockWrite, "writer", 0)
	require.NoError(t, err)

	_, ok := lm.TryAcquire("file.txt", LockRead, "reader")
	assert.False(t, ok)
	_, ok = lm.TryAcquire("file.txt", LockWrite, "other-writer")
	assert.False(t, ok)
	_, ok = lm.TryAcquire("file.txt", LockExclusive, "excl")
	assert.False(t, ok)

	// Other resources are unaffected.
	_, ok = lm.TryAcquire("other.txt", LockWrite, "other-writer")
	assert.True(t, ok)
}

func TestExclusiveContention(t *testing.T) {
	lm := newTestLockManager(nil)
	ctx := context.Background()

	_, err := lm.Acquire(ctx, "X", LockExclusive, "task-1", 0)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		_, err := lm.Acquire(ctx, "X", LockExclusive, "task-2", time.Second)
		if err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second exclusive holder while the first still holds")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lm.Release("X", "task-1"))

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not promoted after release")
	}
	assert.Equal(t, []string{"task-2"}, lm.HeldBy("X"))
}

func TestWaitersGrantedInRequestOrder(t *testing.T) {
	lm := newTestLockManager(nil)
	ctx := context.Background()

	_, err := lm.Acquire(ctx, "X", LockWrite, "holder", 0)
	require.NoError(t, err)

	var mu sync.Mutex
	var grants []string
	var wg sync.WaitGroup
	for _, name := range []string{"w1", "w2", "w3"} {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := lm.Acquire(ctx, "X", LockWrite, name, time.Second); err == nil {
				mu.Lock()
				grants = append(grants, name)
				mu.Unlock()
				_ = lm.Release("X", name)
			}
		}()
		// Give each goroutine time to park so the queue order is fixed.
		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, lm.Release("X", "holder"))
	wg.Wait()

	assert.Equal(t, []string{"w1", "w2", "w3"}, grants)
}

func TestDeadlockRejectsNewestRequest(t *testing.T) {
	lm := newTestLockManager(nil)
	ctx := context.Background()

	var cycles [][]string
	lm.SetDeadlockHandler(func(cycle []string) {
		cycles = append(cycles, cycle)
	})

	// task-1 holds A, task-2 holds B.
	_, err := lm.Acquire(ctx, "A", LockWrite, "task-1", 0)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, "B", LockWrite, "task-2", 0)
	require.NoError(t, err)

	// task-1 parks waiting for B.
	waitErr := make(chan error, 1)
	go func() {
		_, err := lm.Acquire(ctx, "B", LockWrite, "task-1", time.Second)
		waitErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// task-2 asking for A closes the cycle and is rejected immediately.
	_, err = lm.Acquire(ctx, "A", LockWrite, "task-2", time.Second)
	assert.ErrorIs(t, err, ErrDeadlockDetected)
	require.Len(t, cycles, 1)

	// The earlier waiter is unharmed: releasing B lets it through.
	require.NoError(t, lm.Release("B", "task-2"))
	assert.NoError(t, <-waitErr)
}

func TestAcquireTimeout(t *testing.T) {
	lm := newTestLockManager(nil)
	ctx := context.Background()

	_, err := lm.Acquire(ctx, "X", LockWrite, "holder", 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = lm.Acquire(ctx, "X", LockWrite, "waiter", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// The abandoned waiter does not linger in the queue.
	require.NoError(t, lm.Release("X", "holder"))
	_, ok := lm.TryAcquire("X", LockWrite, "next")
	assert.True(t, ok)
}

func TestReleaseAllFor(t *testing.T) {
	lm := newTestLockManager(nil)
	ctx := context.Background()

	_, err := lm.Acquire(ctx, "A", LockWrite, "task-1", 0)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, "B", LockRead, "task-1", 0)
	require.NoError(t, err)

	assert.Equal(t, 2, lm.ReleaseAllFor("task-1"))
	assert.Empty(t, lm.Table())
	assert.Zero(t, lm.ReleaseAllFor("task-1"))
}

func TestExpireStaleForcesRelease(t *testing.T) {
	clock := NewFakeClock(time.Now())
	lm := newTestLockManager(clock)
	ctx := context.Background()

	_, err := lm.Acquire(ctx, "X", LockWrite, "slow-task", 0)
	require.NoError(t, err)

	assert.Empty(t, lm.ExpireStale())

	clock.Advance(2 * time.Minute)
	expired := lm.ExpireStale()
	require.Len(t, expired, 1)
	assert.Equal(t, "slow-task", expired[0].Holder)
	assert.Empty(t, lm.HeldBy("X"))
}

func TestReleaseErrors(t *testing.T) {
	lm := newTestLockManager(nil)
	assert.ErrorIs(t, lm.Release("X", "nobody"), ErrLockNotHeld)

	_, err := lm.Acquire(context.Background(), "X", LockWrite, "holder", 0)
	require.NoError(t, err)
	assert.ErrorIs(t, lm.Release("X", "someone-else"), ErrLockNotHeld)
}

func TestTableRoundTrip(t *testing.T) {
	clock := NewFakeClock(time.Now())
	lm := newTestLockManager(clock)
	ctx := context.Background()

	_, err := lm.Acquire(ctx, "A", LockWrite, "task-1", 0)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, "B", LockRead, "task-2", 0)
	require.NoError(t, err)

	table := lm.Table()
	require.Len(t, table, 2)

	fresh := newTestLockManager(clock)
	fresh.RestoreTable(table)
	assert.Equal(t, table, fresh.Table())
	assert.Equal(t, []string{"task-1"}, fresh.HeldBy("A"))
}
