package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"conductor/log"
)

// LockType classifies a lock request.
type LockType int

const (
	// LockRead is a shared lock; any number of readers may hold it together.
	LockRead LockType = iota
	// LockWrite excludes all other holders on the same resource.
	LockWrite
	// LockExclusive behaves like LockWrite; kept distinct so callers can
	// express intent beyond file writes.
	LockExclusive
)

func (lt LockType) String() string {
	switch lt {
	case LockRead:
		return "read"
	case LockWrite:
		return "write"
	case LockExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

var (
	// ErrDeadlockDetected is returned when granting a request would close a
	// cycle in the wait-for graph. The newest request is the one rejected.
	ErrDeadlockDetected = errors.New("deadlock detected")
	// ErrLockTimeout is returned when a lock request waits past its timeout.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrLockNotHeld is returned when releasing a lock the holder does not own.
	ErrLockNotHeld = errors.New("lock not held")
)

// Lock is a granted lock on a named resource.
type Lock struct {
	Resource   string    `json:"resource"`
	Type       LockType  `json:"type"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// lockWaiter is one blocked acquire call, parked in FIFO order.
type lockWaiter struct {
	holder   string
	lockType LockType
	grantCh  chan *Lock
}

// resourceLocks is the per-resource lock state.
type resourceLocks struct {
	holders map[string]*Lock
	waiters []*lockWaiter
}

// LockManagerConfig holds configuration for the lock manager.
type LockManagerConfig struct {
	// TTL is the expiry deadline applied to granted locks. The expiry sweep
	// force-releases locks past it.
	TTL time.Duration
	// AcquireTimeout bounds how long Acquire blocks when no timeout is given.
	AcquireTimeout time.Duration
	Clock          Clock
}

// LockManager is the sole arbiter of access to named shared resources. It
// grants read/write/exclusive locks, parks incompatible requests in FIFO
// order, detects deadlock cycles in the wait-for graph before blocking, and
// force-releases locks past their expiry deadline.
type LockManager struct {
	mu        sync.Mutex
	resources map[string]*resourceLocks
	// waitingOn maps each parked holder to the resource it waits for. These
	// are the wait-for graph's forward edges.
	waitingOn map[string]string
	clock     Clock

	ttl            time.Duration
	acquireTimeout time.Duration

	// onDeadlock is notified with the holder cycle whenever a request is
	// rejected for deadlock. Set by the engine to surface the event.
	onDeadlock func(cycle []string)

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewLockManager creates a lock manager.
func NewLockManager(cfg LockManagerConfig) *LockManager {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	return &LockManager{
		resources:      make(map[string]*resourceLocks),
		waitingOn:      make(map[string]string),
		clock:          cfg.Clock,
		ttl:            cfg.TTL,
		acquireTimeout: cfg.AcquireTimeout,
		stopCh:         make(chan struct{}),
	}
}

// SetDeadlockHandler registers the callback invoked with the holder cycle on
// every rejected deadlock request.
func (lm *LockManager) SetDeadlockHandler(fn func(cycle []string)) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.onDeadlock = fn
}

// compatible reports whether a request of type t can coexist with the current
// holders of the resource. Only read-read is compatible between distinct
// holders. A holder re-entering at its current or a weaker type succeeds
// immediately; an upgrade (read to write/exclusive) is treated like a fresh
// request against the other holders, so it waits until the holder is alone.
func compatible(rl *resourceLocks, holder string, t LockType) bool {
	if held, ok := rl.holders[holder]; ok && held.Type >= t {
		return true
	}
	for h, l := range rl.holders {
		if h == holder {
			continue
		}
		if t != LockRead || l.Type != LockRead {
			return false
		}
	}
	return true
}

// Acquire grants a lock or blocks until it can, up to timeout (0 means the
// manager's default). It returns ErrDeadlockDetected without blocking when
// waiting would close a cycle in the wait-for graph.
func (lm *LockManager) Acquire(ctx context.Context, resource string, t LockType, holder string, timeout time.Duration) (*Lock, error) {
	if resource == "" || holder == "" {
		return nil, fmt.Errorf("resource and holder are required")
	}
	if timeout <= 0 {
		timeout = lm.acquireTimeout
	}

	lm.mu.Lock()
	rl, ok := lm.resources[resource]
	if !ok {
		rl = &resourceLocks{holders: make(map[string]*Lock)}
		lm.resources[resource] = rl
	}

	// FIFO fairness: a compatible request still waits behind earlier waiters.
	if len(rl.waiters) == 0 && compatible(rl, holder, t) {
		lock := lm.grantLocked(rl, resource, holder, t)
		lm.mu.Unlock()
		return lock, nil
	}

	if cycle := lm.wouldDeadlockLocked(resource, holder); cycle != nil {
		cb := lm.onDeadlock
		lm.mu.Unlock()
		log.WarningLog.Printf("lock request rejected, deadlock cycle: %v", cycle)
		if cb != nil {
			cb(cycle)
		}
		return nil, fmt.Errorf("%w: %s waiting on %s closes cycle %v", ErrDeadlockDetected, holder, resource, cycle)
	}

	w := &lockWaiter{holder: holder, lockType: t, grantCh: make(chan *Lock, 1)}
	rl.waiters = append(rl.waiters, w)
	lm.waitingOn[holder] = resource
	lm.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case lock := <-w.grantCh:
		return lock, nil
	case <-ctx.Done():
		lm.abandon(resource, w)
		return nil, ctx.Err()
	case <-timer.C:
		lm.abandon(resource, w)
		return nil, fmt.Errorf("%w: %s on %s after %v", ErrLockTimeout, holder, resource, timeout)
	case <-lm.stopCh:
		lm.abandon(resource, w)
		return nil, errors.New("lock manager stopped")
	}
}

// TryAcquire grants a lock only if it is immediately available.
func (lm *LockManager) TryAcquire(resource string, t LockType, holder string) (*Lock, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	rl, ok := lm.resources[resource]
	if !ok {
		rl = &resourceLocks{holders: make(map[string]*Lock)}
		lm.resources[resource] = rl
	}
	if len(rl.waiters) > 0 || !compatible(rl, holder, t) {
		return nil, false
	}
	return lm.grantLocked(rl, resource, holder, t), true
}

// grantLocked records holder as owning the resource. Callers must hold mu.
func (lm *LockManager) grantLocked(rl *resourceLocks, resource, holder string, t LockType) *Lock {
	if existing, ok := rl.holders[holder]; ok && existing.Type > t {
		// Re-entry at a weaker type never downgrades the held lock.
		t = existing.Type
	}
	now := lm.clock.Now()
	lock := &Lock{
		Resource:   resource,
		Type:       t,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(lm.ttl),
	}
	rl.holders[holder] = lock
	delete(lm.waitingOn, holder)
	return lock
}

// wouldDeadlockLocked checks whether parking holder behind resource closes a
// cycle in the wait-for graph. Edges run waiter -> resource holders; the
// tentative edge for the incoming request is injected before the DFS.
// Callers must hold mu.
func (lm *LockManager) wouldDeadlockLocked(resource, holder string) []string {
	edges := func(h string) []string {
		r, waiting := lm.waitingOn[h]
		if h == holder {
			r, waiting = resource, true
		}
		if !waiting {
			return nil
		}
		rl, ok := lm.resources[r]
		if !ok {
			return nil
		}
		out := make([]string, 0, len(rl.holders))
		for hh := range rl.holders {
			if hh != h {
				out = append(out, hh)
			}
		}
		sort.Strings(out)
		return out
	}

	marks := make(map[string]visitMark)
	return findCycle(holder, edges, marks)
}

// Release drops holder's lock on the resource and promotes eligible waiters
// in FIFO order.
func (lm *LockManager) Release(resource, holder string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	rl, ok := lm.resources[resource]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrLockNotHeld, holder, resource)
	}
	if _, held := rl.holders[holder]; !held {
		return fmt.Errorf("%w: %s on %s", ErrLockNotHeld, holder, resource)
	}
	delete(rl.holders, holder)
	lm.promoteLocked(resource, rl)
	return nil
}

// ReleaseAllFor drops every lock held by the holder and removes it from all
// wait queues. Used when a task finishes or its worker dies, so locks are
// never leaked.
func (lm *LockManager) ReleaseAllFor(holder string) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	released := 0
	for resource, rl := range lm.resources {
		if _, held := rl.holders[holder]; held {
			delete(rl.holders, holder)
			released++
		}
		for i, w := range rl.waiters {
			if w.holder == holder {
				rl.waiters = append(rl.waiters[:i], rl.waiters[i+1:]...)
				break
			}
		}
		lm.promoteLocked(resource, rl)
	}
	delete(lm.waitingOn, holder)
	return released
}

// promoteLocked grants queued waiters while the head of the queue is
// compatible with the current holders. Strict FIFO: an incompatible head
// blocks everyone behind it, which keeps writers from starving. Callers must
// hold mu.
func (lm *LockManager) promoteLocked(resource string, rl *resourceLocks) {
	for len(rl.waiters) > 0 {
		w := rl.waiters[0]
		if !compatible(rl, w.holder, w.lockType) {
			return
		}
		rl.waiters = rl.waiters[1:]
		lock := lm.grantLocked(rl, resource, w.holder, w.lockType)
		w.grantCh <- lock
	}
	if len(rl.holders) == 0 && len(rl.waiters) == 0 {
		delete(lm.resources, resource)
	}
}

// abandon removes a waiter that gave up (timeout or cancellation). A grant
// that raced the abandonment is handed back by releasing it.
func (lm *LockManager) abandon(resource string, w *lockWaiter) {
	lm.mu.Lock()

	rl, ok := lm.resources[resource]
	if ok {
		for i, cand := range rl.waiters {
			if cand == w {
				rl.waiters = append(rl.waiters[:i], rl.waiters[i+1:]...)
				break
			}
		}
	}
	delete(lm.waitingOn, w.holder)

	select {
	case <-w.grantCh:
		// Granted concurrently with the timeout; give it straight back.
		if rl != nil {
			delete(rl.holders, w.holder)
			lm.promoteLocked(resource, rl)
		}
	default:
	}
	lm.mu.Unlock()
}

// ExpireStale force-releases locks whose expiry deadline has passed and
// returns them. Promotion runs on every touched resource.
func (lm *LockManager) ExpireStale() []Lock {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.clock.Now()
	var expired []Lock
	for resource, rl := range lm.resources {
		changed := false
		for holder, l := range rl.holders {
			if now.After(l.ExpiresAt) {
				log.WarningLog.Printf("force-releasing expired %s lock on %s held by %s", l.Type, resource, holder)
				expired = append(expired, *l)
				delete(rl.holders, holder)
				changed = true
			}
		}
		if changed {
			lm.promoteLocked(resource, rl)
		}
	}
	return expired
}

// StartSweeper runs the expiry sweep on the given interval until Stop.
func (lm *LockManager) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-lm.stopCh:
				return
			case <-ticker.C:
				lm.ExpireStale()
			}
		}
	}()
}

// Table returns value copies of every held lock, sorted by resource then
// holder, for snapshots and the progress aggregator.
func (lm *LockManager) Table() []Lock {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var out []Lock
	for _, rl := range lm.resources {
		for _, l := range rl.holders {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Holder < out[j].Holder
	})
	return out
}

// RestoreTable replaces the held-lock table with the given locks. Waiters are
// not restored; parked acquire calls belong to goroutines that no longer
// exist after a rollback.
func (lm *LockManager) RestoreTable(locks []Lock) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.resources = make(map[string]*resourceLocks, len(locks))
	lm.waitingOn = make(map[string]string)
	for i := range locks {
		l := locks[i]
		rl, ok := lm.resources[l.Resource]
		if !ok {
			rl = &resourceLocks{holders: make(map[string]*Lock)}
			lm.resources[l.Resource] = rl
		}
		rl.holders[l.Holder] = &l
	}
}

// HeldBy returns the holders of the resource, sorted.
func (lm *LockManager) HeldBy(resource string) []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	rl, ok := lm.resources[resource]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rl.holders))
	for h := range rl.holders {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Stop wakes all parked acquire calls and stops the sweeper.
func (lm *LockManager) Stop() {
	lm.mu.Lock()
	if !lm.stopped {
		lm.stopped = true
		close(lm.stopCh)
	}
	lm.mu.Unlock()
	lm.wg.Wait()
}
