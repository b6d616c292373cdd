package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conductor/log"
)

var (
	// ErrQueueStopped is returned by Dequeue after Stop.
	ErrQueueStopped = errors.New("task queue stopped")
	// ErrTaskExists is returned when enqueueing a duplicate task ID.
	ErrTaskExists = errors.New("task already exists")
	// ErrTaskNotFound is returned for lookups of unknown task IDs.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotCancellable is returned when cancelling a task in a terminal state.
	ErrNotCancellable = errors.New("task is not cancellable")
)

// RequeueReason explains why a task went back to the queue.
type RequeueReason string

const (
	RequeueFailure      RequeueReason = "failure"
	RequeueTimeout      RequeueReason = "timeout"
	RequeueWorkerLost   RequeueReason = "worker_lost"
	RequeueLockConflict RequeueReason = "lock_conflict"
)

// TaskQueueConfig holds configuration for the task queue.
type TaskQueueConfig struct {
	DefaultTimeout time.Duration
	// MaxRetries is the default per-task retry budget. Zero picks the
	// built-in default of 2; RetryNever disables retries.
	MaxRetries int
	Backoff    BackoffStrategy
	Clock      Clock
}

// TaskQueue holds submitted tasks, orders eligible ones by the active
// scheduling strategy, and owns the retry/timeout/blocked-cascade state
// transitions. Eligibility is delegated to the dependency graph.
type TaskQueue struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	graph    *DependencyGraph
	strategy Strategy
	backoff  BackoffStrategy
	clock    Clock
	seq      uint64

	defaultTimeout time.Duration
	maxRetries     int

	notify  chan struct{}
	stopCh  chan struct{}
	stopped bool

	// onTerminal is invoked (outside the queue lock) whenever a task reaches
	// a terminal state. Set by the engine.
	onTerminal func(t *Task)
}

// NewTaskQueue creates a task queue using the given strategy and dependency
// graph. The graph is shared with the engine; the queue only reads it.
func NewTaskQueue(cfg TaskQueueConfig, strategy Strategy, graph *DependencyGraph) *TaskQueue {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	cfg.MaxRetries = resolveRetries(cfg.MaxRetries, 2)
	if cfg.Backoff == nil {
		cfg.Backoff = NewExponentialBackoff()
	}
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}

	return &TaskQueue{
		tasks:          make(map[string]*Task),
		graph:          graph,
		strategy:       strategy,
		backoff:        cfg.Backoff,
		clock:          cfg.Clock,
		defaultTimeout: cfg.DefaultTimeout,
		maxRetries:     cfg.MaxRetries,
		notify:         make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
	}
}

// SetTerminalHandler registers the callback invoked when a task reaches a
// terminal state. Must be called before the queue is used.
func (tq *TaskQueue) SetTerminalHandler(fn func(t *Task)) {
	tq.onTerminal = fn
}

// SetStrategy swaps the active scheduling strategy.
func (tq *TaskQueue) SetStrategy(s Strategy) {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	tq.strategy = s
}

// StrategyName returns the active strategy's name.
func (tq *TaskQueue) StrategyName() StrategyName {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return tq.strategy.Name()
}

// Enqueue adds a task built from the given spec. The caller is responsible
// for having validated the dependency graph beforehand.
func (tq *TaskQueue) Enqueue(spec TaskSpec) (*Task, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("task ID cannot be empty")
	}

	tq.mu.Lock()
	defer tq.mu.Unlock()

	if _, exists := tq.tasks[spec.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, spec.ID)
	}

	task := newTask(spec, tq.defaultTimeout, tq.maxRetries)
	tq.seq++
	task.seq = tq.seq
	task.EnqueuedAt = tq.clock.Now()
	tq.tasks[task.ID] = task

	tq.signal()
	c := *task
	return &c, nil
}

// signal wakes one blocked Dequeue. Callers may hold mu.
func (tq *TaskQueue) signal() {
	select {
	case tq.notify <- struct{}{}:
	default:
	}
}

// Dequeue blocks until an eligible task exists, then returns the one selected
// by the active strategy. It returns ErrQueueStopped after Stop, or the
// context error on cancellation.
func (tq *TaskQueue) Dequeue(ctx context.Context, pool PoolState) (*Task, error) {
	for {
		if task := tq.tryDequeue(pool); task != nil {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tq.stopCh:
			return nil, ErrQueueStopped
		case <-tq.notify:
		case <-time.After(50 * time.Millisecond):
			// Re-check periodically so retry backoff expiry is noticed.
		}
	}
}

// TryDequeue returns a copy of the next eligible task without blocking, or
// nil.
func (tq *TaskQueue) TryDequeue(pool PoolState) *Task {
	return tq.tryDequeue(pool)
}

func (tq *TaskQueue) tryDequeue(pool PoolState) *Task {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	now := tq.clock.Now()
	eligibleIDs := tq.graph.Eligible(
		func(id string) bool {
			t, ok := tq.tasks[id]
			return ok && t.Status == TaskStatusSucceeded
		},
		func(id string) bool {
			t, ok := tq.tasks[id]
			if !ok || t.dispatched {
				return false
			}
			switch t.Status {
			case TaskStatusQueued:
				return true
			case TaskStatusRetrying:
				return t.NextRetryAt == nil || !now.Before(*t.NextRetryAt)
			default:
				return false
			}
		},
	)
	if len(eligibleIDs) == 0 {
		return nil
	}

	eligible := make([]*Task, 0, len(eligibleIDs))
	for _, id := range eligibleIDs {
		eligible = append(eligible, tq.tasks[id])
	}

	task := tq.strategy.SelectNext(eligible, pool)
	if task == nil {
		return nil
	}
	task.dispatched = true
	c := *task
	return &c
}

// MarkRunning records that a task started executing on a worker. It reports
// false when the task no longer exists or left the dispatchable states in the
// meantime, e.g. cancelled between selection and dispatch; the caller must not
// run it then.
func (tq *TaskQueue) MarkRunning(id, workerID string) bool {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	task, ok := tq.tasks[id]
	if !ok {
		return false
	}
	switch task.Status {
	case TaskStatusQueued, TaskStatusRetrying:
	default:
		return false
	}
	now := tq.clock.Now()
	task.Status = TaskStatusRunning
	task.StartedAt = &now
	task.WorkerID = workerID
	return true
}

// MarkSucceeded transitions a task to succeeded and wakes waiters whose
// dependencies may now be satisfied.
func (tq *TaskQueue) MarkSucceeded(id string) *Task {
	tq.mu.Lock()

	task, ok := tq.tasks[id]
	if !ok {
		tq.mu.Unlock()
		return nil
	}
	now := tq.clock.Now()
	task.Status = TaskStatusSucceeded
	task.CompletedAt = &now
	task.WorkerID = ""
	task.dispatched = false
	c := *task
	tq.signal()
	tq.mu.Unlock()

	if tq.onTerminal != nil {
		tq.onTerminal(&c)
	}
	return &c
}

// Requeue routes a failed or timed-out task back through the retry path. If
// the retry limit is exhausted the task becomes terminally failed and all its
// dependents transition to blocked.
func (tq *TaskQueue) Requeue(id string, reason RequeueReason, taskErr error) *Task {
	tq.mu.Lock()

	task, ok := tq.tasks[id]
	if !ok {
		tq.mu.Unlock()
		return nil
	}
	if taskErr != nil {
		task.LastError = taskErr.Error()
	}
	task.WorkerID = ""
	task.dispatched = false

	if task.RetryCount >= task.MaxRetries {
		terminal := tq.failLocked(task)
		c := *task
		tq.mu.Unlock()
		tq.reportTerminal(terminal)
		return &c
	}

	task.RetryCount++
	task.Status = TaskStatusRetrying
	task.StartedAt = nil
	delay := tq.backoff.NextDelay(task.RetryCount - 1)
	next := tq.clock.Now().Add(delay)
	task.NextRetryAt = &next

	log.InfoLog.Printf("requeued task %s (%s, attempt %d/%d, retry in %v)",
		task.ID, reason, task.RetryCount+1, task.MaxRetries+1, delay)

	c := *task
	tq.signal()
	tq.mu.Unlock()
	return &c
}

// failLocked marks a task failed and cascades blocked status to its
// dependents. Returns value copies of the tasks that reached a terminal
// state, safe to hand to the terminal callback after mu is dropped. Callers
// must hold mu.
func (tq *TaskQueue) failLocked(task *Task) []*Task {
	now := tq.clock.Now()
	task.Status = TaskStatusFailed
	task.CompletedAt = &now

	log.WarningLog.Printf("task %s failed after %d retries: %s", task.ID, task.RetryCount, task.LastError)

	c := *task
	terminal := []*Task{&c}
	return append(terminal, tq.blockDependentsLocked(task.ID)...)
}

// blockDependentsLocked transitions every non-terminal dependent of id to
// blocked, exactly once. Callers must hold mu.
func (tq *TaskQueue) blockDependentsLocked(id string) []*Task {
	var blocked []*Task
	for _, depID := range tq.graph.TransitiveDependents(id) {
		dep, ok := tq.tasks[depID]
		if !ok {
			continue
		}
		switch dep.Status {
		case TaskStatusQueued, TaskStatusRetrying:
			now := tq.clock.Now()
			dep.Status = TaskStatusBlocked
			dep.CompletedAt = &now
			c := *dep
			blocked = append(blocked, &c)
		}
	}
	return blocked
}

func (tq *TaskQueue) reportTerminal(tasks []*Task) {
	if tq.onTerminal == nil {
		return
	}
	for _, t := range tasks {
		tq.onTerminal(t)
	}
}

// MarkTimedOut scans running tasks that exceeded their timeout and returns
// their IDs. The engine force-frees the worker slot and routes each through
// Requeue.
func (tq *TaskQueue) MarkTimedOut() []string {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	now := tq.clock.Now()
	var out []string
	for id, task := range tq.tasks {
		if task.Status != TaskStatusRunning || task.StartedAt == nil {
			continue
		}
		if now.Sub(*task.StartedAt) > task.Timeout {
			out = append(out, id)
		}
	}
	return out
}

// Cancel cancels a queued or retrying task immediately. Running tasks must be
// cancelled through the engine, which signals the worker first. Dependents of
// a cancelled task become blocked since their dependency can never succeed.
func (tq *TaskQueue) Cancel(id string) error {
	tq.mu.Lock()

	task, ok := tq.tasks[id]
	if !ok {
		tq.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch task.Status {
	case TaskStatusQueued, TaskStatusRetrying, TaskStatusBlocked:
	default:
		tq.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, task.Status)
	}

	terminal := tq.cancelLocked(task)
	tq.mu.Unlock()
	tq.reportTerminal(terminal)
	return nil
}

// MarkCancelled records a running task as cancelled. Used by the engine after
// the cooperative cancellation signal is acknowledged or the grace period
// expires.
func (tq *TaskQueue) MarkCancelled(id string) {
	tq.mu.Lock()

	task, ok := tq.tasks[id]
	if !ok {
		tq.mu.Unlock()
		return
	}
	terminal := tq.cancelLocked(task)
	tq.mu.Unlock()
	tq.reportTerminal(terminal)
}

func (tq *TaskQueue) cancelLocked(task *Task) []*Task {
	now := tq.clock.Now()
	task.Status = TaskStatusCancelled
	task.CompletedAt = &now
	task.WorkerID = ""
	task.dispatched = false

	c := *task
	terminal := []*Task{&c}
	return append(terminal, tq.blockDependentsLocked(task.ID)...)
}

// Get returns a value copy of the task with the given ID. Callers never see
// the live record; all mutation goes through the queue's transition methods.
func (tq *TaskQueue) Get(id string) (*Task, error) {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	task, ok := tq.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	c := *task
	return &c, nil
}

// Snapshot returns value copies of every task, for state capture and the
// progress aggregator.
func (tq *TaskQueue) Snapshot() []Task {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	out := make([]Task, 0, len(tq.tasks))
	for _, t := range tq.tasks {
		out = append(out, *t)
	}
	return out
}

// Restore replaces the queue contents with the given tasks. Used by the
// snapshot manager's rollback path.
func (tq *TaskQueue) Restore(tasks []Task) {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	tq.tasks = make(map[string]*Task, len(tasks))
	for i := range tasks {
		t := tasks[i]
		t.dispatched = t.Status == TaskStatusRunning
		tq.tasks[t.ID] = &t
		if t.seq > tq.seq {
			tq.seq = t.seq
		}
	}
	tq.signal()
}

// StatusCounts returns the number of tasks per status.
func (tq *TaskQueue) StatusCounts() map[TaskStatus]int {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	counts := make(map[TaskStatus]int)
	for _, t := range tq.tasks {
		counts[t.Status]++
	}
	return counts
}

// PendingTasks returns copies of tasks that still need to run.
func (tq *TaskQueue) PendingTasks() []*Task {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	var out []*Task
	for _, t := range tq.tasks {
		switch t.Status {
		case TaskStatusQueued, TaskStatusRetrying:
			c := *t
			out = append(out, &c)
		}
	}
	return out
}

// Drained reports whether every task is in a terminal or blocked state.
func (tq *TaskQueue) Drained() bool {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	for _, t := range tq.tasks {
		if !t.Status.Terminal() && t.Status != TaskStatusBlocked {
			return false
		}
	}
	return true
}

// ClearCompleted removes terminal tasks from the queue and graph, returning
// how many were removed.
func (tq *TaskQueue) ClearCompleted() int {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	count := 0
	for id, task := range tq.tasks {
		if task.Status.Terminal() {
			delete(tq.tasks, id)
			tq.graph.Remove(id)
			count++
		}
	}
	return count
}

// Stop wakes all blocked Dequeue callers with ErrQueueStopped.
func (tq *TaskQueue) Stop() {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if !tq.stopped {
		tq.stopped = true
		close(tq.stopCh)
	}
}
