package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"conductor/log"
)

// coordinatorInbox is the bus address workers report finished attempts to.
const coordinatorInbox = "coordinator"

// ErrEngineStopped is returned for operations on a stopped engine.
var ErrEngineStopped = errors.New("engine stopped")

// Options configures a new engine. Zero values fall back to defaults.
type Options struct {
	Workers          int
	MinWorkers       int
	MaxWorkers       int
	Strategy         string
	AutoScaling      bool
	LockTimeout time.Duration
	TaskTimeout time.Duration
	// MaxRetries is the default retry budget per task. Zero means 2;
	// RetryNever disables retries for tasks that do not set their own.
	MaxRetries       int
	SnapshotInterval time.Duration
	SnapshotDir      string
	CancelGrace      time.Duration
	Execute          ExecuteFunc
	Clock            Clock
}

// Engine is the coordinator. It owns the dependency graph, task queue,
// worker pool, lock manager, and the cross-cutting services, and is the only
// component allowed to mutate shared scheduling state. Execution callbacks
// see tasks, never the internals.
type Engine struct {
	opts Options

	clock     Clock
	graph     *DependencyGraph
	queue     *TaskQueue
	pool      *WorkerPool
	locks     *LockManager
	conflicts *ConflictResolver
	snapshots *SnapshotManager
	bus       *MessageBus
	health    *HealthMonitor
	scaler    *AutoScaler
	monitor   *ResourceMonitor
	estimator *TimeEstimator
	progress  *ProgressAggregator
	events    *EventStream
	metrics   *Metrics

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	cancelMu        sync.Mutex
	cancelRequested map[string]struct{}
}

// New assembles an engine from the given options.
func New(opts Options) (*Engine, error) {
	if opts.Execute == nil {
		return nil, fmt.Errorf("an execute callback is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.MinWorkers <= 0 {
		opts.MinWorkers = 1
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 10
	}
	if opts.Workers > opts.MaxWorkers {
		opts.Workers = opts.MaxWorkers
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 60 * time.Second
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 5 * time.Minute
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 60 * time.Second
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = NewRealClock()
	}

	e := &Engine{
		opts:            opts,
		clock:           opts.Clock,
		graph:           NewDependencyGraph(),
		estimator:       NewTimeEstimator(),
		metrics:         NewMetrics(),
		events:          NewEventStream(opts.Clock),
		cancelRequested: make(map[string]struct{}),
	}

	strategy, err := NewStrategy(StrategyName(opts.Strategy), e.estimator, e.graph)
	if err != nil {
		return nil, err
	}
	e.queue = NewTaskQueue(TaskQueueConfig{
		DefaultTimeout: opts.TaskTimeout,
		MaxRetries:     opts.MaxRetries,
		Clock:          opts.Clock,
	}, strategy, e.graph)
	e.queue.SetTerminalHandler(e.onTaskTerminal)

	e.pool = NewWorkerPool(WorkerPoolConfig{
		Size:        opts.Workers,
		MaxSize:     opts.MaxWorkers,
		Execute:     opts.Execute,
		Clock:       opts.Clock,
		CancelGrace: opts.CancelGrace,
		// Busy workers beat through the pool; forward those beats so the
		// health monitor does not mistake a long-running task for a hang.
		OnBeat: func(workerID string) { e.health.Heartbeat(workerID) },
	})

	e.locks = NewLockManager(LockManagerConfig{
		TTL:   opts.LockTimeout,
		Clock: opts.Clock,
	})
	e.conflicts = NewConflictResolver(opts.Clock)
	e.conflicts.SetDetectHandler(func(c Conflict) {
		e.metrics.ConflictDetected()
		e.events.Publish(Event{
			Type:    EventConflict,
			Message: fmt.Sprintf("%s between %v", c.Resource, c.Writers),
		})
	})
	e.locks.SetDeadlockHandler(func(cycle []string) {
		e.conflicts.RecordDeadlock(cycle)
		e.metrics.DeadlockDetected()
		e.events.Publish(Event{Type: EventDeadlock, Message: fmt.Sprintf("cycle %v", cycle)})
	})

	e.snapshots = NewSnapshotManager(SnapshotManagerConfig{
		ArchiveDir: opts.SnapshotDir,
		Clock:      opts.Clock,
	})

	e.bus = NewMessageBus(MessageBusConfig{Clock: opts.Clock})
	e.bus.Subscribe(coordinatorInbox, e.consumeResult)

	e.health = NewHealthMonitor(HealthMonitorConfig{Clock: opts.Clock}, e)
	for _, w := range e.pool.Workers() {
		e.health.Track(w.ID)
	}

	e.scaler = NewAutoScaler(AutoScalerConfig{
		MinWorkers: opts.MinWorkers,
		MaxWorkers: opts.MaxWorkers,
		Clock:      opts.Clock,
	})

	e.monitor = NewResourceMonitor(ResourceMonitorConfig{Clock: opts.Clock})
	e.monitor.SetAlertHandler(func(a ResourceAlert) {
		e.events.Publish(Event{
			Type:    EventAlert,
			Message: fmt.Sprintf("%s at %.1f%% (%s)", a.Metric, a.Value, a.Level),
		})
	})

	e.progress = NewProgressAggregator(
		e.queue, e.pool, e.locks, e.estimator, e.health, e.monitor, e.conflicts, opts.Clock,
	)

	return e, nil
}

// Submit validates and enqueues a batch of task specs. The whole batch is
// rejected on a dependency cycle or an unknown dependency; no task from a
// rejected batch is retained.
func (e *Engine) Submit(specs []TaskSpec) error {
	// Serialized: a failed batch rolls its graph nodes back, which must not
	// interleave with another batch claiming the same IDs.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}

	// Duplicates are rejected before the graph is touched: re-adding an
	// existing ID would overwrite its dependency edges, and rolling the batch
	// back must never remove nodes that belong to earlier submissions.
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return fmt.Errorf("task ID cannot be empty")
		}
		if _, dup := seen[spec.ID]; dup {
			return fmt.Errorf("%w: %s", ErrTaskExists, spec.ID)
		}
		seen[spec.ID] = struct{}{}
		if _, err := e.queue.Get(spec.ID); err == nil {
			return fmt.Errorf("%w: %s", ErrTaskExists, spec.ID)
		}
	}

	rollback := func() {
		for _, spec := range specs {
			e.graph.Remove(spec.ID)
		}
	}

	for _, spec := range specs {
		e.graph.Add(spec.ID, spec.DependsOn)
	}
	if err := e.graph.Validate(); err != nil {
		rollback()
		return err
	}

	enqueued := make([]string, 0, len(specs))
	for _, spec := range specs {
		if _, err := e.queue.Enqueue(spec); err != nil {
			for _, id := range enqueued {
				_ = e.queue.Cancel(id)
			}
			rollback()
			return err
		}
		enqueued = append(enqueued, spec.ID)
		e.events.Publish(Event{Type: EventTaskSubmitted, TaskID: spec.ID})
	}
	log.InfoLog.Printf("accepted %d tasks", len(specs))
	return nil
}

// Start launches the dispatch loop and the background services.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}
	if e.stopped {
		return ErrEngineStopped
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.dispatchLoop(ctx)
	e.wg.Add(1)
	go e.housekeepingLoop(ctx)

	e.locks.StartSweeper(10 * time.Second)
	e.health.StartLoop(15 * time.Second)
	e.monitor.Start()

	log.InfoLog.Printf("engine started with %d workers, strategy %s", e.pool.Size(), e.queue.StrategyName())
	return nil
}

// dispatchLoop pairs idle workers with eligible tasks. A worker slot is
// acquired before a task is dequeued, so running tasks never exceed the pool
// size.
func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		worker, err := e.pool.Acquire(ctx)
		if err != nil {
			return
		}

		task, err := e.queue.Dequeue(ctx, e.poolState())
		if err != nil {
			e.pool.Release(worker)
			return
		}

		if !e.queue.MarkRunning(task.ID, worker.ID) {
			// Cancelled or otherwise settled between selection and dispatch.
			e.pool.Release(worker)
			continue
		}
		if snap, err := e.queue.Get(task.ID); err == nil {
			task = snap
		}
		e.health.Track(worker.ID)
		e.health.Heartbeat(worker.ID)
		e.events.Publish(Event{Type: EventTaskStarted, TaskID: task.ID, WorkerID: worker.ID})
		w := worker
		e.pool.Run(worker, task, func(t *Task, res Result) {
			e.reportResult(w.ID, t, res)
		})
	}
}

// resultEnvelope is the bus payload a worker reports one finished attempt
// with. The error is flattened to text; the timeout flag survives the trip so
// the requeue reason does not depend on re-parsing it.
type resultEnvelope struct {
	TaskID   string   `json:"task_id"`
	Success  bool     `json:"success"`
	Output   string   `json:"output,omitempty"`
	Error    string   `json:"error,omitempty"`
	TimedOut bool     `json:"timed_out,omitempty"`
	Priority Priority `json:"priority"`
}

func encodeResult(task *Task, res Result) resultEnvelope {
	env := resultEnvelope{
		TaskID:   task.ID,
		Success:  res.Success,
		Output:   res.Output,
		Priority: task.Priority,
	}
	if res.Err != nil {
		env.Error = res.Err.Error()
		env.TimedOut = errors.Is(res.Err, context.DeadlineExceeded)
	}
	return env
}

func (env resultEnvelope) result() Result {
	res := Result{Success: env.Success, Output: env.Output}
	switch {
	case env.TimedOut:
		res.Err = context.DeadlineExceeded
	case env.Error != "":
		res.Err = errors.New(env.Error)
	}
	return res
}

// reportResult sends one finished attempt to the coordinator inbox. Results of
// high-priority tasks are drained first. If the bus is already stopped the
// result is settled in place so no task is stranded running.
func (e *Engine) reportResult(workerID string, task *Task, res Result) {
	env := encodeResult(task, res)
	payload, err := json.Marshal(env)
	if err != nil {
		e.handleResult(task.ID, res)
		return
	}
	msg := Message{
		Sender:    workerID,
		Recipient: coordinatorInbox,
		Priority:  env.Priority,
		Payload:   string(payload),
	}
	if err := e.bus.Send(msg); err != nil {
		e.handleResult(task.ID, res)
	}
}

// consumeResult is the coordinator's bus handler.
func (e *Engine) consumeResult(msg Message) {
	var env resultEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		log.ErrorLog.Printf("dropping malformed result message from %s: %v", msg.Sender, err)
		return
	}
	e.handleResult(env.TaskID, env.result())
}

// poolState builds the scheduler's view of the pool.
func (e *Engine) poolState() PoolState {
	return e.pool.State(func(taskID string) string {
		t, err := e.queue.Get(taskID)
		if err != nil {
			return ""
		}
		return t.Category
	})
}

// handleResult routes one finished execution attempt.
func (e *Engine) handleResult(taskID string, res Result) {
	current, err := e.queue.Get(taskID)
	if err != nil {
		return
	}
	// A task the engine already recovered (timeout, reassignment,
	// cancellation) is not double-settled by a late worker goroutine.
	if current.Status != TaskStatusRunning {
		return
	}

	workerID := current.WorkerID
	released := e.locks.ReleaseAllFor(taskID)
	if released > 0 {
		log.WarningLog.Printf("task %s leaked %d locks, force-released", taskID, released)
	}

	// A pending cancellation overrides the attempt's outcome: the task
	// settles as cancelled, never retried.
	if e.takeCancelRequest(taskID) {
		e.queue.MarkCancelled(taskID)
		return
	}

	if res.Success {
		if current.StartedAt != nil {
			d := e.clock.Since(*current.StartedAt)
			e.estimator.Record(current.Category, d)
			e.metrics.ObserveTaskDuration(current.Category, d)
		}
		e.queue.MarkSucceeded(taskID)
		e.health.ReportSuccess(workerID)
		return
	}

	e.health.ReportError(workerID)
	e.metrics.TaskRetried()
	reason := RequeueFailure
	if res.Err != nil && errors.Is(res.Err, context.DeadlineExceeded) {
		reason = RequeueTimeout
	}
	e.queue.Requeue(taskID, reason, res.Err)
	if t, err := e.queue.Get(taskID); err == nil && t.Status == TaskStatusRetrying {
		e.events.Publish(Event{Type: EventTaskRetrying, TaskID: taskID})
	}
}

// onTaskTerminal publishes terminal transitions and updates metrics. Invoked
// by the queue exactly once per terminal task.
func (e *Engine) onTaskTerminal(t *Task) {
	e.metrics.TaskCompleted(t.Status)
	switch t.Status {
	case TaskStatusSucceeded:
		e.events.Publish(Event{Type: EventTaskSucceeded, TaskID: t.ID})
	case TaskStatusFailed:
		e.events.Publish(Event{Type: EventTaskFailed, TaskID: t.ID, Message: t.LastError})
	case TaskStatusCancelled:
		e.events.Publish(Event{Type: EventTaskCancelled, TaskID: t.ID})
	}
	if t.Status == TaskStatusBlocked {
		e.events.Publish(Event{Type: EventTaskBlocked, TaskID: t.ID})
	}
}

// housekeepingLoop runs the periodic sweeps: task timeouts, auto-scaling,
// snapshots, and gauge refreshes.
func (e *Engine) housekeepingLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastSnapshot := e.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Idle workers have no beat loop of their own; the coordinator vouches
		// for them so only genuinely wedged busy workers trip the ladder.
		for _, w := range e.pool.Workers() {
			if w.Status == WorkerIdle {
				e.health.Heartbeat(w.ID)
			}
		}

		for _, id := range e.queue.MarkTimedOut() {
			log.WarningLog.Printf("task %s exceeded its timeout", id)
			e.pool.CancelTask(id)
			e.queue.Requeue(id, RequeueTimeout, fmt.Errorf("task timed out"))
		}

		if e.opts.AutoScaling {
			e.autoscale()
		}

		if e.clock.Since(lastSnapshot) >= e.opts.SnapshotInterval {
			lastSnapshot = e.clock.Now()
			if _, err := e.CaptureSnapshot("interval", false); err != nil {
				log.ErrorLog.Printf("interval snapshot failed: %v", err)
			}
		}

		counts := e.queue.StatusCounts()
		e.metrics.SetQueueDepth(counts[TaskStatusQueued] + counts[TaskStatusRetrying])
		e.metrics.SetLocksHeld(len(e.locks.Table()))
		st := e.poolState()
		e.metrics.SetWorkerCounts(st.Idle, st.Busy)
	}
}

func (e *Engine) autoscale() {
	counts := e.queue.StatusCounts()
	depth := counts[TaskStatusQueued] + counts[TaskStatusRetrying]
	st := e.poolState()

	switch action := e.scaler.Evaluate(st, depth); action {
	case ScaleUp:
		e.pool.Resize(st.Total + 1)
		e.metrics.ScaleAction(action)
		e.events.Publish(Event{Type: EventWorkerScaled, Message: "scale up"})
		for _, w := range e.pool.Workers() {
			e.health.Track(w.ID)
		}
	case ScaleDown:
		e.pool.Resize(st.Total - 1)
		e.metrics.ScaleAction(action)
		e.events.Publish(Event{Type: EventWorkerScaled, Message: "scale down"})
	}
}

// Cancel cancels a task. Queued tasks drop out immediately. Running tasks
// get the cooperative cancellation signal; if the worker does not finish
// within the grace period the slot is forcibly recycled and the task is
// marked cancelled.
func (e *Engine) Cancel(id string) error {
	task, err := e.queue.Get(id)
	if err != nil {
		return err
	}

	if task.Status != TaskStatusRunning {
		return e.queue.Cancel(id)
	}

	workerID := task.WorkerID
	e.cancelMu.Lock()
	e.cancelRequested[id] = struct{}{}
	e.cancelMu.Unlock()

	if !e.pool.CancelTask(id) {
		e.takeCancelRequest(id)
		e.queue.MarkCancelled(id)
		return nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		deadline := time.After(e.opts.CancelGrace)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t, err := e.queue.Get(id)
				if err != nil || t.Status != TaskStatusRunning {
					return
				}
			case <-deadline:
				// Unacknowledged; forcibly free the slot.
				t, err := e.queue.Get(id)
				if err == nil && t.Status == TaskStatusRunning {
					e.takeCancelRequest(id)
					e.queue.MarkCancelled(id)
					e.locks.ReleaseAllFor(id)
					if workerID != "" {
						newID := e.pool.Replace(workerID)
						e.health.Forget(workerID)
						if newID != "" {
							e.health.Track(newID)
						}
					}
				}
				return
			}
		}
	}()
	return nil
}

// takeCancelRequest consumes a pending cancellation mark for the task.
func (e *Engine) takeCancelRequest(id string) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	_, ok := e.cancelRequested[id]
	if ok {
		delete(e.cancelRequested, id)
	}
	return ok
}

// RestartWorker implements the health monitor's first recovery rung.
func (e *Engine) RestartWorker(workerID string) bool {
	ok := e.pool.Restart(workerID)
	if ok {
		e.events.Publish(Event{Type: EventWorkerRecover, WorkerID: workerID, Message: "restart"})
	}
	return ok
}

// ReassignTasks moves a worker's in-flight task back to the queue and
// replaces the slot. Second recovery rung.
func (e *Engine) ReassignTasks(workerID string) bool {
	taskID, busy := e.poolTaskOf(workerID)
	newID := e.pool.Replace(workerID)
	if newID == "" {
		return false
	}
	e.health.Forget(workerID)
	e.health.Track(newID)

	if busy {
		e.locks.ReleaseAllFor(taskID)
		e.queue.Requeue(taskID, RequeueWorkerLost, fmt.Errorf("worker %s unresponsive", workerID))
	}
	e.events.Publish(Event{Type: EventWorkerRecover, WorkerID: workerID, Message: "reassign_tasks"})
	return true
}

// TerminateWorker removes a worker permanently. Final recovery rung; the
// auto-scaler is informed so it does not immediately undo the removal.
func (e *Engine) TerminateWorker(workerID string) bool {
	taskID, busy := e.poolTaskOf(workerID)
	if !e.pool.Terminate(workerID) {
		return false
	}
	if busy {
		e.locks.ReleaseAllFor(taskID)
		e.queue.Requeue(taskID, RequeueWorkerLost, fmt.Errorf("worker %s terminated", workerID))
	}
	e.scaler.NotifyTerminated()
	e.events.Publish(Event{Type: EventWorkerRecover, WorkerID: workerID, Message: "terminate"})
	return true
}

func (e *Engine) poolTaskOf(workerID string) (string, bool) {
	for _, w := range e.pool.Workers() {
		if w.ID == workerID && w.CurrentTask != "" {
			return w.CurrentTask, true
		}
	}
	return "", false
}

// CaptureSnapshot records current engine state and returns the snapshot ID.
func (e *Engine) CaptureSnapshot(trigger string, manual bool) (string, error) {
	state := EngineState{
		Tasks:   e.queue.Snapshot(),
		Locks:   e.locks.Table(),
		Workers: e.pool.Workers(),
	}
	id, err := e.snapshots.Capture(trigger, state, manual)
	if err != nil {
		return "", err
	}
	e.metrics.SnapshotCaptured()
	e.events.Publish(Event{Type: EventSnapshot, Message: trigger})
	e.snapshots.Prune()
	return id, nil
}

// RestoreSnapshot rolls queue contents and the lock table back to a past
// snapshot. Dependency edges are rebuilt from the restored tasks.
func (e *Engine) RestoreSnapshot(id string) error {
	state, err := e.snapshots.Restore(id)
	if err != nil {
		return err
	}

	e.queue.Restore(state.Tasks)
	for _, t := range state.Tasks {
		e.graph.Add(t.ID, t.DependsOn)
	}
	e.locks.RestoreTable(state.Locks)
	log.InfoLog.Printf("restored snapshot %s: %d tasks, %d locks", id, len(state.Tasks), len(state.Locks))
	return nil
}

// Status returns the aggregated progress report.
func (e *Engine) Status() ProgressReport {
	return e.progress.Snapshot()
}

// Events subscribes to the engine's progress event stream.
func (e *Engine) Events() (<-chan Event, func()) {
	return e.events.Subscribe()
}

// Task returns a copy of the runtime record for a task ID.
func (e *Engine) Task(id string) (*Task, error) {
	return e.queue.Get(id)
}

// Locks exposes the lock manager, the sole arbiter for shared resources.
// Execution callbacks acquire through it, holder-keyed by task ID.
func (e *Engine) Locks() *LockManager { return e.locks }

// Bus exposes the message bus used between workers and the coordinator.
func (e *Engine) Bus() *MessageBus { return e.bus }

// Conflicts exposes the conflict resolver.
func (e *Engine) Conflicts() *ConflictResolver { return e.conflicts }

// Snapshots exposes the snapshot manager for listing and diffing.
func (e *Engine) Snapshots() *SnapshotManager { return e.snapshots }

// Metrics exposes the engine's metric set.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// SetStrategy switches the scheduling strategy at runtime.
func (e *Engine) SetStrategy(name StrategyName) error {
	s, err := NewStrategy(name, e.estimator, e.graph)
	if err != nil {
		return err
	}
	e.queue.SetStrategy(s)
	return nil
}

// RecommendStrategy suggests the strategy best suited to the current task
// graph shape.
func (e *Engine) RecommendStrategy() StrategyName {
	return Recommend(e.graph)
}

// Wait blocks until every submitted task settles or the context ends.
func (e *Engine) Wait(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if e.queue.Drained() {
				return nil
			}
		}
	}
}

// Stop shuts the engine down: the dispatch loop ends, in-flight tasks run to
// completion, and background services halt.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.queue.Stop()
	e.wg.Wait()
	e.pool.Stop()
	// In-flight results were handed to the bus when the workers wound down;
	// give the coordinator pump a moment to settle them before it stops.
	flushDeadline := time.Now().Add(time.Second)
	for e.bus.QueueDepth(coordinatorInbox) > 0 && time.Now().Before(flushDeadline) {
		time.Sleep(5 * time.Millisecond)
	}
	e.locks.Stop()
	e.health.Stop()
	e.monitor.Stop()
	e.bus.Stop()
	e.events.Close()
	log.InfoLog.Printf("engine stopped")
}
