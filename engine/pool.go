package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"conductor/log"
)

// WorkerStatus represents the lifecycle state of a worker.
type WorkerStatus int

const (
	WorkerIdle WorkerStatus = iota
	WorkerBusy
	WorkerStopping
	WorkerDead
)

func (ws WorkerStatus) String() string {
	switch ws {
	case WorkerIdle:
		return "Idle"
	case WorkerBusy:
		return "Busy"
	case WorkerStopping:
		return "Stopping"
	case WorkerDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// ErrPoolStopped is returned by Acquire after the pool shuts down.
var ErrPoolStopped = errors.New("worker pool stopped")

// Worker is one execution slot. A worker runs at most one task at a time;
// task failures never propagate past its slot.
type Worker struct {
	ID            string
	Status        WorkerStatus
	CurrentTask   string
	TasksDone     int
	TasksFailed   int
	Restarts      int
	LastHeartbeat time.Time
	StartedAt     time.Time

	cancel context.CancelFunc
}

// WorkerPoolConfig holds configuration for the worker pool.
type WorkerPoolConfig struct {
	Size              int
	MaxSize           int
	Execute           ExecuteFunc
	Clock             Clock
	HeartbeatInterval time.Duration
	CancelGrace       time.Duration
	// OnBeat is invoked with the worker ID on every heartbeat, so liveness
	// observers see the same beats the pool does.
	OnBeat func(workerID string)
}

// WorkerPool manages a bounded set of workers. Capacity is enforced by a slot
// channel: a task can start only after a worker is taken off freeCh, so the
// number of concurrently running tasks never exceeds the pool size.
type WorkerPool struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	freeCh  chan *Worker
	execute ExecuteFunc
	clock   Clock
	onBeat  func(workerID string)
	nextID  int

	heartbeatInterval time.Duration
	cancelGrace       time.Duration

	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
}

// NewWorkerPool creates a pool with the given number of workers, all idle.
func NewWorkerPool(cfg WorkerPoolConfig) *WorkerPool {
	if cfg.Size <= 0 {
		cfg.Size = 3
	}
	if cfg.MaxSize < cfg.Size {
		cfg.MaxSize = cfg.Size
	}
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}

	p := &WorkerPool{
		workers:           make(map[string]*Worker),
		freeCh:            make(chan *Worker, cfg.MaxSize),
		execute:           cfg.Execute,
		clock:             cfg.Clock,
		onBeat:            cfg.OnBeat,
		heartbeatInterval: cfg.HeartbeatInterval,
		cancelGrace:       cfg.CancelGrace,
		stopCh:            make(chan struct{}),
	}
	for i := 0; i < cfg.Size; i++ {
		p.addWorkerLocked()
	}
	return p
}

// addWorkerLocked creates an idle worker and places it on the free channel.
// Callers must hold mu or be inside the constructor.
func (p *WorkerPool) addWorkerLocked() *Worker {
	p.nextID++
	w := &Worker{
		ID:            fmt.Sprintf("worker-%d", p.nextID),
		Status:        WorkerIdle,
		LastHeartbeat: p.clock.Now(),
		StartedAt:     p.clock.Now(),
	}
	p.workers[w.ID] = w
	select {
	case p.freeCh <- w:
	default:
		// Slots of earlier retired workers may still occupy the channel.
		p.purgeFreeLocked()
		p.freeCh <- w
	}
	return w
}

// purgeFreeLocked retires stopping or dead workers parked on the free channel
// and puts the live ones back. Callers must hold mu.
func (p *WorkerPool) purgeFreeLocked() {
	for n := len(p.freeCh); n > 0; n-- {
		w := <-p.freeCh
		if w.Status == WorkerStopping || w.Status == WorkerDead {
			delete(p.workers, w.ID)
			continue
		}
		p.freeCh <- w
	}
}

// Acquire blocks until an idle worker is available.
func (p *WorkerPool) Acquire(ctx context.Context) (*Worker, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.stopCh:
			return nil, ErrPoolStopped
		case w := <-p.freeCh:
			p.mu.Lock()
			// Workers marked stopping while idle are retired here instead of
			// being handed out.
			if w.Status == WorkerStopping || w.Status == WorkerDead {
				delete(p.workers, w.ID)
				p.mu.Unlock()
				continue
			}
			p.mu.Unlock()
			return w, nil
		}
	}
}

// Release returns an unused worker to the free channel.
func (p *WorkerPool) Release(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(w)
}

func (p *WorkerPool) releaseLocked(w *Worker) {
	if w.Status == WorkerStopping || w.Status == WorkerDead {
		delete(p.workers, w.ID)
		return
	}
	w.Status = WorkerIdle
	w.CurrentTask = ""
	w.cancel = nil
	w.LastHeartbeat = p.clock.Now()
	select {
	case p.freeCh <- w:
	default:
		// Capacity shrank under us; retire the worker.
		delete(p.workers, w.ID)
	}
}

// Run executes the task on the given worker in its own goroutine. Panics in
// the execute callback are recovered and reported as failures; the worker
// slot is always freed when the attempt ends.
func (p *WorkerPool) Run(w *Worker, task *Task, onDone func(task *Task, res Result)) {
	ctx, cancel := context.WithTimeout(context.Background(), task.Timeout)

	p.mu.Lock()
	w.Status = WorkerBusy
	w.CurrentTask = task.ID
	w.LastHeartbeat = p.clock.Now()
	w.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()

		beatDone := make(chan struct{})
		go p.beatLoop(w.ID, beatDone)

		res := p.runOne(ctx, task)
		close(beatDone)

		p.mu.Lock()
		if res.Success {
			w.TasksDone++
		} else {
			w.TasksFailed++
		}
		p.releaseLocked(w)
		p.mu.Unlock()

		onDone(task, res)
	}()
}

func (p *WorkerPool) runOne(ctx context.Context, task *Task) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorLog.Printf("task %s panicked: %v\n%s", task.ID, r, debug.Stack())
			res = Result{Success: false, Err: fmt.Errorf("task panicked: %v", r)}
		}
	}()
	return p.execute(ctx, task)
}

// beatLoop refreshes the worker heartbeat while a task runs.
func (p *WorkerPool) beatLoop(workerID string, done <-chan struct{}) {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Beat(workerID)
		}
	}
}

// Beat records a heartbeat for the worker and forwards it to the OnBeat
// observer. Beats from workers no longer in the pool are dropped so a stale
// goroutine cannot resurrect a retired worker's liveness record.
func (p *WorkerPool) Beat(workerID string) {
	p.mu.Lock()
	w, known := p.workers[workerID]
	if known {
		w.LastHeartbeat = p.clock.Now()
	}
	onBeat := p.onBeat
	p.mu.Unlock()

	if known && onBeat != nil {
		onBeat(workerID)
	}
}

// CancelTask signals the worker running the given task to stop. The execute
// callback observes cancellation through its context; callers that need a
// hard stop follow up with Replace after the grace period.
func (p *WorkerPool) CancelTask(taskID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		if w.CurrentTask == taskID && w.cancel != nil {
			w.cancel()
			return true
		}
	}
	return false
}

// Replace retires a worker and adds a fresh one in its place. The old
// worker's goroutine, if still running, is abandoned: its slot is not reused
// and its completion callback is suppressed by the caller's state machine.
// Returns the new worker's ID.
func (p *WorkerPool) Replace(workerID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	old, ok := p.workers[workerID]
	if !ok {
		return ""
	}
	if old.cancel != nil {
		old.cancel()
	}
	old.Status = WorkerDead
	delete(p.workers, workerID)

	w := p.addWorkerLocked()
	w.Restarts = old.Restarts + 1
	log.InfoLog.Printf("replaced worker %s with %s", workerID, w.ID)
	return w.ID
}

// Terminate removes a worker permanently without a replacement. Its running
// goroutine, if any, is cancelled and its completion callback suppressed by
// the caller's state machine.
func (p *WorkerPool) Terminate(workerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerID]
	if !ok {
		return false
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.Status = WorkerDead
	delete(p.workers, workerID)
	log.WarningLog.Printf("terminated worker %s", workerID)
	return true
}

// Restart resets a worker's heartbeat and state in place. First rung of the
// unresponsive-worker ladder.
func (p *WorkerPool) Restart(workerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerID]
	if !ok {
		return false
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.Restarts++
	w.LastHeartbeat = p.clock.Now()
	log.InfoLog.Printf("restarted worker %s (restart #%d)", workerID, w.Restarts)
	return true
}

// Resize grows or shrinks the pool toward the target size. Growing adds idle
// workers immediately; shrinking marks surplus workers stopping, and they
// retire when they next become free.
func (p *WorkerPool) Resize(target int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if target < 1 {
		target = 1
	}
	if target > cap(p.freeCh) {
		target = cap(p.freeCh)
	}

	active := 0
	for _, w := range p.workers {
		if w.Status != WorkerStopping && w.Status != WorkerDead {
			active++
		}
	}

	for active < target {
		p.addWorkerLocked()
		active++
	}

	// Shrink by marking idle workers first.
	for active > target {
		marked := false
		for _, w := range p.workers {
			if w.Status == WorkerIdle {
				w.Status = WorkerStopping
				active--
				marked = true
				break
			}
		}
		if !marked {
			// Everyone is busy; mark a busy worker to retire on release.
			for _, w := range p.workers {
				if w.Status == WorkerBusy {
					w.Status = WorkerStopping
					active--
					marked = true
					break
				}
			}
		}
		if !marked {
			break
		}
	}
	// Idle workers just marked stopping still sit on the free channel; retire
	// them now so their slots cannot pin the channel full on a later grow.
	p.purgeFreeLocked()
}

// State summarizes the pool for scheduling decisions.
func (p *WorkerPool) State(categoryOf func(taskID string) string) PoolState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.clock.Now()
	st := PoolState{CategoryLoad: make(map[string]int)}
	for _, w := range p.workers {
		if w.Status == WorkerDead {
			continue
		}
		st.Total++
		if w.Status == WorkerBusy {
			st.Busy++
			if categoryOf != nil && w.CurrentTask != "" {
				if cat := categoryOf(w.CurrentTask); cat != "" {
					st.CategoryLoad[cat]++
				}
			}
		} else {
			st.Idle++
			// An idle worker's heartbeat is stamped on release, so the gap
			// since then is its idle streak.
			if idle := now.Sub(w.LastHeartbeat); idle > st.MaxIdle {
				st.MaxIdle = idle
			}
		}
	}
	return st
}

// Workers returns value copies of all live workers.
func (p *WorkerPool) Workers() []Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Worker, 0, len(p.workers))
	for _, w := range p.workers {
		c := *w
		c.cancel = nil
		out = append(out, c)
	}
	return out
}

// WorkerFor returns the ID of the worker currently running the task, if any.
func (p *WorkerPool) WorkerFor(taskID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		if w.CurrentTask == taskID {
			return w.ID, true
		}
	}
	return "", false
}

// Size returns the number of live workers.
func (p *WorkerPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, w := range p.workers {
		if w.Status != WorkerDead && w.Status != WorkerStopping {
			n++
		}
	}
	return n
}

// Stop shuts the pool down and waits for in-flight tasks to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	for _, w := range p.workers {
		if w.cancel != nil {
			w.cancel()
		}
	}
	p.mu.Unlock()

	p.wg.Wait()
}
