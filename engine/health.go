package engine

import (
	"sort"
	"sync"
	"time"

	"conductor/log"
)

// HealthState classifies a worker's liveness.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthDegraded
	HealthUnresponsive
)

func (hs HealthState) String() string {
	switch hs {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnresponsive:
		return "unresponsive"
	default:
		return "unknown"
	}
}

// RecoveryAction is one rung of the escalation ladder.
type RecoveryAction int

const (
	RecoveryNone RecoveryAction = iota
	RecoveryRestart
	RecoveryReassign
	RecoveryTerminate
)

func (ra RecoveryAction) String() string {
	switch ra {
	case RecoveryNone:
		return "none"
	case RecoveryRestart:
		return "restart"
	case RecoveryReassign:
		return "reassign_tasks"
	case RecoveryTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// HealthRecord is the monitor's view of one worker.
type HealthRecord struct {
	WorkerID          string         `json:"worker_id"`
	LastHeartbeat     time.Time      `json:"last_heartbeat"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	State             HealthState    `json:"state"`
	LastAction        RecoveryAction `json:"last_action"`
	LastActionOK      bool           `json:"last_action_ok"`

	// rung is the next escalation step for an unresponsive worker.
	rung RecoveryAction
}

// RecoveryActions is the monitor's hook into the pool and queue. Each method
// reports whether the action took effect.
type RecoveryActions interface {
	// RestartWorker re-initializes the worker slot in place.
	RestartWorker(workerID string) bool
	// ReassignTasks moves the worker's in-flight task back to the queue and
	// replaces the slot.
	ReassignTasks(workerID string) bool
	// TerminateWorker removes the slot permanently.
	TerminateWorker(workerID string) bool
}

// HealthMonitorConfig holds configuration for the health monitor.
type HealthMonitorConfig struct {
	// HeartbeatTimeout is how long a worker may go silent before it is
	// considered unresponsive.
	HeartbeatTimeout time.Duration
	// ErrorThreshold is the consecutive-failure count that forces immediate
	// termination regardless of heartbeat status.
	ErrorThreshold int
	Clock          Clock
}

// HealthMonitor tracks worker liveness from heartbeats and error reports and
// drives the recovery ladder: restart, then reassign, then terminate. A
// timed state machine per worker; transitions fire from CheckHealth, so
// tests drive it with a fake clock.
type HealthMonitor struct {
	mu      sync.Mutex
	records map[string]*HealthRecord
	actions RecoveryActions
	clock   Clock

	heartbeatTimeout time.Duration
	errorThreshold   int

	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
}

// NewHealthMonitor creates a health monitor.
func NewHealthMonitor(cfg HealthMonitorConfig, actions RecoveryActions) *HealthMonitor {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	return &HealthMonitor{
		records:          make(map[string]*HealthRecord),
		actions:          actions,
		clock:            cfg.Clock,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		errorThreshold:   cfg.ErrorThreshold,
		stopCh:           make(chan struct{}),
	}
}

// Track starts monitoring a worker.
func (hm *HealthMonitor) Track(workerID string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if _, ok := hm.records[workerID]; ok {
		return
	}
	hm.records[workerID] = &HealthRecord{
		WorkerID:      workerID,
		LastHeartbeat: hm.clock.Now(),
		State:         HealthHealthy,
		rung:          RecoveryRestart,
	}
}

// Forget stops monitoring a worker.
func (hm *HealthMonitor) Forget(workerID string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	delete(hm.records, workerID)
}

// Heartbeat records liveness for the worker. A heartbeat from an
// unresponsive worker resets its ladder.
func (hm *HealthMonitor) Heartbeat(workerID string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	rec, ok := hm.records[workerID]
	if !ok {
		rec = &HealthRecord{WorkerID: workerID, rung: RecoveryRestart}
		hm.records[workerID] = rec
	}
	rec.LastHeartbeat = hm.clock.Now()
	if rec.State == HealthUnresponsive {
		log.InfoLog.Printf("worker %s recovered, heartbeat resumed", workerID)
	}
	rec.State = HealthHealthy
	rec.rung = RecoveryRestart
}

// ReportError counts a consecutive task failure for the worker.
func (hm *HealthMonitor) ReportError(workerID string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	rec, ok := hm.records[workerID]
	if !ok {
		return
	}
	rec.ConsecutiveErrors++
	if rec.ConsecutiveErrors >= hm.errorThreshold/2 && rec.State == HealthHealthy {
		rec.State = HealthDegraded
	}
}

// ReportSuccess resets the worker's consecutive error count.
func (hm *HealthMonitor) ReportSuccess(workerID string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	rec, ok := hm.records[workerID]
	if !ok {
		return
	}
	rec.ConsecutiveErrors = 0
	if rec.State == HealthDegraded {
		rec.State = HealthHealthy
	}
}

// CheckHealth evaluates every tracked worker, applies due recovery actions,
// and returns the updated records sorted by worker ID.
func (hm *HealthMonitor) CheckHealth() []HealthRecord {
	type due struct {
		workerID string
		action   RecoveryAction
	}

	hm.mu.Lock()
	now := hm.clock.Now()
	var pending []due
	for id, rec := range hm.records {
		if rec.ConsecutiveErrors >= hm.errorThreshold {
			// Error threshold escalates straight to terminate.
			pending = append(pending, due{id, RecoveryTerminate})
			continue
		}

		silent := now.Sub(rec.LastHeartbeat)
		switch {
		case silent > hm.heartbeatTimeout:
			if rec.State != HealthUnresponsive {
				log.WarningLog.Printf("worker %s unresponsive, silent for %v", id, silent)
			}
			rec.State = HealthUnresponsive
			pending = append(pending, due{id, rec.rung})
		case silent > hm.heartbeatTimeout/2:
			if rec.State == HealthHealthy {
				rec.State = HealthDegraded
			}
		}
	}
	hm.mu.Unlock()

	for _, d := range pending {
		hm.applyAction(d.workerID, d.action)
	}

	return hm.Records()
}

// applyAction runs one recovery action outside the monitor lock, then records
// its outcome and advances the ladder.
func (hm *HealthMonitor) applyAction(workerID string, action RecoveryAction) {
	if hm.actions == nil {
		return
	}

	var ok bool
	switch action {
	case RecoveryRestart:
		ok = hm.actions.RestartWorker(workerID)
	case RecoveryReassign:
		ok = hm.actions.ReassignTasks(workerID)
	case RecoveryTerminate:
		ok = hm.actions.TerminateWorker(workerID)
	default:
		return
	}

	log.InfoLog.Printf("recovery action %s on worker %s: ok=%v", action, workerID, ok)

	hm.mu.Lock()
	defer hm.mu.Unlock()

	if action == RecoveryTerminate {
		delete(hm.records, workerID)
		return
	}
	rec, present := hm.records[workerID]
	if !present {
		return
	}
	rec.LastAction = action
	rec.LastActionOK = ok
	switch rec.rung {
	case RecoveryRestart:
		rec.rung = RecoveryReassign
	case RecoveryReassign:
		rec.rung = RecoveryTerminate
	}
}

// Records returns copies of every health record, sorted by worker ID.
func (hm *HealthMonitor) Records() []HealthRecord {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	out := make([]HealthRecord, 0, len(hm.records))
	for _, rec := range hm.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// StartLoop runs CheckHealth on the given interval until Stop.
func (hm *HealthMonitor) StartLoop(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	hm.wg.Add(1)
	go func() {
		defer hm.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hm.stopCh:
				return
			case <-ticker.C:
				hm.CheckHealth()
			}
		}
	}()
}

// Stop halts the check loop.
func (hm *HealthMonitor) Stop() {
	hm.mu.Lock()
	if !hm.stopped {
		hm.stopped = true
		close(hm.stopCh)
	}
	hm.mu.Unlock()
	hm.wg.Wait()
}
