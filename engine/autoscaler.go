package engine

import (
	"sync"
	"time"

	"conductor/log"
)

// ScaleAction is the auto-scaler's verdict for one evaluation.
type ScaleAction int

const (
	ScaleNone ScaleAction = iota
	ScaleUp
	ScaleDown
)

func (sa ScaleAction) String() string {
	switch sa {
	case ScaleNone:
		return "none"
	case ScaleUp:
		return "scale_up"
	case ScaleDown:
		return "scale_down"
	default:
		return "unknown"
	}
}

// AutoScalerConfig holds configuration for the auto-scaler.
type AutoScalerConfig struct {
	MinWorkers int
	MaxWorkers int
	// QueueDepthThreshold triggers scale-up when exceeded while every worker
	// is busy.
	QueueDepthThreshold int
	// IdleTimeout triggers scale-down when a worker has been idle past it.
	IdleTimeout time.Duration
	// Cooldown suppresses further scaling after any action, preventing
	// thrashing.
	Cooldown time.Duration
	Clock    Clock
}

// AutoScaler sizes the worker pool to the workload within configured bounds.
type AutoScaler struct {
	mu         sync.Mutex
	clock      Clock
	lastAction time.Time

	min                 int
	max                 int
	queueDepthThreshold int
	idleTimeout         time.Duration
	cooldown            time.Duration

	scaleUps   int
	scaleDowns int
}

// NewAutoScaler creates an auto-scaler.
func NewAutoScaler(cfg AutoScalerConfig) *AutoScaler {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = 10
	}
	if cfg.QueueDepthThreshold <= 0 {
		cfg.QueueDepthThreshold = 5
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	return &AutoScaler{
		clock:               cfg.Clock,
		min:                 cfg.MinWorkers,
		max:                 cfg.MaxWorkers,
		queueDepthThreshold: cfg.QueueDepthThreshold,
		idleTimeout:         cfg.IdleTimeout,
		cooldown:            cfg.Cooldown,
	}
}

// Evaluate inspects the pool and queue and returns the action to take. An
// action starts the cooldown window; evaluations during cooldown return
// ScaleNone.
func (as *AutoScaler) Evaluate(pool PoolState, queueDepth int) ScaleAction {
	as.mu.Lock()
	defer as.mu.Unlock()

	now := as.clock.Now()
	if !as.lastAction.IsZero() && now.Sub(as.lastAction) < as.cooldown {
		return ScaleNone
	}

	if queueDepth > as.queueDepthThreshold && pool.Idle == 0 && pool.Total < as.max {
		as.lastAction = now
		as.scaleUps++
		log.InfoLog.Printf("scaling up: queue depth %d, %d/%d workers busy", queueDepth, pool.Busy, pool.Total)
		return ScaleUp
	}

	if pool.Idle > 0 && pool.MaxIdle > as.idleTimeout && pool.Total > as.min {
		as.lastAction = now
		as.scaleDowns++
		log.InfoLog.Printf("scaling down: worker idle for %v with queue depth %d", pool.MaxIdle, queueDepth)
		return ScaleDown
	}

	return ScaleNone
}

// Bounds returns the configured [min, max] pool size.
func (as *AutoScaler) Bounds() (int, int) {
	return as.min, as.max
}

// Stats returns how many scale-up and scale-down actions have fired.
func (as *AutoScaler) Stats() (ups, downs int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.scaleUps, as.scaleDowns
}

// NotifyTerminated records an externally forced shrink (a terminated worker)
// so the cooldown window starts, keeping the scaler from immediately
// replacing a slot the health monitor just removed.
func (as *AutoScaler) NotifyTerminated() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.lastAction = as.clock.Now()
}
