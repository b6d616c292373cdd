package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects engine counters and gauges on a private registry so
// multiple engines in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	tasksCompleted *prometheus.CounterVec
	taskRetries    prometheus.Counter
	taskDuration   *prometheus.HistogramVec
	queueDepth     prometheus.Gauge
	workers        *prometheus.GaugeVec
	locksHeld      prometheus.Gauge
	deadlocks      prometheus.Counter
	conflicts      prometheus.Counter
	scaleActions   *prometheus.CounterVec
	snapshots      prometheus.Counter
}

// NewMetrics creates and registers the engine's metric set.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "tasks_completed_total",
			Help:      "Tasks that reached a terminal state, by status.",
		}, []string{"status"}),
		taskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "task_retries_total",
			Help:      "Task execution attempts routed through the retry path.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conductor",
			Name:      "task_duration_seconds",
			Help:      "Wall time of successful task executions, by category.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"category"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a worker.",
		}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "workers",
			Help:      "Worker slots by status.",
		}, []string{"status"}),
		locksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "locks_held",
			Help:      "Currently granted resource locks.",
		}),
		deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "deadlocks_total",
			Help:      "Lock requests rejected for closing a wait-for cycle.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "conflicts_total",
			Help:      "Concurrent-write conflicts detected.",
		}),
		scaleActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "scale_actions_total",
			Help:      "Auto-scaler actions taken, by direction.",
		}, []string{"direction"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "snapshots_total",
			Help:      "Engine state snapshots captured.",
		}),
	}

	m.registry.MustRegister(
		m.tasksCompleted, m.taskRetries, m.taskDuration, m.queueDepth,
		m.workers, m.locksHeld, m.deadlocks, m.conflicts, m.scaleActions,
		m.snapshots,
	)
	return m
}

// Registry exposes the private registry for an HTTP metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) TaskCompleted(status TaskStatus)  { m.tasksCompleted.WithLabelValues(status.String()).Inc() }
func (m *Metrics) TaskRetried()                     { m.taskRetries.Inc() }
func (m *Metrics) DeadlockDetected()                { m.deadlocks.Inc() }
func (m *Metrics) ConflictDetected()                { m.conflicts.Inc() }
func (m *Metrics) SnapshotCaptured()                { m.snapshots.Inc() }
func (m *Metrics) ScaleAction(action ScaleAction)   { m.scaleActions.WithLabelValues(action.String()).Inc() }
func (m *Metrics) SetQueueDepth(n int)              { m.queueDepth.Set(float64(n)) }
func (m *Metrics) SetLocksHeld(n int)               { m.locksHeld.Set(float64(n)) }

// ObserveTaskDuration records a successful execution's wall time.
func (m *Metrics) ObserveTaskDuration(category string, d time.Duration) {
	if category == "" {
		category = "default"
	}
	m.taskDuration.WithLabelValues(category).Observe(d.Seconds())
}

// SetWorkerCounts publishes the pool's status breakdown.
func (m *Metrics) SetWorkerCounts(idle, busy int) {
	m.workers.WithLabelValues(WorkerIdle.String()).Set(float64(idle))
	m.workers.WithLabelValues(WorkerBusy.String()).Set(float64(busy))
}
