package engine

import (
	"sort"
	"time"
)

// ProgressReport is one consistent status snapshot for external consumers.
type ProgressReport struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
	Blocked   int `json:"blocked"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`

	Workers []Worker `json:"workers"`
	Locks   []Lock   `json:"locks"`

	// ThroughputPerMinute counts tasks completed in the trailing minute.
	ThroughputPerMinute int `json:"throughput_per_minute"`
	// ETA estimates remaining wall time for the pending work.
	ETA           time.Duration `json:"eta"`
	ETAConfidence Confidence    `json:"eta_confidence"`

	OpenConflicts []Conflict      `json:"open_conflicts,omitempty"`
	Alerts        []ResourceAlert `json:"alerts,omitempty"`
	Health        []HealthRecord  `json:"health,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

// Done reports whether no further work will run.
func (pr ProgressReport) Done() bool {
	return pr.Queued == 0 && pr.Running == 0 && pr.Retrying == 0
}

// PercentComplete returns completion as 0-100 over all submitted tasks.
// Blocked and cancelled tasks count as settled.
func (pr ProgressReport) PercentComplete() float64 {
	if pr.Total == 0 {
		return 0
	}
	settled := pr.Succeeded + pr.Failed + pr.Blocked + pr.Cancelled
	return float64(settled) / float64(pr.Total) * 100
}

// ProgressAggregator rolls the queue, pool, lock table, estimator, health
// monitor, resource monitor, and conflict resolver into one report. Pure
// read-side composition; it owns no state of its own.
type ProgressAggregator struct {
	queue     *TaskQueue
	pool      *WorkerPool
	locks     *LockManager
	estimator *TimeEstimator
	health    *HealthMonitor
	monitor   *ResourceMonitor
	conflicts *ConflictResolver
	clock     Clock
}

// NewProgressAggregator wires the aggregator to its sources. Any source may
// be nil; its section of the report is then empty.
func NewProgressAggregator(
	queue *TaskQueue,
	pool *WorkerPool,
	locks *LockManager,
	estimator *TimeEstimator,
	health *HealthMonitor,
	monitor *ResourceMonitor,
	conflicts *ConflictResolver,
	clock Clock,
) *ProgressAggregator {
	if clock == nil {
		clock = NewRealClock()
	}
	return &ProgressAggregator{
		queue:     queue,
		pool:      pool,
		locks:     locks,
		estimator: estimator,
		health:    health,
		monitor:   monitor,
		conflicts: conflicts,
		clock:     clock,
	}
}

// Snapshot composes the current report.
func (pa *ProgressAggregator) Snapshot() ProgressReport {
	now := pa.clock.Now()
	report := ProgressReport{GeneratedAt: now}

	var tasks []Task
	if pa.queue != nil {
		tasks = pa.queue.Snapshot()
		for _, t := range tasks {
			report.Total++
			switch t.Status {
			case TaskStatusQueued:
				report.Queued++
			case TaskStatusRunning:
				report.Running++
			case TaskStatusSucceeded:
				report.Succeeded++
			case TaskStatusFailed:
				report.Failed++
			case TaskStatusRetrying:
				report.Retrying++
			case TaskStatusBlocked:
				report.Blocked++
			case TaskStatusCancelled:
				report.Cancelled++
			}
			if t.Status == TaskStatusSucceeded && t.CompletedAt != nil &&
				now.Sub(*t.CompletedAt) <= time.Minute {
				report.ThroughputPerMinute++
			}
		}
	}

	if pa.pool != nil {
		report.Workers = pa.pool.Workers()
		sort.Slice(report.Workers, func(i, j int) bool {
			return report.Workers[i].ID < report.Workers[j].ID
		})
	}
	if pa.locks != nil {
		report.Locks = pa.locks.Table()
	}

	if pa.estimator != nil && pa.queue != nil {
		pending := pa.queue.PendingTasks()
		workers := 1
		if pa.pool != nil {
			workers = pa.pool.Size()
		}
		report.ETA = pa.estimator.EstimateQueue(pending, workers, nil)
		report.ETAConfidence = ConfidenceHigh
		for _, t := range pending {
			if _, conf := pa.estimator.EstimateTask(t, 0); conf < report.ETAConfidence {
				report.ETAConfidence = conf
			}
		}
		if len(pending) == 0 {
			report.ETAConfidence = ConfidenceLow
		}
	}

	if pa.conflicts != nil {
		report.OpenConflicts = pa.conflicts.Pending()
	}
	if pa.monitor != nil {
		report.Alerts = recentAlerts(pa.monitor.Alerts(), now, 5*time.Minute)
	}
	if pa.health != nil {
		report.Health = pa.health.Records()
	}

	return report
}

// recentAlerts keeps alerts raised within the window.
func recentAlerts(alerts []ResourceAlert, now time.Time, window time.Duration) []ResourceAlert {
	var out []ResourceAlert
	for _, a := range alerts {
		if now.Sub(a.At) <= window {
			out = append(out, a)
		}
	}
	return out
}
