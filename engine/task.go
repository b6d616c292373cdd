package engine

import (
	"context"
	"time"
)

// Priority represents task priority levels
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the string representation of priority
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "Critical"
	case PriorityHigh:
		return "High"
	case PriorityNormal:
		return "Normal"
	case PriorityLow:
		return "Low"
	default:
		return "Unknown"
	}
}

// ParsePriority converts a priority name to a Priority. Unknown names map to
// PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// TaskStatus represents the current state of a task
type TaskStatus int

const (
	TaskStatusQueued TaskStatus = iota
	TaskStatusRunning
	TaskStatusSucceeded
	TaskStatusFailed
	TaskStatusRetrying
	TaskStatusBlocked
	TaskStatusCancelled
)

// String returns the string representation of task status
func (ts TaskStatus) String() string {
	switch ts {
	case TaskStatusQueued:
		return "Queued"
	case TaskStatusRunning:
		return "Running"
	case TaskStatusSucceeded:
		return "Succeeded"
	case TaskStatusFailed:
		return "Failed"
	case TaskStatusRetrying:
		return "Retrying"
	case TaskStatusBlocked:
		return "Blocked"
	case TaskStatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status is a terminal state.
func (ts TaskStatus) Terminal() bool {
	return ts == TaskStatusSucceeded || ts == TaskStatusFailed || ts == TaskStatusCancelled
}

// TaskSpec describes a task at submission time. The payload is opaque to the
// engine; only the execution callback interprets it.
type TaskSpec struct {
	ID        string        `json:"id" yaml:"id"`
	Payload   string        `json:"payload" yaml:"payload"`
	Category  string        `json:"category,omitempty" yaml:"category,omitempty"`
	DependsOn []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Priority  Priority      `json:"priority" yaml:"priority"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// MaxRetries is the retry budget after the first attempt. Zero means the
	// engine default; RetryNever (or any negative value) disables retries.
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`
	// Complexity is a coarse 1-5 declared difficulty factor used by the
	// time estimator. 0 means unspecified.
	Complexity int `json:"complexity,omitempty" yaml:"complexity,omitempty"`
}

// Task is the engine's runtime record for a submitted task.
type Task struct {
	ID                string        `json:"id"`
	Payload           string        `json:"payload"`
	Category          string        `json:"category,omitempty"`
	DependsOn         []string      `json:"depends_on,omitempty"`
	Priority          Priority      `json:"priority"`
	Status            TaskStatus    `json:"status"`
	RetryCount        int           `json:"retry_count"`
	MaxRetries        int           `json:"max_retries"`
	Timeout           time.Duration `json:"timeout"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	Complexity        int           `json:"complexity,omitempty"`
	EnqueuedAt        time.Time     `json:"enqueued_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	WorkerID          string        `json:"worker_id,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	NextRetryAt       *time.Time    `json:"next_retry_at,omitempty"`

	// seq is the enqueue sequence number, used for FIFO stability among
	// equal-score tasks.
	seq uint64
	// dispatched marks a task handed to a worker slot but not yet running,
	// so it is not dequeued twice.
	dispatched bool
}

// Result is the outcome of one task execution attempt.
type Result struct {
	Success bool
	Output  string
	Err     error
}

// ExecuteFunc performs the actual work for a task. It is the sole integration
// point with whatever the task represents. Implementations must honor
// cancellation of ctx.
type ExecuteFunc func(ctx context.Context, task *Task) Result

// RetryNever marks a task or queue as single-attempt. A zero MaxRetries
// cannot carry that meaning since it doubles as "unset".
const RetryNever = -1

// resolveRetries maps a requested retry count onto an effective budget:
// zero falls back to the default, negative means no retries at all.
func resolveRetries(requested, fallback int) int {
	switch {
	case requested < 0:
		return 0
	case requested == 0:
		return fallback
	default:
		return requested
	}
}

// newTask builds a runtime task from a spec, applying engine defaults for
// unset fields.
func newTask(spec TaskSpec, defaultTimeout time.Duration, defaultRetries int) *Task {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := resolveRetries(spec.MaxRetries, defaultRetries)
	return &Task{
		ID:                spec.ID,
		Payload:           spec.Payload,
		Category:          spec.Category,
		DependsOn:         append([]string(nil), spec.DependsOn...),
		Priority:          spec.Priority,
		Status:            TaskStatusQueued,
		MaxRetries:        retries,
		Timeout:           timeout,
		EstimatedDuration: spec.EstimatedDuration,
		Complexity:        spec.Complexity,
	}
}
