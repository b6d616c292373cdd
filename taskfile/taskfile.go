// Package taskfile loads task definitions from YAML files.
package taskfile

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/engine"
)

// File is the top-level document of a task file.
type File struct {
	// Version guards against future format changes. Empty means 1.
	Version int        `yaml:"version,omitempty"`
	Tasks   []TaskSpec `yaml:"tasks"`
}

// TaskSpec is the YAML shape of one task. Durations accept Go duration
// strings ("90s", "5m"); priority accepts the names low/normal/high/critical.
// MaxRetries is a pointer so an explicit "max_retries: 0" (run once, never
// retry) is distinguishable from leaving the field out (engine default).
type TaskSpec struct {
	ID         string   `yaml:"id"`
	Payload    string   `yaml:"payload"`
	Category   string   `yaml:"category,omitempty"`
	DependsOn  []string `yaml:"depends_on,omitempty"`
	Priority   string   `yaml:"priority,omitempty"`
	Timeout    string   `yaml:"timeout,omitempty"`
	MaxRetries *int     `yaml:"max_retries,omitempty"`
	Estimated  string   `yaml:"estimated,omitempty"`
	Complexity int      `yaml:"complexity,omitempty"`
}

// Load reads and validates a task file, returning engine-ready specs.
func Load(path string) ([]engine.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	return Parse(data)
}

// Parse decodes task file contents.
func Parse(data []byte) ([]engine.TaskSpec, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	if f.Version > 1 {
		return nil, fmt.Errorf("unsupported task file version %d", f.Version)
	}
	if len(f.Tasks) == 0 {
		return nil, fmt.Errorf("task file defines no tasks")
	}

	seen := make(map[string]bool, len(f.Tasks))
	specs := make([]engine.TaskSpec, 0, len(f.Tasks))
	for i, t := range f.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task %d is missing an id", i+1)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		if t.Complexity < 0 || t.Complexity > 5 {
			return nil, fmt.Errorf("task %q: complexity must be 0-5", t.ID)
		}

		retries := 0
		if t.MaxRetries != nil {
			if *t.MaxRetries < 0 {
				return nil, fmt.Errorf("task %q: max_retries must not be negative", t.ID)
			}
			retries = *t.MaxRetries
			if retries == 0 {
				retries = engine.RetryNever
			}
		}

		timeout, err := parseDuration(t.ID, "timeout", t.Timeout)
		if err != nil {
			return nil, err
		}
		estimated, err := parseDuration(t.ID, "estimated", t.Estimated)
		if err != nil {
			return nil, err
		}

		specs = append(specs, engine.TaskSpec{
			ID:                t.ID,
			Payload:           t.Payload,
			Category:          t.Category,
			DependsOn:         t.DependsOn,
			Priority:          engine.ParsePriority(t.Priority),
			Timeout:           timeout,
			MaxRetries:        retries,
			EstimatedDuration: estimated,
			Complexity:        t.Complexity,
		})
	}

	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("task %q depends on unknown task %q", spec.ID, dep)
			}
		}
	}
	return specs, nil
}

func parseDuration(taskID, field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("task %q: invalid %s %q: %w", taskID, field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("task %q: %s must not be negative", taskID, field)
	}
	return d, nil
}
