package engine

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/log"
)

// ErrSnapshotNotFound is returned for lookups of unknown snapshot IDs.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// EngineState is the serializable coordinator state a snapshot captures:
// queue contents, lock table, and worker assignments.
type EngineState struct {
	Tasks   []Task   `json:"tasks"`
	Locks   []Lock   `json:"locks"`
	Workers []Worker `json:"workers"`
}

// Snapshot is one immutable point-in-time capture. The state is held as
// serialized bytes so later engine mutations cannot reach into it.
type Snapshot struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Trigger   string    `json:"trigger"`
	Manual    bool      `json:"manual"`

	state []byte
}

// SnapshotDiff summarizes what changed between two snapshots.
type SnapshotDiff struct {
	TasksAdded    []string          `json:"tasks_added,omitempty"`
	TasksRemoved  []string          `json:"tasks_removed,omitempty"`
	StatusChanges map[string]string `json:"status_changes,omitempty"`
	LocksAdded    []string          `json:"locks_added,omitempty"`
	LocksRemoved  []string          `json:"locks_removed,omitempty"`
	WorkerDelta   int               `json:"worker_delta"`
}

// SnapshotManagerConfig holds configuration for the snapshot manager.
type SnapshotManagerConfig struct {
	// MaxRetained bounds how many non-manual snapshots prune keeps.
	MaxRetained int
	// ArchiveDir, when set, receives gzip archives of pruned snapshots
	// instead of discarding them.
	ArchiveDir string
	Clock      Clock
}

// SnapshotManager captures, restores, diffs, and prunes engine state
// snapshots. Manual checkpoints survive pruning.
type SnapshotManager struct {
	mu        sync.Mutex
	snapshots []*Snapshot
	byID      map[string]*Snapshot
	clock     Clock

	maxRetained int
	archiveDir  string
}

// NewSnapshotManager creates a snapshot manager.
func NewSnapshotManager(cfg SnapshotManagerConfig) *SnapshotManager {
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 50
	}
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	return &SnapshotManager{
		byID:        make(map[string]*Snapshot),
		clock:       cfg.Clock,
		maxRetained: cfg.MaxRetained,
		archiveDir:  cfg.ArchiveDir,
	}
}

// Capture serializes the given state into a new snapshot and returns its ID.
func (sm *SnapshotManager) Capture(trigger string, state EngineState, manual bool) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to serialize engine state: %w", err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	snap := &Snapshot{
		ID:        uuid.NewString(),
		CreatedAt: sm.clock.Now(),
		Trigger:   trigger,
		Manual:    manual,
		state:     data,
	}
	sm.snapshots = append(sm.snapshots, snap)
	sm.byID[snap.ID] = snap
	log.DebugLog.Printf("captured snapshot %s (trigger=%s, %d bytes)", snap.ID, trigger, len(data))
	return snap.ID, nil
}

// Restore deserializes the identified snapshot's state. The caller (the
// engine) applies it atomically to the queue, lock table, and pool.
func (sm *SnapshotManager) Restore(id string) (EngineState, error) {
	sm.mu.Lock()
	snap, ok := sm.byID[id]
	sm.mu.Unlock()

	if !ok {
		return EngineState{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}

	var state EngineState
	if err := json.Unmarshal(snap.state, &state); err != nil {
		return EngineState{}, fmt.Errorf("failed to deserialize snapshot %s: %w", id, err)
	}
	return state, nil
}

// Latest returns the most recent snapshot's ID, or empty when none exist.
func (sm *SnapshotManager) Latest() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if len(sm.snapshots) == 0 {
		return ""
	}
	return sm.snapshots[len(sm.snapshots)-1].ID
}

// Diff compares two snapshots.
func (sm *SnapshotManager) Diff(aID, bID string) (SnapshotDiff, error) {
	a, err := sm.Restore(aID)
	if err != nil {
		return SnapshotDiff{}, err
	}
	b, err := sm.Restore(bID)
	if err != nil {
		return SnapshotDiff{}, err
	}

	diff := SnapshotDiff{StatusChanges: make(map[string]string)}

	aTasks := make(map[string]Task, len(a.Tasks))
	for _, t := range a.Tasks {
		aTasks[t.ID] = t
	}
	bTasks := make(map[string]Task, len(b.Tasks))
	for _, t := range b.Tasks {
		bTasks[t.ID] = t
	}

	for id, bt := range bTasks {
		at, ok := aTasks[id]
		if !ok {
			diff.TasksAdded = append(diff.TasksAdded, id)
			continue
		}
		if at.Status != bt.Status {
			diff.StatusChanges[id] = fmt.Sprintf("%s -> %s", at.Status, bt.Status)
		}
	}
	for id := range aTasks {
		if _, ok := bTasks[id]; !ok {
			diff.TasksRemoved = append(diff.TasksRemoved, id)
		}
	}

	lockKey := func(l Lock) string { return l.Resource + "/" + l.Holder }
	aLocks := make(map[string]bool, len(a.Locks))
	for _, l := range a.Locks {
		aLocks[lockKey(l)] = true
	}
	bLocks := make(map[string]bool, len(b.Locks))
	for _, l := range b.Locks {
		bLocks[lockKey(l)] = true
	}
	for k := range bLocks {
		if !aLocks[k] {
			diff.LocksAdded = append(diff.LocksAdded, k)
		}
	}
	for k := range aLocks {
		if !bLocks[k] {
			diff.LocksRemoved = append(diff.LocksRemoved, k)
		}
	}

	diff.WorkerDelta = len(b.Workers) - len(a.Workers)

	sort.Strings(diff.TasksAdded)
	sort.Strings(diff.TasksRemoved)
	sort.Strings(diff.LocksAdded)
	sort.Strings(diff.LocksRemoved)
	if len(diff.StatusChanges) == 0 {
		diff.StatusChanges = nil
	}
	return diff, nil
}

// Prune drops the oldest non-manual snapshots beyond the retention bound,
// archiving them first when an archive directory is configured. Returns the
// number pruned.
func (sm *SnapshotManager) Prune() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	automatic := 0
	for _, snap := range sm.snapshots {
		if !snap.Manual {
			automatic++
		}
	}

	excess := automatic - sm.maxRetained
	if excess <= 0 {
		return 0
	}

	pruned := 0
	kept := sm.snapshots[:0]
	for _, snap := range sm.snapshots {
		if pruned < excess && !snap.Manual {
			if sm.archiveDir != "" {
				if err := sm.archive(snap); err != nil {
					log.ErrorLog.Printf("failed to archive snapshot %s: %v", snap.ID, err)
				}
			}
			delete(sm.byID, snap.ID)
			pruned++
			continue
		}
		kept = append(kept, snap)
	}
	sm.snapshots = kept
	return pruned
}

// archive writes a pruned snapshot as gzip-compressed JSON.
func (sm *SnapshotManager) archive(snap *Snapshot) error {
	if err := os.MkdirAll(sm.archiveDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(sm.archiveDir, snap.ID+".json.gz")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	if _, err := zw.Write(snap.state); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// List returns metadata for every retained snapshot, oldest first.
func (sm *SnapshotManager) List() []Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make([]Snapshot, 0, len(sm.snapshots))
	for _, s := range sm.snapshots {
		c := *s
		c.state = nil
		out = append(out, c)
	}
	return out
}

// Count returns the number of retained snapshots.
func (sm *SnapshotManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.snapshots)
}
