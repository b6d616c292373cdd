package engine

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/log"
)

// ResolutionStrategy selects how a detected conflict is resolved.
type ResolutionStrategy int

const (
	// ResolveMerge combines both writes line by line; succeeds only when the
	// changes do not overlap.
	ResolveMerge ResolutionStrategy = iota
	// ResolveOverwrite applies the most recent write and logs the loss.
	ResolveOverwrite
	// ResolveReject applies neither write and flags the conflict for manual
	// resolution.
	ResolveReject
	// ResolveManual parks the conflict for an external decision.
	ResolveManual
)

func (rs ResolutionStrategy) String() string {
	switch rs {
	case ResolveMerge:
		return "merge"
	case ResolveOverwrite:
		return "overwrite"
	case ResolveReject:
		return "reject"
	case ResolveManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ParseResolutionStrategy maps a config string to a strategy, defaulting to
// reject for anything unrecognized.
func ParseResolutionStrategy(s string) ResolutionStrategy {
	switch strings.ToLower(s) {
	case "merge":
		return ResolveMerge
	case "overwrite":
		return ResolveOverwrite
	case "manual":
		return ResolveManual
	default:
		return ResolveReject
	}
}

var (
	// ErrMergeOverlap is returned when both writers touched the same region.
	ErrMergeOverlap = errors.New("merge failed: overlapping changes")
	// ErrConflictNotFound is returned for lookups of unknown conflict IDs.
	ErrConflictNotFound = errors.New("conflict not found")
	// ErrConflictResolved is returned when re-resolving a settled conflict.
	ErrConflictResolved = errors.New("conflict already resolved")
)

// Conflict records concurrent modifications to one resource.
type Conflict struct {
	ID         string             `json:"id"`
	Resource   string             `json:"resource"`
	Writers    []string           `json:"writers"`
	DetectedAt time.Time          `json:"detected_at"`
	Strategy   ResolutionStrategy `json:"strategy"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
	Outcome    string             `json:"outcome,omitempty"`
}

// Resolved reports whether the conflict has been settled.
func (c *Conflict) Resolved() bool { return c.ResolvedAt != nil }

// Fingerprint returns a fast content hash used to detect divergence between
// lock acquisition and release.
func Fingerprint(content string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(content))
	return h.Sum64()
}

// ConflictResolver detects concurrent writes via content fingerprints and
// applies the configured resolution strategy.
type ConflictResolver struct {
	mu        sync.Mutex
	conflicts map[string]*Conflict
	// baselines maps resource -> fingerprint recorded at lock acquisition.
	baselines map[string]uint64
	clock     Clock
	onDetect  func(Conflict)
}

// NewConflictResolver creates a conflict resolver.
func NewConflictResolver(clock Clock) *ConflictResolver {
	if clock == nil {
		clock = NewRealClock()
	}
	return &ConflictResolver{
		conflicts: make(map[string]*Conflict),
		baselines: make(map[string]uint64),
		clock:     clock,
	}
}

// SetDetectHandler registers a callback invoked whenever a new write
// conflict is opened.
func (cr *ConflictResolver) SetDetectHandler(fn func(Conflict)) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.onDetect = fn
}

// RecordBaseline fingerprints the resource content as of lock acquisition.
func (cr *ConflictResolver) RecordBaseline(resource, content string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.baselines[resource] = Fingerprint(content)
}

// Detect compares the resource content at release time against the recorded
// baseline. A diverging fingerprint means another writer got in between; a
// conflict record is opened and returned. Returns nil when content is
// unchanged or no baseline exists.
func (cr *ConflictResolver) Detect(resource, current string, writers []string) *Conflict {
	cr.mu.Lock()

	base, ok := cr.baselines[resource]
	if !ok {
		cr.mu.Unlock()
		return nil
	}
	delete(cr.baselines, resource)
	if Fingerprint(current) == base {
		cr.mu.Unlock()
		return nil
	}

	w := append([]string(nil), writers...)
	sort.Strings(w)
	c := &Conflict{
		ID:         uuid.NewString(),
		Resource:   resource,
		Writers:    w,
		DetectedAt: cr.clock.Now(),
	}
	cr.conflicts[c.ID] = c
	cb := cr.onDetect
	cr.mu.Unlock()

	log.WarningLog.Printf("conflict detected on %s between %v", resource, w)
	if cb != nil {
		cb(*c)
	}
	return c
}

// RecordDeadlock opens a conflict record for a rejected deadlock cycle so it
// shows up alongside write conflicts in status reports.
func (cr *ConflictResolver) RecordDeadlock(cycle []string) *Conflict {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	now := cr.clock.Now()
	c := &Conflict{
		ID:         uuid.NewString(),
		Resource:   "deadlock:" + strings.Join(cycle, "->"),
		Writers:    append([]string(nil), cycle...),
		DetectedAt: now,
		Strategy:   ResolveReject,
		ResolvedAt: &now,
		Outcome:    "newest lock request rejected",
	}
	cr.conflicts[c.ID] = c
	return c
}

// Resolve applies the strategy to the conflict. base is the content both
// writers started from; mine and theirs are the competing results, theirs
// being the more recent write. The returned string is the content to keep.
func (cr *ConflictResolver) Resolve(conflictID string, strategy ResolutionStrategy, base, mine, theirs string) (string, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	c, ok := cr.conflicts[conflictID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if c.Resolved() {
		return "", fmt.Errorf("%w: %s", ErrConflictResolved, conflictID)
	}

	c.Strategy = strategy
	switch strategy {
	case ResolveMerge:
		merged, err := mergeLines(base, mine, theirs)
		if err != nil {
			// Overlapping merges degrade to reject rather than guessing.
			c.Strategy = ResolveReject
			cr.settleLocked(c, "merge overlapped, rejected; kept baseline")
			return base, err
		}
		cr.settleLocked(c, "merged")
		return merged, nil
	case ResolveOverwrite:
		log.WarningLog.Printf("conflict on %s: overwrite strategy discarded one write", c.Resource)
		cr.settleLocked(c, "overwritten by latest write")
		return theirs, nil
	case ResolveReject:
		cr.settleLocked(c, "both writes rejected; kept baseline")
		return base, nil
	case ResolveManual:
		// Stays open until ResolveManually.
		return base, nil
	default:
		return "", fmt.Errorf("unknown resolution strategy %d", strategy)
	}
}

// ResolveManually settles a conflict with externally supplied content.
func (cr *ConflictResolver) ResolveManually(conflictID, content string) (string, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	c, ok := cr.conflicts[conflictID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if c.Resolved() {
		return "", fmt.Errorf("%w: %s", ErrConflictResolved, conflictID)
	}
	c.Strategy = ResolveManual
	cr.settleLocked(c, "resolved manually")
	return content, nil
}

func (cr *ConflictResolver) settleLocked(c *Conflict, outcome string) {
	now := cr.clock.Now()
	c.ResolvedAt = &now
	c.Outcome = outcome
}

// Pending returns open conflicts, oldest first.
func (cr *ConflictResolver) Pending() []Conflict {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	var out []Conflict
	for _, c := range cr.conflicts {
		if !c.Resolved() {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// All returns every conflict record, oldest first.
func (cr *ConflictResolver) All() []Conflict {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	out := make([]Conflict, 0, len(cr.conflicts))
	for _, c := range cr.conflicts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// mergeLines combines two edits of base line by line. A line may be changed
// by at most one side; any line both sides changed differently makes the
// merge fail with ErrMergeOverlap. Line insertions and deletions change line
// counts and are treated as overlapping unless only one side diverged.
func mergeLines(base, mine, theirs string) (string, error) {
	if mine == base {
		return theirs, nil
	}
	if theirs == base {
		return mine, nil
	}
	if mine == theirs {
		return mine, nil
	}

	bl := strings.Split(base, "\n")
	ml := strings.Split(mine, "\n")
	tl := strings.Split(theirs, "\n")

	if len(ml) != len(bl) || len(tl) != len(bl) {
		return "", ErrMergeOverlap
	}

	out := make([]string, len(bl))
	for i := range bl {
		mc := ml[i] != bl[i]
		tc := tl[i] != bl[i]
		switch {
		case mc && tc && ml[i] != tl[i]:
			return "", fmt.Errorf("%w at line %d", ErrMergeOverlap, i+1)
		case mc:
			out[i] = ml[i]
		case tc:
			out[i] = tl[i]
		default:
			out[i] = bl[i]
		}
	}
	return strings.Join(out, "\n"), nil
}
