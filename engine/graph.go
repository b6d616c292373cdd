package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// CycleError reports a dependency cycle discovered during validation or
// topological ordering. Cycle holds the offending node IDs in traversal order.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Cycle, " -> "))
}

// visit marks used by the cycle-detection DFS.
type visitMark int

const (
	unvisited visitMark = iota
	inProgress
	done
)

// findCycle runs a DFS from start following edges and returns the node IDs
// forming a cycle, or nil if none is reachable. marks must be shared across
// calls when scanning a whole graph.
func findCycle(start string, edges func(string) []string, marks map[string]visitMark) []string {
	var stack []string

	var dfs func(id string) []string
	dfs = func(id string) []string {
		marks[id] = inProgress
		stack = append(stack, id)

		for _, next := range edges(id) {
			switch marks[next] {
			case inProgress:
				// Found a back edge; slice the stack from the first
				// occurrence of next to close the cycle.
				for i, n := range stack {
					if n == next {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, next)
					}
				}
				return []string{next, next}
			case unvisited:
				if c := dfs(next); c != nil {
					return c
				}
			}
		}

		marks[id] = done
		stack = stack[:len(stack)-1]
		return nil
	}

	return dfs(start)
}

// DependencyGraph maintains the task dependency DAG. Nodes are task IDs;
// edges point from a task to the tasks it depends on. Insertion order is
// preserved so traversals are deterministic.
type DependencyGraph struct {
	mu    sync.RWMutex
	order []string
	deps  map[string][]string
}

// NewDependencyGraph creates an empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		deps: make(map[string][]string),
	}
}

// Add registers a node and its dependency edges. Adding the same node twice
// replaces its edges. Dependencies on nodes not yet added are allowed; they
// are validated by Validate.
func (g *DependencyGraph) Add(id string, deps []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.deps[id]; !exists {
		g.order = append(g.order, id)
	}
	g.deps[id] = append([]string(nil), deps...)
}

// Remove deletes a node and its edges.
func (g *DependencyGraph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.deps[id]; !exists {
		return
	}
	delete(g.deps, id)
	for i, n := range g.order {
		if n == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of nodes.
func (g *DependencyGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Validate checks that every dependency references a known node and that the
// graph is acyclic. Returns a CycleError on a cycle.
func (g *DependencyGraph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, deps := range g.deps {
		for _, dep := range deps {
			if _, exists := g.deps[dep]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", id, dep)
			}
		}
	}

	marks := make(map[string]visitMark, len(g.order))
	for _, id := range g.order {
		if marks[id] != unvisited {
			continue
		}
		if cycle := findCycle(id, g.edgesLocked, marks); cycle != nil {
			return &CycleError{Cycle: cycle}
		}
	}
	return nil
}

// edgesLocked returns the dependency edges for a node. Callers must hold mu.
func (g *DependencyGraph) edgesLocked(id string) []string {
	return g.deps[id]
}

// TopologicalOrder returns the nodes in dependency order (dependencies before
// dependents), or a CycleError.
func (g *DependencyGraph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	marks := make(map[string]visitMark, len(g.order))
	result := make([]string, 0, len(g.order))

	var visit func(id string) []string
	visit = func(id string) []string {
		marks[id] = inProgress
		for _, dep := range g.deps[id] {
			switch marks[dep] {
			case inProgress:
				return []string{dep, id, dep}
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		marks[id] = done
		result = append(result, id)
		return nil
	}

	for _, id := range g.order {
		if marks[id] != unvisited {
			continue
		}
		if cycle := findCycle(id, g.edgesLocked, marks); cycle != nil {
			return nil, &CycleError{Cycle: cycle}
		}
	}

	// Re-run the post-order append now that the graph is known acyclic.
	marks = make(map[string]visitMark, len(g.order))
	for _, id := range g.order {
		if marks[id] == unvisited {
			visit(id)
		}
	}

	return result, nil
}

// CriticalPath returns the longest dependency chain weighted by the supplied
// per-node weight (typically estimated duration), along with its total
// weight. The graph must be acyclic.
func (g *DependencyGraph) CriticalPath(weight func(id string) time.Duration) ([]string, time.Duration) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, 0
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	// Longest path ending at each node, computed in topological order.
	cost := make(map[string]time.Duration, len(order))
	prev := make(map[string]string, len(order))

	for _, id := range order {
		best := time.Duration(0)
		bestDep := ""
		for _, dep := range g.deps[id] {
			if cost[dep] > best || (cost[dep] == best && bestDep == "") {
				best = cost[dep]
				bestDep = dep
			}
		}
		cost[id] = best + weight(id)
		if bestDep != "" {
			prev[id] = bestDep
		}
	}

	var endID string
	var max time.Duration
	for _, id := range order {
		if cost[id] > max || endID == "" {
			max = cost[id]
			endID = id
		}
	}
	if endID == "" {
		return nil, 0
	}

	var path []string
	for id := endID; id != ""; id = prev[id] {
		path = append([]string{id}, path...)
		if _, ok := prev[id]; !ok {
			break
		}
	}
	return path, max
}

// Eligible returns the nodes for which every dependency satisfies done,
// filtered to those accepted by include. Results follow insertion order.
func (g *DependencyGraph) Eligible(done func(id string) bool, include func(id string) bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var eligible []string
	for _, id := range g.order {
		if include != nil && !include(id) {
			continue
		}
		ok := true
		for _, dep := range g.deps[id] {
			if !done(dep) {
				ok = false
				break
			}
		}
		if ok {
			eligible = append(eligible, id)
		}
	}
	return eligible
}

// Dependents returns the nodes that directly depend on id, sorted for
// determinism.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for node, deps := range g.deps {
		for _, dep := range deps {
			if dep == id {
				out = append(out, node)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// TransitiveDependents returns every node reachable by following dependent
// edges from id, sorted for determinism.
func (g *DependencyGraph) TransitiveDependents(id string) []string {
	g.mu.RLock()

	// Build reverse adjacency once.
	reverse := make(map[string][]string, len(g.deps))
	for node, deps := range g.deps {
		for _, dep := range deps {
			reverse[dep] = append(reverse[dep], node)
		}
	}
	g.mu.RUnlock()

	seen := make(map[string]bool)
	queue := append([]string(nil), reverse[id]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		queue = append(queue, reverse[n]...)
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Depth returns the length of the longest dependency chain below id
// (0 for a task with no dependencies).
func (g *DependencyGraph) Depth(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	memo := make(map[string]int)
	var depth func(string) int
	depth = func(n string) int {
		if d, ok := memo[n]; ok {
			return d
		}
		max := 0
		for _, dep := range g.deps[n] {
			if d := depth(dep) + 1; d > max {
				max = d
			}
		}
		memo[n] = max
		return max
	}
	return depth(id)
}
