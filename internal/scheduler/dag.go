package scheduler

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/logging"
)

// NodeStatus mirrors a task's state inside the dependency graph.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
)

// DependencyNode is the graph's view of one task.
type DependencyNode struct {
	TaskID       string
	Dependencies []string
	Dependents   []string
	Status       NodeStatus
}

type node struct {
	id           string
	dependencies map[string]struct{}
	dependents   map[string]struct{}
	status       NodeStatus
}

// CriticalPath is the longest dependency chain from a source to a sink.
type CriticalPath struct {
	From string
	To   string
	Path []string
}

// DependencyGraph tracks dependency edges between active tasks and the set
// of completed task IDs. Dependencies and dependents are kept symmetric.
type DependencyGraph struct {
	mu        sync.RWMutex
	nodes     map[string]*node
	completed map[string]struct{}
	logger    *slog.Logger
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph(logger *slog.Logger) *DependencyGraph {
	return &DependencyGraph{
		nodes:     make(map[string]*node),
		completed: make(map[string]struct{}),
		logger:    logging.Component(logger, "dependency-graph"),
	}
}

// AddTask inserts a node for task. Every dependency must be either a known
// node or already completed; otherwise a *errors.TaskDependencyError lists
// the offending ids. Completed dependencies are satisfied on insert, so the
// node only keeps edges to active nodes and starts ready when it has none.
func (g *DependencyGraph) AddTask(task *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[task.ID]; exists {
		return errors.NewTaskError(task.ID, "add", errors.ErrDuplicateTask)
	}

	var missing []string
	for _, depID := range task.Dependencies {
		_, known := g.nodes[depID]
		_, done := g.completed[depID]
		if !known && !done {
			missing = append(missing, depID)
		}
	}
	if len(missing) > 0 {
		return errors.NewTaskDependencyError(task.ID, missing)
	}

	n := &node{
		id:           task.ID,
		dependencies: make(map[string]struct{}, len(task.Dependencies)),
		dependents:   make(map[string]struct{}),
		status:       NodePending,
	}
	for _, depID := range task.Dependencies {
		if dep, ok := g.nodes[depID]; ok {
			n.dependencies[depID] = struct{}{}
			dep.dependents[task.ID] = struct{}{}
		}
	}
	if g.satisfied(n) {
		n.status = NodeReady
	}
	g.nodes[task.ID] = n
	return nil
}

// AddDependency adds the edge taskID -> depID between two existing nodes.
// Cycles are not rejected here; DetectCycles reports them.
func (g *DependencyGraph) AddDependency(taskID, depID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[taskID]
	if !ok {
		return errors.NewTaskError(taskID, "add dependency", errors.ErrTaskNotFound)
	}
	dep, ok := g.nodes[depID]
	if !ok {
		return errors.NewTaskDependencyError(taskID, []string{depID})
	}
	n.dependencies[depID] = struct{}{}
	dep.dependents[taskID] = struct{}{}
	if n.status == NodeReady {
		n.status = NodePending
	}
	return nil
}

// satisfied reports whether every dependency of n is completed.
// Caller must hold g.mu.
func (g *DependencyGraph) satisfied(n *node) bool {
	for depID := range n.dependencies {
		if _, done := g.completed[depID]; !done {
			return false
		}
	}
	return true
}

// RemoveTask detaches a node from its neighbors. Dependents whose remaining
// dependencies are all completed become ready. Unknown ids are ignored.
func (g *DependencyGraph) RemoveTask(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(id)
}

func (g *DependencyGraph) removeLocked(id string) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for depID := range n.dependencies {
		if dep, ok := g.nodes[depID]; ok {
			delete(dep.dependents, id)
		}
	}
	for childID := range n.dependents {
		child, ok := g.nodes[childID]
		if !ok {
			continue
		}
		delete(child.dependencies, id)
		if child.status == NodePending && g.satisfied(child) {
			child.status = NodeReady
		}
	}
	delete(g.nodes, id)
}

// MarkRunning flips a node to running.
func (g *DependencyGraph) MarkRunning(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		n.status = NodeRunning
	}
}

// MarkCompleted records id as completed, returns the dependents that became
// ready as a result and drops the node from the active graph.
func (g *DependencyGraph) MarkCompleted(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		g.logger.Warn("mark completed on unknown task", "task_id", id)
		return nil
	}
	g.completed[id] = struct{}{}
	n.status = NodeCompleted

	var ready []string
	for _, childID := range sortedKeys(n.dependents) {
		child, ok := g.nodes[childID]
		if !ok {
			continue
		}
		// The edge is satisfied; dependents no longer need the completed set
		// to remember id.
		delete(child.dependencies, id)
		if child.status == NodePending && g.satisfied(child) {
			child.status = NodeReady
			ready = append(ready, childID)
		}
	}

	for depID := range n.dependencies {
		if dep, ok := g.nodes[depID]; ok {
			delete(dep.dependents, id)
		}
	}
	delete(g.nodes, id)
	return ready
}

// MarkFailed marks id and every transitive dependent as failed and returns
// the dependents, in breadth-first order.
func (g *DependencyGraph) MarkFailed(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		g.logger.Warn("mark failed on unknown task", "task_id", id)
		return nil
	}
	n.status = NodeFailed

	affected := g.walkDependents(id)
	for _, childID := range affected {
		g.nodes[childID].status = NodeFailed
	}
	return affected
}

// TransitiveDependents returns every node that depends on id directly or
// indirectly, in breadth-first order.
func (g *DependencyGraph) TransitiveDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.walkDependents(id)
}

// walkDependents is an iterative BFS over dependent edges with a local
// visited set. Caller must hold g.mu.
func (g *DependencyGraph) walkDependents(id string) []string {
	root, ok := g.nodes[id]
	if !ok {
		return nil
	}
	visited := map[string]bool{id: true}
	queue := sortedKeys(root.dependents)
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		n, ok := g.nodes[cur]
		if !ok {
			continue
		}
		out = append(out, cur)
		queue = append(queue, sortedKeys(n.dependents)...)
	}
	return out
}

// DetectCycles runs a depth-first search with a recursion stack over
// dependency edges. Each cycle is the path from the first repeated node to
// its repetition, e.g. [X Y X].
func (g *DependencyGraph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	adj := make(map[string][]string, len(g.nodes))
	for id, n := range g.nodes {
		for depID := range n.dependencies {
			if _, ok := g.nodes[depID]; ok {
				adj[id] = append(adj[id], depID)
			}
		}
		sort.Strings(adj[id])
	}
	return FindCycles(sortedKeys(g.nodes), adj)
}

// FindCycles detects cycles in an arbitrary directed graph given as an
// adjacency list, visiting roots in the given order. It is shared with the
// deadlock detector's waits-for graph.
func FindCycles[K comparable](roots []K, adj map[K][]K) [][]K {
	const (
		white = iota
		gray
		black
	)
	color := make(map[K]int)
	var cycles [][]K

	for _, root := range roots {
		if color[root] != white {
			continue
		}
		// path is the recursion stack; next[i] is the next neighbor index of path[i].
		path := []K{root}
		next := []int{0}
		color[root] = gray

		for len(path) > 0 {
			top := len(path) - 1
			neighbors := adj[path[top]]
			if next[top] >= len(neighbors) {
				color[path[top]] = black
				path = path[:top]
				next = next[:top]
				continue
			}
			nb := neighbors[next[top]]
			next[top]++

			switch color[nb] {
			case white:
				color[nb] = gray
				path = append(path, nb)
				next = append(next, 0)
			case gray:
				start := slices.Index(path, nb)
				cycle := append(slices.Clone(path[start:]), nb)
				cycles = append(cycles, cycle)
			}
		}
	}
	return cycles
}

// TopologicalSort returns task ids with dependencies first, or nil when the
// graph contains a cycle.
func (g *DependencyGraph) TopologicalSort() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.topoLocked()
}

func (g *DependencyGraph) topoLocked() []string {
	if len(g.nodes) == 0 {
		return []string{}
	}

	var edges []toposort.Edge
	for _, id := range sortedKeys(g.nodes) {
		n := g.nodes[id]
		hasGraphDep := false
		for _, depID := range sortedKeys(n.dependencies) {
			if _, ok := g.nodes[depID]; !ok {
				continue
			}
			hasGraphDep = true
			// Edge (depID, id) means depID must come before id
			edges = append(edges, toposort.Edge{depID, id})
		}
		if !hasGraphDep {
			edges = append(edges, toposort.Edge{nil, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil
	}

	order := make([]string, 0, len(g.nodes))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(string))
		}
	}
	if len(order) != len(g.nodes) {
		return nil
	}
	return order
}

// FindCriticalPath returns the longest source-to-sink chain over dependent
// edges. Ties keep the first path found. Returns nil for an empty or cyclic
// graph.
func (g *DependencyGraph) FindCriticalPath() *CriticalPath {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order := g.topoLocked()
	if len(order) == 0 {
		return nil
	}

	length := make(map[string]int, len(order))
	prev := make(map[string]string, len(order))
	for _, id := range order {
		if length[id] == 0 {
			length[id] = 1
		}
		for _, childID := range sortedKeys(g.nodes[id].dependents) {
			if length[id]+1 > length[childID] {
				length[childID] = length[id] + 1
				prev[childID] = id
			}
		}
	}

	var best string
	for _, id := range order {
		if len(g.nodes[id].dependents) != 0 {
			continue
		}
		if best == "" || length[id] > length[best] {
			best = id
		}
	}
	if best == "" {
		return nil
	}

	path := []string{best}
	for cur := best; prev[cur] != ""; cur = prev[cur] {
		path = append(path, prev[cur])
	}
	slices.Reverse(path)
	return &CriticalPath{From: path[0], To: path[len(path)-1], Path: path}
}

// Ready returns the ids of ready nodes, sorted.
func (g *DependencyGraph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id, n := range g.nodes {
		if n.status == NodeReady {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// Node returns a snapshot of the node for id.
func (g *DependencyGraph) Node(id string) (DependencyNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return DependencyNode{}, false
	}
	return DependencyNode{
		TaskID:       n.id,
		Dependencies: sortedKeys(n.dependencies),
		Dependents:   sortedKeys(n.dependents),
		Status:       n.status,
	}, true
}

// Nodes returns snapshots of every active node, sorted by id.
func (g *DependencyGraph) Nodes() []DependencyNode {
	g.mu.RLock()
	ids := sortedKeys(g.nodes)
	g.mu.RUnlock()

	out := make([]DependencyNode, 0, len(ids))
	for _, id := range ids {
		if n, ok := g.Node(id); ok {
			out = append(out, n)
		}
	}
	return out
}

// IsCompleted reports whether id is in the completed set.
func (g *DependencyGraph) IsCompleted(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.completed[id]
	return ok
}

// Forget drops id from the completed set. Active dependents are unaffected;
// later tasks depending on id will be rejected as having an unknown
// dependency.
func (g *DependencyGraph) Forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.completed, id)
}

// Len returns the number of active nodes.
func (g *DependencyGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// String renders the graph for debugging.
func (g *DependencyGraph) String() string {
	return fmt.Sprintf("DependencyGraph{nodes=%d completed=%d}", g.Len(), len(g.completedIDs()))
}

func (g *DependencyGraph) completedIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.completed)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
