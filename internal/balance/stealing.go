// Package balance spreads work across agents: work stealing between the
// most and least loaded agents, and strategy-based agent selection.
package balance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/events"
	"github.com/aristath/coordinator/internal/logging"
	"github.com/aristath/coordinator/internal/scheduler"
)

// Workload is an externally reported snapshot of one agent.
type Workload struct {
	AgentID         string
	TaskCount       int
	AvgTaskDuration time.Duration
	CPUUsage        float64 // 0..1
	MemoryUsage     float64 // 0..1
	Priority        int
	Capabilities    []string
	UpdatedAt       time.Time
}

// TaskRequirements describes what FindBestAgent must place.
type TaskRequirements struct {
	Capabilities []string
	Priority     int
}

// StealRequest asks for Count tasks to move from Source to Target.
type StealRequest struct {
	OperationID string
	Source      string
	Target      string
	Count       int
	Timestamp   time.Time
}

// OperationStatus is the state of a steal operation.
type OperationStatus string

const (
	OpPlanned   OperationStatus = "planned"
	OpExecuting OperationStatus = "executing"
	OpCompleted OperationStatus = "completed"
	OpFailed    OperationStatus = "failed"
)

// Operation records one steal attempt. Terminal operations are never
// reopened.
type Operation struct {
	ID         string
	Source     string
	Target     string
	Requested  int
	TaskIDs    []string
	Status     OperationStatus
	Err        string
	Before     map[string]int // task counts of source and target when planned
	After      map[string]int // task counts when finished
	CreatedAt  time.Time
	FinishedAt time.Time
}

// TaskMover migrates queued tasks between agents.
type TaskMover interface {
	StealableTasks(agentID string, n int) []*scheduler.Task
	ReassignTask(taskID, agentID string) error
}

// StealConfig configures a Coordinator.
type StealConfig struct {
	Threshold    int           // Minimum task-count spread that triggers a steal (default 3)
	MaxBatch     int           // Most tasks moved by one steal (default 5)
	Interval     time.Duration // Check interval used by Run (default 5s)
	HistoryLimit int           // Finished operations retained (default 100)
}

// DefaultStealConfig returns the default work-stealing configuration.
func DefaultStealConfig() StealConfig {
	return StealConfig{Threshold: 3, MaxBatch: 5, Interval: 5 * time.Second, HistoryLimit: 100}
}

// StealStats summarizes work stealing.
type StealStats struct {
	Agents     int
	Planned    int
	Completed  int
	Failed     int
	TasksMoved int
	Imbalance  int // current max - min task count
}

// StealOption configures a Coordinator.
type StealOption func(*Coordinator)

// WithStealLogger sets the coordinator's logger.
func WithStealLogger(l *slog.Logger) StealOption {
	return func(c *Coordinator) { c.logger = logging.Component(l, "workstealing") }
}

// WithStealPublisher sets where steal events are published.
func WithStealPublisher(p events.Publisher) StealOption {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithMover lets Run execute the steals it plans.
func WithMover(m TaskMover) StealOption {
	return func(c *Coordinator) { c.mover = m }
}

// WithStealClock overrides time.Now, for tests.
func WithStealClock(now func() time.Time) StealOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// Coordinator tracks agent workloads and plans steals from the most loaded
// agent to the least loaded one.
type Coordinator struct {
	mu         sync.Mutex
	cfg        StealConfig
	workloads  map[string]*Workload
	operations map[string]*Operation
	finished   []string // finished operation ids, oldest first
	stats      StealStats

	mover     TaskMover
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewCoordinator creates a work-stealing Coordinator.
func NewCoordinator(cfg StealConfig, opts ...StealOption) *Coordinator {
	d := DefaultStealConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = d.MaxBatch
	}
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = d.HistoryLimit
	}
	c := &Coordinator{
		cfg:        cfg,
		workloads:  make(map[string]*Workload),
		operations: make(map[string]*Operation),
		publisher:  events.Discard,
		logger:     logging.Component(nil, "workstealing"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UpdateWorkload replaces the snapshot for w.AgentID.
func (c *Coordinator) UpdateWorkload(w Workload) {
	if w.AgentID == "" {
		return
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = c.now()
	}
	w.Capabilities = append([]string(nil), w.Capabilities...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.workloads[w.AgentID] = &w
}

// AdjustTaskCount adds delta to an agent's task count, creating the agent
// if needed. Counts never go below zero.
func (c *Coordinator) AdjustTaskCount(agentID string, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workloads[agentID]
	if !ok {
		w = &Workload{AgentID: agentID}
		c.workloads[agentID] = w
	}
	w.TaskCount = max(0, w.TaskCount+delta)
	w.UpdatedAt = c.now()
}

// RemoveAgent forgets an agent.
func (c *Coordinator) RemoveAgent(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workloads, agentID)
}

// Workload returns the snapshot for agentID.
func (c *Coordinator) Workload(agentID string) (Workload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workloads[agentID]
	if !ok {
		return Workload{}, false
	}
	return *w, true
}

// Workloads returns all snapshots sorted by agent id.
func (c *Coordinator) Workloads() []Workload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Workload, 0, len(c.workloads))
	for _, w := range c.workloads {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// byLoadLocked returns workloads ordered by task count then agent id. Caller must
// hold c.mu.
func (c *Coordinator) byLoadLocked() []*Workload {
	ws := make([]*Workload, 0, len(c.workloads))
	for _, w := range c.workloads {
		ws = append(ws, w)
	}
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].TaskCount != ws[j].TaskCount {
			return ws[i].TaskCount < ws[j].TaskCount
		}
		return ws[i].AgentID < ws[j].AgentID
	})
	return ws
}

// CheckAndSteal plans a steal when the spread between the most and least
// loaded agents reaches the threshold. It returns nil otherwise.
func (c *Coordinator) CheckAndSteal() *StealRequest {
	c.mu.Lock()
	ws := c.byLoadLocked()
	if len(ws) < 2 {
		c.mu.Unlock()
		return nil
	}
	least, most := ws[0], ws[len(ws)-1]
	diff := most.TaskCount - least.TaskCount
	if diff < c.cfg.Threshold {
		c.mu.Unlock()
		return nil
	}
	count := min(diff/2, c.cfg.MaxBatch)
	if count <= 0 {
		c.mu.Unlock()
		return nil
	}
	req := c.planLocked(most.AgentID, least.AgentID, count)
	c.mu.Unlock()

	c.announce(req)
	return req
}

// RequestSteal plans a steal between two specific agents.
func (c *Coordinator) RequestSteal(source, target string, count int) (*StealRequest, error) {
	if source == target {
		return nil, fmt.Errorf("steal source and target are both %s", source)
	}
	if count <= 0 {
		return nil, fmt.Errorf("steal count must be positive, got %d", count)
	}
	c.mu.Lock()
	req := c.planLocked(source, target, min(count, c.cfg.MaxBatch))
	c.mu.Unlock()

	c.announce(req)
	return req, nil
}

func (c *Coordinator) planLocked(source, target string, count int) *StealRequest {
	now := c.now()
	op := &Operation{
		ID:        uuid.NewString(),
		Source:    source,
		Target:    target,
		Requested: count,
		Status:    OpPlanned,
		Before:    c.countsLocked(source, target),
		CreatedAt: now,
	}
	c.operations[op.ID] = op
	c.stats.Planned++
	return &StealRequest{OperationID: op.ID, Source: source, Target: target, Count: count, Timestamp: now}
}

func (c *Coordinator) countsLocked(ids ...string) map[string]int {
	out := make(map[string]int, len(ids))
	for _, id := range ids {
		if w, ok := c.workloads[id]; ok {
			out[id] = w.TaskCount
		} else {
			out[id] = 0
		}
	}
	return out
}

func (c *Coordinator) announce(req *StealRequest) {
	c.logger.Info("work steal planned", "operation_id", req.OperationID, "source", req.Source, "target", req.Target, "count", req.Count)
	c.publisher.Publish(events.StealRequestEvent{
		OperationID: req.OperationID, Source: req.Source, Target: req.Target, Count: req.Count, Timestamp: req.Timestamp,
	})
}

// Execute moves up to req.Count stealable tasks from the source to the
// target through m. The operation fails when nothing could be moved.
func (c *Coordinator) Execute(req *StealRequest, m TaskMover) (Operation, error) {
	c.mu.Lock()
	op, ok := c.operations[req.OperationID]
	if !ok || op.Status != OpPlanned {
		c.mu.Unlock()
		return Operation{}, fmt.Errorf("steal operation %s is not planned", req.OperationID)
	}
	op.Status = OpExecuting
	c.mu.Unlock()

	var moved []string
	var errs []error
	for _, t := range m.StealableTasks(req.Source, req.Count) {
		if err := m.ReassignTask(t.ID, req.Target); err != nil {
			errs = append(errs, err)
			continue
		}
		moved = append(moved, t.ID)
	}

	c.mu.Lock()
	if n := len(moved); n > 0 {
		c.adjustLocked(req.Source, -n)
		c.adjustLocked(req.Target, n)
	}
	op.TaskIDs = moved
	op.After = c.countsLocked(req.Source, req.Target)
	op.FinishedAt = c.now()
	if len(moved) > 0 {
		op.Status = OpCompleted
		c.stats.Completed++
		c.stats.TasksMoved += len(moved)
	} else {
		op.Status = OpFailed
		c.stats.Failed++
		if len(errs) > 0 {
			op.Err = errors.Join(errs...).Error()
		} else {
			op.Err = "no stealable tasks"
		}
	}
	c.finishLocked(op.ID)
	result := cloneOperation(op)
	c.mu.Unlock()

	if len(errs) > 0 {
		c.logger.Warn("some tasks could not be stolen", "operation_id", op.ID, "error", errors.Join(errs...))
	}
	c.publisher.Publish(events.StealCompletedEvent{
		OperationID: result.ID, Source: result.Source, Target: result.Target,
		TaskIDs: result.TaskIDs, Success: result.Status == OpCompleted, Timestamp: result.FinishedAt,
	})
	if result.Status == OpFailed {
		return result, fmt.Errorf("steal %s from %s to %s: %s", result.ID, result.Source, result.Target, result.Err)
	}
	return result, nil
}

func (c *Coordinator) adjustLocked(agentID string, delta int) {
	if w, ok := c.workloads[agentID]; ok {
		w.TaskCount = max(0, w.TaskCount+delta)
	}
}

func (c *Coordinator) finishLocked(id string) {
	c.finished = append(c.finished, id)
	for len(c.finished) > c.cfg.HistoryLimit {
		delete(c.operations, c.finished[0])
		c.finished = c.finished[1:]
	}
}

// Operation returns the steal operation with the given id.
func (c *Coordinator) Operation(id string) (Operation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.operations[id]
	if !ok {
		return Operation{}, false
	}
	return cloneOperation(op), true
}

func cloneOperation(op *Operation) Operation {
	out := *op
	out.TaskIDs = append([]string(nil), op.TaskIDs...)
	out.Before = cloneCounts(op.Before)
	out.After = cloneCounts(op.After)
	return out
}

func cloneCounts(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FindBestAgent scores every known agent with an additive heuristic and
// returns the highest scoring one. Task count, resource usage and predicted
// load (average duration times task count) lower the score; declared
// priority and matching capabilities raise it.
func (c *Coordinator) FindBestAgent(req TaskRequirements) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.workloads) == 0 {
		return "", errors.ErrNoAgents
	}
	best, bestScore := "", 0.0
	for _, id := range sortedKeys(c.workloads) {
		score := bestFitScore(c.workloads[id], req)
		if best == "" || score > bestScore {
			best, bestScore = id, score
		}
	}
	return best, nil
}

func bestFitScore(w *Workload, req TaskRequirements) float64 {
	score := 100.0
	score -= float64(w.TaskCount) * 10
	score -= (w.CPUUsage + w.MemoryUsage) * 25
	score += float64(w.Priority) * 5
	score += float64(matchCount(w.Capabilities, req.Capabilities)) * 15
	score -= w.AvgTaskDuration.Seconds() * float64(w.TaskCount)
	return score
}

// Run checks for imbalance every Interval and executes planned steals when
// a mover is configured.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req := c.CheckAndSteal()
			if req == nil || c.mover == nil {
				continue
			}
			if _, err := c.Execute(req, c.mover); err != nil {
				c.logger.Debug("work steal failed", "error", err)
			}
		}
	}
}

// Stats returns work-stealing counters.
func (c *Coordinator) Stats() StealStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Agents = len(c.workloads)
	if ws := c.byLoadLocked(); len(ws) > 1 {
		s.Imbalance = ws[len(ws)-1].TaskCount - ws[0].TaskCount
	}
	return s
}

func matchCount(have, want []string) int {
	if len(want) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	n := 0
	for _, w := range want {
		if _, ok := set[w]; ok {
			n++
		}
	}
	return n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
