package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/events"
	"github.com/aristath/coordinator/internal/logging"
)

// Config configures a TaskScheduler.
type Config struct {
	MaxRetries          int           // Attempts before a task fails terminally (default 3)
	RetryDelay          time.Duration // Base delay, doubled per failed attempt (default 1s)
	MaxRetryDelay       time.Duration // Cap on the retry delay (default 5m)
	TaskTimeout         time.Duration // Running-time limit per attempt (default 30s)
	CompletedRetention  int           // Finished tasks kept for dependency lookups (default 1000)
	MaintenanceInterval time.Duration // Stuck-task sweep interval used by Run (default 30s)
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		RetryDelay:          time.Second,
		MaxRetryDelay:       5 * time.Minute,
		TaskTimeout:         30 * time.Second,
		CompletedRetention:  1000,
		MaintenanceInterval: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = d.CompletedRetention
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	return c
}

// Option configures a TaskScheduler.
type Option func(*TaskScheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *TaskScheduler) { s.logger = logging.Component(l, "scheduler") }
}

// WithPublisher sets where lifecycle events are published.
func WithPublisher(p events.Publisher) Option {
	return func(s *TaskScheduler) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *TaskScheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Stats counts scheduler transitions since creation.
type Stats struct {
	Created   uint64
	Started   uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64
	Retried   uint64
	TimedOut  uint64
	Requeued  uint64
}

// Health summarizes the scheduler's current state.
type Health struct {
	Healthy  bool
	Error    string
	Active   int
	Pending  int
	Queued   int
	Running  int
	Retained int
	Timers   int
	Stats    Stats
}

type scheduledTask struct {
	ScheduledTask
	backoff *backoff.ExponentialBackOff
	run     uint64 // identifies the current attempt; 0 when none is active
}

type startEffect struct {
	task    *Task
	agentID string
	attempt int
	run     uint64
}

type stopEffect struct {
	taskID string
	run    uint64
}

// effects collects what must happen after the scheduler lock is released,
// so that events and hooks never run under the lock.
type effects struct {
	events []events.Event
	stops  []stopEffect
	starts []startEffect
}

func (fx *effects) emit(e events.Event) { fx.events = append(fx.events, e) }

// TaskScheduler assigns tasks to agents and drives them through
// pending → assigned → running → completed | failed | cancelled, with
// retry-with-backoff, timeouts and dependency cascades.
// All methods are safe for concurrent use.
type TaskScheduler struct {
	mu                sync.Mutex
	cfg               Config
	graph             *DependencyGraph
	tasks             map[string]*scheduledTask      // active tasks
	agentTasks        map[string]map[string]struct{} // agentID -> active task ids
	finished          map[string]*Task               // bounded terminal history
	finishedOrder     []string
	completedPerAgent map[string]int
	delays            *delayQueue
	stuck             int
	runs              uint64
	stats             Stats

	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	// Hooks invoked outside the lock. onStart runs whenever an attempt
	// begins; onStop whenever a running attempt ends for any reason. run
	// identifies the attempt.
	onStart func(task *Task, agentID string, attempt int, run uint64)
	onStop  func(taskID string, run uint64)
}

// New creates a TaskScheduler.
func New(cfg Config, opts ...Option) *TaskScheduler {
	s := &TaskScheduler{
		cfg:               cfg.withDefaults(),
		tasks:             make(map[string]*scheduledTask),
		agentTasks:        make(map[string]map[string]struct{}),
		finished:          make(map[string]*Task),
		completedPerAgent: make(map[string]int),
		delays:            newDelayQueue(),
		publisher:         events.Discard,
		logger:            logging.Component(nil, "scheduler"),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.graph = NewDependencyGraph(s.logger)
	return s
}

// Config returns the effective configuration.
func (s *TaskScheduler) Config() Config { return s.cfg }

// Graph exposes the scheduler's dependency graph for read-only queries.
func (s *TaskScheduler) Graph() *DependencyGraph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

func (s *TaskScheduler) apply(fx *effects) {
	for _, e := range fx.events {
		s.publisher.Publish(e)
	}
	if s.onStop != nil {
		for _, st := range fx.stops {
			s.onStop(st.taskID, st.run)
		}
	}
	if s.onStart != nil {
		for _, st := range fx.starts {
			s.onStart(st.task, st.agentID, st.attempt, st.run)
		}
	}
}

// AssignTask binds task to agentID and starts it immediately. Every
// dependency must already be completed, otherwise a
// *errors.TaskDependencyError lists the unmet ids.
func (s *TaskScheduler) AssignTask(task *Task, agentID string) error {
	if err := validateTask(task, agentID); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return errors.NewTaskError(task.ID, "assign", errors.ErrDuplicateTask)
	}
	var unmet []string
	for _, depID := range task.Dependencies {
		if !s.graph.IsCompleted(depID) {
			unmet = append(unmet, depID)
		}
	}
	if len(unmet) > 0 {
		s.mu.Unlock()
		return errors.NewTaskDependencyError(task.ID, unmet)
	}

	fx := &effects{}
	now := s.now()
	st, err := s.admitLocked(task, agentID, now, fx)
	if err == nil {
		s.startLocked(st, now, fx)
	}
	s.mu.Unlock()

	s.apply(fx)
	return err
}

// SubmitTask binds task to agentID and starts it as soon as its
// dependencies complete. Dependencies may be active tasks; ids that are
// neither active nor completed are rejected.
func (s *TaskScheduler) SubmitTask(task *Task, agentID string) error {
	if err := validateTask(task, agentID); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return errors.NewTaskError(task.ID, "submit", errors.ErrDuplicateTask)
	}

	fx := &effects{}
	now := s.now()
	st, err := s.admitLocked(task, agentID, now, fx)
	if err == nil {
		if n, ok := s.graph.Node(task.ID); ok && n.Status == NodeReady {
			s.startLocked(st, now, fx)
		}
	}
	s.mu.Unlock()

	s.apply(fx)
	return err
}

func validateTask(task *Task, agentID string) error {
	if task == nil || task.ID == "" {
		return errors.NewTaskError("", "assign", errors.New("task id is required"))
	}
	if agentID == "" {
		return errors.NewTaskError(task.ID, "assign", errors.New("agent id is required"))
	}
	return nil
}

// admitLocked registers a task as pending. Caller must hold s.mu.
func (s *TaskScheduler) admitLocked(task *Task, agentID string, now time.Time, fx *effects) (*scheduledTask, error) {
	t := task.Clone()
	if err := s.graph.AddTask(t); err != nil {
		return nil, err
	}
	t.Status = StatusPending
	t.AssignedAgent = agentID
	t.Output = nil
	t.Err = nil
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	st := &scheduledTask{
		ScheduledTask: ScheduledTask{Task: t, AgentID: agentID},
		backoff:       s.newBackoff(),
	}
	s.tasks[t.ID] = st
	if s.agentTasks[agentID] == nil {
		s.agentTasks[agentID] = make(map[string]struct{})
	}
	s.agentTasks[agentID][t.ID] = struct{}{}
	s.stats.Created++

	fx.emit(events.TaskCreatedEvent{
		ID:           t.ID,
		Type:         t.Type,
		Priority:     t.Priority,
		AgentID:      agentID,
		Dependencies: cloneStrings(t.Dependencies),
		Timestamp:    now,
	})
	return st, nil
}

// newBackoff returns a deterministic exponential policy yielding
// RetryDelay, 2×RetryDelay, 4×RetryDelay, ...
func (s *TaskScheduler) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.cfg.MaxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *TaskScheduler) timeoutFor(t *Task) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return s.cfg.TaskTimeout
}

// startLocked moves a task to running and arms its timeout.
// Caller must hold s.mu.
func (s *TaskScheduler) startLocked(st *scheduledTask, now time.Time, fx *effects) {
	t := st.Task
	t.Status = StatusAssigned
	s.graph.MarkRunning(t.ID)

	t.Status = StatusRunning
	t.StartedAt = now
	st.Deadline = now.Add(s.timeoutFor(t))
	s.delays.schedule(t.ID, timerTimeout, st.Deadline)
	s.stats.Started++
	s.runs++
	st.run = s.runs

	attempt := st.Attempts + 1
	fx.emit(events.TaskStartedEvent{ID: t.ID, AgentID: st.AgentID, Attempt: attempt, Timestamp: now})
	fx.starts = append(fx.starts, startEffect{task: t.Clone(), agentID: st.AgentID, attempt: attempt, run: st.run})
	s.logger.Debug("task started", "task_id", t.ID, "agent_id", st.AgentID, "attempt", attempt)
}

func isActiveAttempt(status TaskStatus) bool {
	return status == StatusRunning || status == StatusAssigned
}

// stopLocked ends the bookkeeping of the current attempt. Caller must hold s.mu.
func (s *TaskScheduler) stopLocked(st *scheduledTask, fx *effects) {
	if st.run == 0 {
		return
	}
	fx.stops = append(fx.stops, stopEffect{taskID: st.Task.ID, run: st.run})
	st.run = 0
}

// lookupAttempt returns the active task, checking that run (when non-zero)
// is still its current attempt. Caller must hold s.mu.
func (s *TaskScheduler) lookupAttempt(taskID string, run uint64, op string) (*scheduledTask, error) {
	st, ok := s.tasks[taskID]
	if !ok {
		return nil, errors.NewTaskError(taskID, op, errors.ErrTaskNotFound)
	}
	if !isActiveAttempt(st.Task.Status) || (run != 0 && st.run != run) {
		return nil, errors.NewTaskError(taskID, op,
			fmt.Errorf("%w: task is %s", errors.ErrInvalidTransition, st.Task.Status))
	}
	return st, nil
}

// CompleteTask records a successful result and starts every dependent whose
// dependencies are now all satisfied.
func (s *TaskScheduler) CompleteTask(taskID string, result any) error {
	return s.completeAttempt(taskID, 0, result)
}

func (s *TaskScheduler) completeAttempt(taskID string, run uint64, result any) error {
	s.mu.Lock()
	st, err := s.lookupAttempt(taskID, run, "complete")
	if err != nil {
		s.mu.Unlock()
		return err
	}

	fx := &effects{}
	now := s.now()
	s.delays.cancelAll(taskID)

	t := st.Task
	t.Status = StatusCompleted
	t.Output = result
	t.Err = nil
	t.CompletedAt = now
	s.removeActiveLocked(taskID)
	s.recordFinishedLocked(t)
	s.completedPerAgent[st.AgentID]++
	s.stats.Completed++

	// The completed set is updated before any dependent starts.
	ready := s.graph.MarkCompleted(taskID)

	s.stopLocked(st, fx)
	fx.emit(events.TaskCompletedEvent{
		ID:        taskID,
		AgentID:   st.AgentID,
		Result:    result,
		Duration:  now.Sub(t.StartedAt),
		Timestamp: now,
	})

	for _, readyID := range ready {
		if dep, ok := s.tasks[readyID]; ok && dep.Task.Status == StatusPending {
			s.startLocked(dep, now, fx)
		}
	}
	s.mu.Unlock()

	s.apply(fx)
	return nil
}

// FailTask records a failed attempt. While attempts < MaxRetries the task
// is retried after RetryDelay × 2^(attempts-1); otherwise it fails
// terminally and every transitive dependent is cancelled.
func (s *TaskScheduler) FailTask(taskID string, cause error) error {
	return s.failAttempt(taskID, 0, cause)
}

func (s *TaskScheduler) failAttempt(taskID string, run uint64, cause error) error {
	s.mu.Lock()
	st, err := s.lookupAttempt(taskID, run, "fail")
	if err != nil {
		s.mu.Unlock()
		return err
	}

	fx := &effects{}
	s.failLocked(st, cause, s.now(), fx)
	s.mu.Unlock()

	s.apply(fx)
	return nil
}

// failLocked handles one failed attempt. Caller must hold s.mu.
func (s *TaskScheduler) failLocked(st *scheduledTask, cause error, now time.Time, fx *effects) {
	t := st.Task
	s.delays.cancel(t.ID, timerTimeout)
	st.Attempts++
	st.LastAttempt = now
	st.Deadline = time.Time{}
	t.Err = cause
	s.stopLocked(st, fx)

	if st.Attempts < s.cfg.MaxRetries {
		delay := st.backoff.NextBackOff()
		if delay == backoff.Stop {
			delay = s.cfg.MaxRetryDelay
		}
		t.Status = StatusQueued
		s.delays.schedule(t.ID, timerRetry, now.Add(delay))
		s.stats.Retried++

		fx.emit(events.TaskFailedEvent{
			ID: t.ID, AgentID: st.AgentID, Err: cause, Attempts: st.Attempts,
			Duration: now.Sub(t.StartedAt), Timestamp: now,
		})
		fx.emit(events.TaskRetryEvent{ID: t.ID, AgentID: st.AgentID, Attempt: st.Attempts + 1, Delay: delay, Timestamp: now})
		s.logger.Info("task failed, retrying", "task_id", t.ID, "attempt", st.Attempts, "delay", delay, "error", cause)
		return
	}

	t.Status = StatusFailed
	t.CompletedAt = now
	cascade := s.graph.MarkFailed(t.ID)
	s.graph.RemoveTask(t.ID)
	s.removeActiveLocked(t.ID)
	s.recordFinishedLocked(t)
	s.stats.Failed++

	fx.emit(events.TaskFailedEvent{
		ID: t.ID, AgentID: st.AgentID, Err: cause, Attempts: st.Attempts, Terminal: true,
		Duration: now.Sub(t.StartedAt), Timestamp: now,
	})
	s.logger.Warn("task failed terminally", "task_id", t.ID, "attempts", st.Attempts, "error", cause, "cascade", len(cascade))

	reason := fmt.Sprintf("dependency %s failed", t.ID)
	for _, childID := range cascade {
		s.cancelLocked(childID, reason, now, fx)
	}
}

// CancelTask cancels a task and every transitive dependent.
func (s *TaskScheduler) CancelTask(taskID, reason string) error {
	s.mu.Lock()
	if _, ok := s.tasks[taskID]; !ok {
		s.mu.Unlock()
		return errors.NewTaskError(taskID, "cancel", errors.ErrTaskNotFound)
	}
	fx := &effects{}
	s.cancelTreeLocked(taskID, reason, s.now(), fx)
	s.mu.Unlock()

	s.apply(fx)
	return nil
}

// cancelTreeLocked cancels taskID and its transitive dependents and returns
// every cancelled id. Caller must hold s.mu.
func (s *TaskScheduler) cancelTreeLocked(taskID, reason string, now time.Time, fx *effects) []string {
	if reason == "" {
		reason = "cancelled"
	}
	cascade := s.graph.TransitiveDependents(taskID)
	var cancelled []string
	if s.cancelLocked(taskID, reason, now, fx) {
		cancelled = append(cancelled, taskID)
	}
	childReason := fmt.Sprintf("dependency %s cancelled", taskID)
	for _, childID := range cascade {
		if s.cancelLocked(childID, childReason, now, fx) {
			cancelled = append(cancelled, childID)
		}
	}
	return cancelled
}

// cancelLocked terminally cancels one active task. Caller must hold s.mu.
func (s *TaskScheduler) cancelLocked(taskID, reason string, now time.Time, fx *effects) bool {
	st, ok := s.tasks[taskID]
	if !ok {
		s.graph.RemoveTask(taskID)
		return false
	}
	s.delays.cancelAll(taskID)

	t := st.Task
	s.stopLocked(st, fx)
	t.Status = StatusCancelled
	t.Err = fmt.Errorf("%w: %s", errors.ErrTaskCancelled, reason)
	t.CompletedAt = now
	s.removeActiveLocked(taskID)
	s.recordFinishedLocked(t)
	s.graph.RemoveTask(taskID)
	s.stats.Cancelled++

	fx.emit(events.TaskCancelledEvent{ID: taskID, AgentID: st.AgentID, Reason: reason, Timestamp: now})
	return true
}

// CancelAgentTasks cancels every active task of agentID, cascading to
// dependents, and returns the cancelled ids.
func (s *TaskScheduler) CancelAgentTasks(agentID, reason string) []string {
	if reason == "" {
		reason = fmt.Sprintf("agent %s terminated", agentID)
	}

	s.mu.Lock()
	fx := &effects{}
	now := s.now()
	var cancelled []string
	for _, id := range sortedKeys(s.agentTasks[agentID]) {
		if _, ok := s.tasks[id]; !ok {
			continue // already removed by an earlier cascade
		}
		cancelled = append(cancelled, s.cancelTreeLocked(id, reason, now, fx)...)
	}
	s.mu.Unlock()

	s.apply(fx)
	return cancelled
}

// RescheduleAgentTasks resets the agent's in-flight tasks to queued without
// counting a failed attempt, re-emits task:created for each and restarts
// them after RetryDelay.
func (s *TaskScheduler) RescheduleAgentTasks(agentID string) []string {
	s.mu.Lock()
	fx := &effects{}
	now := s.now()
	var requeued []string
	for _, id := range sortedKeys(s.agentTasks[agentID]) {
		st, ok := s.tasks[id]
		if !ok || !isActiveAttempt(st.Task.Status) {
			continue
		}
		s.delays.cancel(id, timerTimeout)
		st.Task.Status = StatusQueued
		st.Deadline = time.Time{}
		s.delays.schedule(id, timerRetry, now.Add(s.cfg.RetryDelay))
		s.stats.Requeued++

		s.stopLocked(st, fx)
		fx.emit(events.TaskCreatedEvent{
			ID:           id,
			Type:         st.Task.Type,
			Priority:     st.Task.Priority,
			AgentID:      agentID,
			Dependencies: cloneStrings(st.Task.Dependencies),
			Requeued:     true,
			Timestamp:    now,
		})
		requeued = append(requeued, id)
	}
	s.mu.Unlock()

	if len(requeued) > 0 {
		s.logger.Info("rescheduled agent tasks", "agent_id", agentID, "tasks", requeued)
	}
	s.apply(fx)
	return requeued
}

// ReassignTask moves a not-yet-running task to another agent. Used by work
// stealing; running tasks are never migrated.
func (s *TaskScheduler) ReassignTask(taskID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[taskID]
	if !ok {
		return errors.NewTaskError(taskID, "reassign", errors.ErrTaskNotFound)
	}
	if st.Task.Status != StatusPending && st.Task.Status != StatusQueued {
		return errors.NewTaskError(taskID, "reassign",
			fmt.Errorf("%w: task is %s", errors.ErrInvalidTransition, st.Task.Status))
	}
	if st.AgentID == agentID {
		return nil
	}
	delete(s.agentTasks[st.AgentID], taskID)
	if len(s.agentTasks[st.AgentID]) == 0 {
		delete(s.agentTasks, st.AgentID)
	}
	st.AgentID = agentID
	st.Task.AssignedAgent = agentID
	if s.agentTasks[agentID] == nil {
		s.agentTasks[agentID] = make(map[string]struct{})
	}
	s.agentTasks[agentID][taskID] = struct{}{}
	return nil
}

// Tick fires every retry and timeout due at now.
func (s *TaskScheduler) Tick(now time.Time) {
	keys := s.delays.due(now)
	if len(keys) == 0 {
		return
	}

	s.mu.Lock()
	fx := &effects{}
	for _, key := range keys {
		st, ok := s.tasks[key.taskID]
		if !ok {
			continue
		}
		switch key.kind {
		case timerTimeout:
			if st.Task.Status == StatusRunning && !now.Before(st.Deadline) {
				s.stats.TimedOut++
				s.failLocked(st, errors.NewTaskTimeoutError(st.Task.ID, s.timeoutFor(st.Task)), now, fx)
			}
		case timerRetry:
			if st.Task.Status == StatusQueued {
				s.startLocked(st, now, fx)
			}
		}
	}
	s.mu.Unlock()

	s.apply(fx)
}

// Maintain fires due timers and force-fails tasks that have been running
// longer than twice their timeout, covering lost timers. It returns the
// number of tasks force-failed.
func (s *TaskScheduler) Maintain(now time.Time) int {
	s.Tick(now)

	s.mu.Lock()
	fx := &effects{}
	forced := 0
	for _, id := range sortedKeys(s.tasks) {
		st, ok := s.tasks[id]
		if !ok || st.Task.Status != StatusRunning {
			continue
		}
		limit := 2 * s.timeoutFor(st.Task)
		if now.Sub(st.Task.StartedAt) <= limit {
			continue
		}
		s.logger.Warn("force-failing stuck task", "task_id", id, "running_for", now.Sub(st.Task.StartedAt))
		s.stats.TimedOut++
		s.failLocked(st, errors.NewTaskTimeoutError(id, limit), now, fx)
		forced++
	}
	s.stuck = forced
	s.mu.Unlock()

	s.apply(fx)
	return forced
}

// Run drains the delay queue and runs the maintenance sweep until ctx is
// cancelled.
func (s *TaskScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := time.Hour
		if next, ok := s.delays.next(); ok {
			wait = max(next.Sub(s.now()), 0)
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Tick(s.now())
		case <-s.delays.wake:
		case <-ticker.C:
			s.Maintain(s.now())
		}
	}
}

// removeActiveLocked drops a task from the active maps. Caller must hold s.mu.
func (s *TaskScheduler) removeActiveLocked(taskID string) {
	st, ok := s.tasks[taskID]
	if !ok {
		return
	}
	delete(s.tasks, taskID)
	if set := s.agentTasks[st.AgentID]; set != nil {
		delete(set, taskID)
		if len(set) == 0 {
			delete(s.agentTasks, st.AgentID)
		}
	}
}

// recordFinishedLocked keeps a bounded history of terminal tasks. Evicted
// ids are also dropped from the graph's completed set, trading historical
// dependency lookups for a memory bound. Caller must hold s.mu.
func (s *TaskScheduler) recordFinishedLocked(t *Task) {
	if _, exists := s.finished[t.ID]; !exists {
		s.finishedOrder = append(s.finishedOrder, t.ID)
	}
	s.finished[t.ID] = t
	for len(s.finishedOrder) > s.cfg.CompletedRetention {
		oldest := s.finishedOrder[0]
		s.finishedOrder = s.finishedOrder[1:]
		delete(s.finished, oldest)
		s.graph.Forget(oldest)
	}
}

// Task returns a copy of an active or retained task.
func (s *TaskScheduler) Task(taskID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.tasks[taskID]; ok {
		return st.Task.Clone(), true
	}
	if t, ok := s.finished[taskID]; ok {
		return t.Clone(), true
	}
	return nil, false
}

// Scheduled returns a copy of the ScheduledTask bookkeeping for an active task.
func (s *TaskScheduler) Scheduled(taskID string) (ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[taskID]
	if !ok {
		return ScheduledTask{}, false
	}
	cp := st.ScheduledTask
	cp.Task = st.Task.Clone()
	return cp, true
}

// AgentTasks returns copies of the agent's active tasks sorted by id.
func (s *TaskScheduler) AgentTasks(agentID string) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := sortedKeys(s.agentTasks[agentID])
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.tasks[id]; ok {
			out = append(out, st.Task.Clone())
		}
	}
	return out
}

// AgentTaskCount returns the number of active tasks bound to agentID.
func (s *TaskScheduler) AgentTaskCount(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agentTasks[agentID])
}

// AgentCounts returns the active task count of every agent with tasks.
func (s *TaskScheduler) AgentCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.agentTasks))
	for agentID, set := range s.agentTasks {
		out[agentID] = len(set)
	}
	return out
}

// CompletedByAgent returns how many tasks agentID has completed.
func (s *TaskScheduler) CompletedByAgent(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedPerAgent[agentID]
}

// ActiveTasks returns copies of all active tasks sorted by id.
func (s *TaskScheduler) ActiveTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := sortedKeys(s.tasks)
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.tasks[id].Task.Clone())
	}
	return out
}

// Stats returns the transition counters.
func (s *TaskScheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Health reports counts by status. The scheduler is unhealthy when the last
// maintenance sweep had to force-fail stuck tasks.
func (s *TaskScheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := Health{
		Healthy:  s.stuck == 0,
		Active:   len(s.tasks),
		Retained: len(s.finished),
		Timers:   s.delays.len(),
		Stats:    s.stats,
	}
	if s.stuck > 0 {
		h.Error = fmt.Sprintf("%d stuck tasks force-failed in last sweep", s.stuck)
	}
	for _, st := range s.tasks {
		switch st.Task.Status {
		case StatusPending:
			h.Pending++
		case StatusQueued:
			h.Queued++
		case StatusRunning, StatusAssigned:
			h.Running++
		}
	}
	return h
}

// Adopt moves all state of src into s: active tasks with their attempt
// counts and timers, the dependency graph and the finished history. s must
// be empty, and neither Run loop may be running; src must not be used
// afterwards. Running tasks keep running and are expected to be reported
// by whoever was executing them.
func (s *TaskScheduler) Adopt(src *TaskScheduler) error {
	if src == s {
		return nil
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) > 0 {
		return errors.NewCoordinationError("adopt", errors.New("destination scheduler already has active tasks"))
	}

	s.graph = src.graph
	s.tasks = src.tasks
	s.agentTasks = src.agentTasks
	s.finished = src.finished
	s.finishedOrder = src.finishedOrder
	s.completedPerAgent = src.completedPerAgent
	s.delays = src.delays
	s.stats = src.stats
	s.runs = max(s.runs, src.runs)

	for _, st := range s.tasks {
		st.backoff = s.newBackoff()
		for i := 0; i < st.Attempts; i++ {
			st.backoff.NextBackOff()
		}
	}

	src.graph = NewDependencyGraph(src.logger)
	src.tasks = make(map[string]*scheduledTask)
	src.agentTasks = make(map[string]map[string]struct{})
	src.finished = make(map[string]*Task)
	src.finishedOrder = nil
	src.completedPerAgent = make(map[string]int)
	src.delays = newDelayQueue()

	s.logger.Info("adopted scheduler state", "active", len(s.tasks), "retained", len(s.finished))
	return nil
}

// sortTasks orders tasks by priority desc then creation time asc.
func sortTasks(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// StealableTasks returns up to n of the agent's not-yet-running tasks,
// lowest priority first, for work stealing.
func (s *TaskScheduler) StealableTasks(agentID string, n int) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Task
	for id := range s.agentTasks[agentID] {
		st := s.tasks[id]
		if st != nil && (st.Task.Status == StatusPending || st.Task.Status == StatusQueued) {
			candidates = append(candidates, st.Task.Clone())
		}
	}
	sortTasks(candidates)
	// Steal from the tail: lowest priority, newest.
	var out []*Task
	for i := len(candidates) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, candidates[i])
	}
	return out
}
