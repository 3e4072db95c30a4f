package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/events"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType()
	}
	return out
}

func (r *recorder) ofType(typ string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.EventType() == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func newTestScheduler(t *testing.T, cfg Config) (*TaskScheduler, *fakeClock, *recorder) {
	t.Helper()
	clock := newFakeClock()
	rec := &recorder{}
	return New(cfg, WithClock(clock.Now), WithPublisher(rec)), clock, rec
}

func status(t *testing.T, s *TaskScheduler, id string) TaskStatus {
	t.Helper()
	task, ok := s.Task(id)
	require.True(t, ok, "task %s not found", id)
	return task.Status
}

func TestAssignTaskStartsImmediately(t *testing.T) {
	s, _, rec := newTestScheduler(t, Config{})

	require.NoError(t, s.AssignTask(&Task{ID: "t1", Type: "build", Priority: 5}, "agent-1"))

	assert.Equal(t, StatusRunning, status(t, s, "t1"))
	assert.Equal(t, 1, s.AgentTaskCount("agent-1"))
	assert.Equal(t, []string{events.EventTypeTaskCreated, events.EventTypeTaskStarted}, rec.types())

	sched, ok := s.Scheduled("t1")
	require.True(t, ok)
	assert.Equal(t, "agent-1", sched.AgentID)
	assert.Equal(t, 0, sched.Attempts)
	assert.False(t, sched.Deadline.IsZero())
}

func TestAssignTaskRejectsUnmetDependencies(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	require.NoError(t, s.AssignTask(&Task{ID: "a"}, "agent-1"))

	err := s.AssignTask(&Task{ID: "b", Dependencies: []string{"a", "ghost"}}, "agent-1")
	var depErr *errors.TaskDependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, []string{"a", "ghost"}, depErr.Missing)
	assert.Equal(t, 1, s.AgentTaskCount("agent-1"))

	require.NoError(t, s.CompleteTask("a", "ok"))
	require.NoError(t, s.AssignTask(&Task{ID: "b", Dependencies: []string{"a"}}, "agent-1"))
	assert.Equal(t, StatusRunning, status(t, s, "b"))
}

func TestAssignTaskValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	assert.Error(t, s.AssignTask(nil, "agent"))
	assert.Error(t, s.AssignTask(&Task{ID: "x"}, ""))

	require.NoError(t, s.AssignTask(&Task{ID: "x"}, "agent"))
	assert.ErrorIs(t, s.AssignTask(&Task{ID: "x"}, "agent"), errors.ErrDuplicateTask)
}

func TestSubmitTaskStartsWhenDependenciesComplete(t *testing.T) {
	s, _, rec := newTestScheduler(t, Config{})

	require.NoError(t, s.SubmitTask(&Task{ID: "a"}, "agent-1"))
	require.NoError(t, s.SubmitTask(&Task{ID: "b"}, "agent-1"))
	require.NoError(t, s.SubmitTask(&Task{ID: "c", Dependencies: []string{"a", "b"}}, "agent-2"))
	assert.Equal(t, StatusPending, status(t, s, "c"))

	require.NoError(t, s.CompleteTask("a", 1))
	assert.Equal(t, StatusPending, status(t, s, "c"))

	rec.reset()
	require.NoError(t, s.CompleteTask("b", 2))
	assert.Equal(t, StatusRunning, status(t, s, "c"))
	assert.Equal(t, []string{events.EventTypeTaskCompleted, events.EventTypeTaskStarted}, rec.types())

	done, ok := s.Task("b")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 2, done.Output)
	assert.Equal(t, 2, s.CompletedByAgent("agent-1"))
}

func TestSubmitTaskRejectsUnknownDependency(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	err := s.SubmitTask(&Task{ID: "c", Dependencies: []string{"nope"}}, "agent-1")
	assert.ErrorIs(t, err, errors.ErrUnmetDependency)
	_, ok := s.Task("c")
	assert.False(t, ok)
}

func TestCompleteTaskErrors(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	assert.ErrorIs(t, s.CompleteTask("missing", nil), errors.ErrTaskNotFound)

	require.NoError(t, s.SubmitTask(&Task{ID: "a"}, "agent"))
	require.NoError(t, s.SubmitTask(&Task{ID: "b", Dependencies: []string{"a"}}, "agent"))
	assert.ErrorIs(t, s.CompleteTask("b", nil), errors.ErrInvalidTransition)

	require.NoError(t, s.CompleteTask("a", nil))
	assert.ErrorIs(t, s.CompleteTask("a", nil), errors.ErrTaskNotFound)
}

func TestFailTaskRetriesWithExponentialBackoff(t *testing.T) {
	s, clock, rec := newTestScheduler(t, Config{MaxRetries: 3, RetryDelay: time.Second})
	require.NoError(t, s.AssignTask(&Task{ID: "t1"}, "agent-1"))
	require.NoError(t, s.SubmitTask(&Task{ID: "child", Dependencies: []string{"t1"}}, "agent-1"))

	cause := errors.New("boom")
	wantDelays := []time.Duration{time.Second, 2 * time.Second}

	for i, delay := range wantDelays {
		require.NoError(t, s.FailTask("t1", cause))
		assert.Equal(t, StatusQueued, status(t, s, "t1"))

		retries := rec.ofType(events.EventTypeTaskRetry)
		require.Len(t, retries, i+1)
		retry := retries[i].(events.TaskRetryEvent)
		assert.Equal(t, delay, retry.Delay)
		assert.Equal(t, i+2, retry.Attempt)

		s.Tick(clock.Advance(delay - time.Millisecond))
		assert.Equal(t, StatusQueued, status(t, s, "t1"))
		s.Tick(clock.Advance(time.Millisecond))
		assert.Equal(t, StatusRunning, status(t, s, "t1"))
	}

	require.NoError(t, s.FailTask("t1", cause))
	failed, ok := s.Task("t1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.ErrorIs(t, failed.Err, cause)
	assert.Equal(t, StatusCancelled, status(t, s, "child"))

	terminal := rec.ofType(events.EventTypeTaskFailed)
	require.Len(t, terminal, 3)
	last := terminal[2].(events.TaskFailedEvent)
	assert.True(t, last.Terminal)
	assert.Equal(t, 3, last.Attempts)

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Retried)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Cancelled)
}

func TestTaskTimeoutFailsAttempt(t *testing.T) {
	s, clock, _ := newTestScheduler(t, Config{MaxRetries: 2, RetryDelay: time.Second})
	require.NoError(t, s.AssignTask(&Task{ID: "slow", Timeout: 100 * time.Millisecond}, "agent-1"))

	s.Tick(clock.Advance(99 * time.Millisecond))
	assert.Equal(t, StatusRunning, status(t, s, "slow"))

	s.Tick(clock.Advance(time.Millisecond))
	assert.Equal(t, StatusQueued, status(t, s, "slow"))
	task, _ := s.Task("slow")
	assert.ErrorIs(t, task.Err, errors.ErrTaskTimeout)
	assert.Equal(t, uint64(1), s.Stats().TimedOut)

	s.Tick(clock.Advance(time.Second))
	assert.Equal(t, StatusRunning, status(t, s, "slow"))
	s.Tick(clock.Advance(100 * time.Millisecond))
	assert.Equal(t, StatusFailed, status(t, s, "slow"))
}

func TestCancelTaskCascades(t *testing.T) {
	s, _, rec := newTestScheduler(t, Config{})
	require.NoError(t, s.SubmitTask(&Task{ID: "a"}, "agent-1"))
	require.NoError(t, s.SubmitTask(&Task{ID: "b", Dependencies: []string{"a"}}, "agent-2"))
	require.NoError(t, s.SubmitTask(&Task{ID: "c", Dependencies: []string{"b"}}, "agent-2"))
	require.NoError(t, s.SubmitTask(&Task{ID: "other"}, "agent-2"))

	require.NoError(t, s.CancelTask("a", "operator request"))

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, StatusCancelled, status(t, s, id), id)
	}
	assert.Equal(t, StatusRunning, status(t, s, "other"))
	assert.Len(t, rec.ofType(events.EventTypeTaskCancelled), 3)
	assert.Equal(t, 1, s.AgentTaskCount("agent-2"))
	assert.ErrorIs(t, s.CancelTask("a", ""), errors.ErrTaskNotFound)
}

func TestCancelAgentTasks(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	require.NoError(t, s.SubmitTask(&Task{ID: "a"}, "agent-1"))
	require.NoError(t, s.SubmitTask(&Task{ID: "b"}, "agent-1"))
	require.NoError(t, s.SubmitTask(&Task{ID: "c", Dependencies: []string{"a"}}, "agent-2"))

	cancelled := s.CancelAgentTasks("agent-1", "")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cancelled)
	assert.Zero(t, s.AgentTaskCount("agent-1"))
	assert.Zero(t, s.AgentTaskCount("agent-2"))
	assert.Empty(t, s.CancelAgentTasks("agent-1", ""))
}

func TestRescheduleAgentTasksKeepsAttempts(t *testing.T) {
	s, clock, rec := newTestScheduler(t, Config{RetryDelay: 500 * time.Millisecond})
	require.NoError(t, s.AssignTask(&Task{ID: "t1"}, "agent-1"))
	require.NoError(t, s.SubmitTask(&Task{ID: "t2", Dependencies: []string{"t1"}}, "agent-1"))
	rec.reset()

	requeued := s.RescheduleAgentTasks("agent-1")
	assert.Equal(t, []string{"t1"}, requeued)
	assert.Equal(t, StatusQueued, status(t, s, "t1"))
	assert.Equal(t, StatusPending, status(t, s, "t2"))

	created := rec.ofType(events.EventTypeTaskCreated)
	require.Len(t, created, 1)
	assert.True(t, created[0].(events.TaskCreatedEvent).Requeued)

	sched, _ := s.Scheduled("t1")
	assert.Zero(t, sched.Attempts)

	s.Tick(clock.Advance(500 * time.Millisecond))
	assert.Equal(t, StatusRunning, status(t, s, "t1"))
	started := rec.ofType(events.EventTypeTaskStarted)
	require.Len(t, started, 1)
	assert.Equal(t, 1, started[0].(events.TaskStartedEvent).Attempt)
}

func TestMaintainForceFailsStuckTasks(t *testing.T) {
	s, clock, _ := newTestScheduler(t, Config{MaxRetries: 1, TaskTimeout: time.Second})
	require.NoError(t, s.AssignTask(&Task{ID: "stuck"}, "agent-1"))

	// Simulate a lost timeout timer.
	s.delays.cancel("stuck", timerTimeout)

	assert.Zero(t, s.Maintain(clock.Advance(2*time.Second)))
	assert.Equal(t, StatusRunning, status(t, s, "stuck"))

	assert.Equal(t, 1, s.Maintain(clock.Advance(time.Millisecond)))
	assert.Equal(t, StatusFailed, status(t, s, "stuck"))
	assert.False(t, s.Health().Healthy)

	assert.Zero(t, s.Maintain(clock.Advance(time.Second)))
	assert.True(t, s.Health().Healthy)
}

func TestCompletedRetentionIsBounded(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{CompletedRetention: 2})
	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, s.AssignTask(&Task{ID: id}, "agent"))
		require.NoError(t, s.CompleteTask(id, nil))
	}

	_, ok := s.Task("t1")
	assert.False(t, ok)
	assert.Equal(t, 2, s.Health().Retained)

	assert.ErrorIs(t, s.AssignTask(&Task{ID: "late", Dependencies: []string{"t1"}}, "agent"), errors.ErrUnmetDependency)
	assert.NoError(t, s.AssignTask(&Task{ID: "ok", Dependencies: []string{"t3"}}, "agent"))
}

func TestEvictedDependencyStillSatisfiesWaitingTask(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{CompletedRetention: 1})
	require.NoError(t, s.AssignTask(&Task{ID: "a"}, "agent"))
	require.NoError(t, s.AssignTask(&Task{ID: "b"}, "agent"))
	require.NoError(t, s.SubmitTask(&Task{ID: "c", Dependencies: []string{"a", "b"}}, "agent"))

	require.NoError(t, s.CompleteTask("a", nil))
	require.NoError(t, s.AssignTask(&Task{ID: "d"}, "agent"))
	require.NoError(t, s.CompleteTask("d", nil))
	_, ok := s.Task("a")
	require.False(t, ok, "a should be evicted from history")
	assert.Equal(t, StatusPending, status(t, s, "c"))

	require.NoError(t, s.CompleteTask("b", nil))
	assert.Equal(t, StatusRunning, status(t, s, "c"))
}

func TestReassignAndStealableTasks(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	require.NoError(t, s.AssignTask(&Task{ID: "root"}, "busy"))
	for i, id := range []string{"low", "mid", "high"} {
		require.NoError(t, s.SubmitTask(&Task{ID: id, Priority: i, Dependencies: []string{"root"}}, "busy"))
	}

	stealable := s.StealableTasks("busy", 2)
	require.Len(t, stealable, 2)
	assert.Equal(t, "low", stealable[0].ID)
	assert.Equal(t, "mid", stealable[1].ID)

	require.NoError(t, s.ReassignTask("low", "idle"))
	assert.ErrorIs(t, s.ReassignTask("root", "idle"), errors.ErrInvalidTransition)
	assert.Equal(t, 3, s.AgentTaskCount("busy"))
	assert.Equal(t, 1, s.AgentTaskCount("idle"))

	require.NoError(t, s.CompleteTask("root", nil))
	moved, _ := s.Task("low")
	assert.Equal(t, "idle", moved.AssignedAgent)
	assert.Equal(t, StatusRunning, moved.Status)
}

func TestAdoptMovesState(t *testing.T) {
	basic, clock, _ := newTestScheduler(t, Config{MaxRetries: 3, RetryDelay: time.Second})
	require.NoError(t, basic.AssignTask(&Task{ID: "done"}, "agent-1"))
	require.NoError(t, basic.CompleteTask("done", nil))
	require.NoError(t, basic.AssignTask(&Task{ID: "running"}, "agent-1"))
	require.NoError(t, basic.SubmitTask(&Task{ID: "waiting", Dependencies: []string{"running"}}, "agent-2"))
	require.NoError(t, basic.AssignTask(&Task{ID: "retrying"}, "agent-2"))
	require.NoError(t, basic.FailTask("retrying", errors.New("flaky")))

	adv := New(Config{MaxRetries: 3, RetryDelay: time.Second}, WithClock(clock.Now))
	require.NoError(t, adv.Adopt(basic))

	assert.Zero(t, basic.Health().Active)
	assert.Equal(t, 3, adv.Health().Active)
	assert.Equal(t, 1, adv.AgentTaskCount("agent-1"))
	assert.True(t, adv.Graph().IsCompleted("done"))

	sched, ok := adv.Scheduled("retrying")
	require.True(t, ok)
	assert.Equal(t, 1, sched.Attempts)

	require.NoError(t, adv.CompleteTask("running", nil))
	assert.Equal(t, StatusRunning, status(t, adv, "waiting"))

	adv.Tick(clock.Advance(time.Second))
	assert.Equal(t, StatusRunning, status(t, adv, "retrying"))

	assert.Error(t, adv.Adopt(New(Config{})))
}

func TestRunDrainsDelayQueue(t *testing.T) {
	s := New(Config{RetryDelay: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.NoError(t, s.AssignTask(&Task{ID: "t1"}, "agent"))
	require.NoError(t, s.FailTask("t1", errors.New("transient")))

	require.Eventually(t, func() bool {
		task, ok := s.Task("t1")
		return ok && task.Status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDelayQueueOrdering(t *testing.T) {
	q := newDelayQueue()
	base := time.Unix(0, 0)
	q.schedule("b", timerRetry, base.Add(2*time.Second))
	q.schedule("a", timerTimeout, base.Add(time.Second))
	q.schedule("c", timerRetry, base.Add(time.Second))
	q.schedule("b", timerRetry, base.Add(500*time.Millisecond))

	next, ok := q.next()
	require.True(t, ok)
	assert.Equal(t, base.Add(500*time.Millisecond), next)

	q.cancel("c", timerRetry)
	keys := q.due(base.Add(time.Second))
	assert.Equal(t, []timerKey{{"b", timerRetry}, {"a", timerTimeout}}, keys)
	assert.Zero(t, q.len())
}
