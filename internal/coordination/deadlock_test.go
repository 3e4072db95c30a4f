package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/events"
	"github.com/aristath/coordinator/internal/executor"
	"github.com/aristath/coordinator/internal/resource"
	"github.com/aristath/coordinator/internal/scheduler"
)

func TestDetectDeadlocksNoCycle(t *testing.T) {
	m := startManager(t)
	require.NoError(t, m.AcquireResource(context.Background(), "r1", "a", 0))

	found, err := m.DetectDeadlocks()
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDetectDeadlocksBreaksTwoCycle(t *testing.T) {
	bus := events.NewBus()
	deadlocks := bus.Subscribe(events.TopicDeadlock, 4)
	m := startManager(t, WithBus(bus))
	ctx := context.Background()

	require.NoError(t, m.RegisterAgent("a"))
	require.NoError(t, m.RegisterAgent("b"))
	require.NoError(t, m.AcquireResource(ctx, "r1", "a", 0))
	require.NoError(t, m.AcquireResource(ctx, "r2", "b", 0))
	require.NoError(t, m.AssignTask(&scheduler.Task{ID: "ta"}, "a"))

	aErr := make(chan error, 1)
	bErr := make(chan error, 1)
	go func() { aErr <- m.AcquireResource(ctx, "r2", "a", 0) }()
	go func() { bErr <- m.AcquireResource(ctx, "r1", "b", 0) }()
	require.Eventually(t, func() bool {
		return len(m.Resources().WaitGraph()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	found, err := m.DetectDeadlocks()
	require.NoError(t, err)
	require.Len(t, found, 1)

	d := found[0]
	assert.ElementsMatch(t, []string{"a", "b"}, d.Agents)
	assert.Equal(t, []string{"r1", "r2"}, d.Resources)
	assert.Equal(t, "a", d.Victim, "equal holdings and history fall back to the lowest id")
	assert.Equal(t, []string{"r1"}, d.Released)
	assert.Equal(t, []string{"ta"}, d.Requeued)

	select {
	case err := <-aErr:
		assert.ErrorIs(t, err, errors.ErrLockEvicted)
	case <-time.After(2 * time.Second):
		t.Fatal("victim's queued acquire was not evicted")
	}
	select {
	case err := <-bErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("survivor's acquire was not granted")
	}
	holder, _ := m.Resources().Holder("r1")
	assert.Equal(t, "b", holder)

	task, ok := m.Task("ta")
	require.True(t, ok)
	assert.Contains(t, []scheduler.TaskStatus{scheduler.StatusQueued, scheduler.StatusRunning}, task.Status)

	select {
	case e := <-deadlocks:
		ev, ok := e.(events.DeadlockDetectedEvent)
		require.True(t, ok)
		assert.Equal(t, "a", ev.Victim)
	case <-time.After(2 * time.Second):
		t.Fatal("no deadlock event")
	}

	found, err = m.DetectDeadlocks()
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDetectDeadlocksPrefersAgentHoldingLess(t *testing.T) {
	m := startManager(t)
	ctx := context.Background()

	require.NoError(t, m.AcquireResource(ctx, "r1", "a", 0))
	require.NoError(t, m.AcquireResource(ctx, "r3", "a", 0))
	require.NoError(t, m.AcquireResource(ctx, "r2", "b", 0))

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = m.AcquireResource(waitCtx, "r2", "a", 0) }()
	go func() { _ = m.AcquireResource(waitCtx, "r1", "b", 0) }()
	require.Eventually(t, func() bool {
		return len(m.Resources().WaitGraph()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	found, err := m.DetectDeadlocks()
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "b", found[0].Victim)
	assert.Equal(t, []string{"r2"}, found[0].Released)
}

func TestDeadlockLoopReportsWithinInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Deadlock.Enabled = true
	cfg.Deadlock.Interval = 20 * time.Millisecond
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	deadlocks := bus.Subscribe(events.TopicDeadlock, 4)

	m := New(cfg, WithBus(bus))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.AcquireResource(ctx, "r1", "a", 0))
	require.NoError(t, m.AcquireResource(ctx, "r2", "b", 0))
	go func() { _ = m.AcquireResource(ctx, "r2", "a", 0) }()
	go func() { _ = m.AcquireResource(ctx, "r1", "b", 0) }()

	select {
	case e := <-deadlocks:
		ev, ok := e.(events.DeadlockDetectedEvent)
		require.True(t, ok)
		assert.ElementsMatch(t, []string{"a", "b"}, ev.Agents)
		assert.Equal(t, []string{"r1", "r2"}, ev.Resources)
		assert.Equal(t, "a", ev.Victim)
	case <-time.After(2 * time.Second):
		t.Fatal("periodic check did not report the deadlock")
	}
	require.Eventually(t, func() bool {
		holder, _ := m.Resources().Holder("r1")
		return holder == "b"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBreakCyclesVictimHoldingNothing(t *testing.T) {
	m := startManager(t)
	sched, err := m.active("test")
	require.NoError(t, err)

	// A snapshot taken before both members released their locks.
	stale := []resource.Wait{
		{AgentID: "a", ResourceID: "r2", Holder: "b"},
		{AgentID: "b", ResourceID: "r1", Holder: "a"},
	}
	found, err := m.breakCycles(sched, stale)
	assert.Empty(t, found)

	var dlErr *errors.DeadlockError
	require.True(t, errors.As(err, &dlErr), "got %v", err)
	assert.ElementsMatch(t, []string{"a", "b"}, dlErr.Agents)
	assert.Equal(t, []string{"r1", "r2"}, dlErr.Resources)
	assert.Contains(t, dlErr.Error(), "holds no resources")
}

func TestDetectDeadlocksRequeueDoesNotCountAttempt(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, task scheduler.Task) (any, error) {
		return "ok", nil
	})
	m := startManager(t, WithExecutor(exec))
	require.NoError(t, m.EnableAdvancedScheduling())
	ctx := context.Background()

	require.NoError(t, m.AcquireResource(ctx, "r1", "a", 0))
	require.NoError(t, m.AcquireResource(ctx, "r2", "b", 0))
	// ta runs on a and waits for r2 inside the executor.
	require.NoError(t, m.AssignTask(&scheduler.Task{ID: "ta", Resources: []string{"r2"}}, "a"))

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = m.AcquireResource(waitCtx, "r1", "b", 0) }()
	require.Eventually(t, func() bool {
		return len(m.Resources().WaitGraph()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	found, err := m.DetectDeadlocks()
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "a", found[0].Victim)
	assert.Equal(t, []string{"ta"}, found[0].Requeued)

	require.Eventually(t, func() bool {
		holder, _ := m.Resources().Holder("r1")
		return holder == "b"
	}, 2*time.Second, 10*time.Millisecond)

	st, ok := m.Scheduler().Scheduled("ta")
	require.True(t, ok)
	assert.Zero(t, st.Attempts, "preemption is not a failed attempt")
	assert.NotEqual(t, scheduler.StatusFailed, st.Task.Status)
}
