package coordination

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/coordinator/internal/config"
	"github.com/aristath/coordinator/internal/conflict"
	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/events"
	"github.com/aristath/coordinator/internal/executor"
	"github.com/aristath/coordinator/internal/persistence"
	"github.com/aristath/coordinator/internal/scheduler"
)

func testConfig() config.Config {
	cfg := *config.DefaultConfig()
	cfg.Deadlock.Enabled = false
	cfg.WorkStealing.Enabled = false
	cfg.Scheduler.RetryDelay = 10 * time.Millisecond
	cfg.Resources.Timeout = 5 * time.Second
	return cfg
}

func startManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := New(testConfig(), opts...)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestManagerNotInitialized(t *testing.T) {
	m := New(testConfig())

	err := m.AssignTask(&scheduler.Task{ID: "t1"}, "a")
	require.ErrorIs(t, err, errors.ErrNotInitialized)
	var coordErr *errors.CoordinationError
	require.ErrorAs(t, err, &coordErr)
	assert.Equal(t, "assign", coordErr.Op)

	assert.ErrorIs(t, m.RegisterAgent("a"), errors.ErrNotInitialized)
	assert.ErrorIs(t, m.EnableAdvancedScheduling(), errors.ErrNotInitialized)
	_, err = m.DetectDeadlocks()
	assert.ErrorIs(t, err, errors.ErrNotInitialized)
	assert.ErrorIs(t, m.PerformMaintenance(context.Background()), errors.ErrNotInitialized)

	h := m.Health()
	assert.False(t, h.Healthy)
	assert.NotEmpty(t, h.Error)
}

func TestManagerStartStop(t *testing.T) {
	m := New(testConfig())
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()), "second start is a no-op")

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop(), "second stop is a no-op")

	assert.ErrorIs(t, m.Start(context.Background()), errors.ErrShutdown)
	_, err := m.AgentTasks("a")
	assert.ErrorIs(t, err, errors.ErrShutdown)
}

func TestManagerStopCancelsActiveTasks(t *testing.T) {
	m := New(testConfig())
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.RegisterAgent("a"))
	require.NoError(t, m.AssignTask(&scheduler.Task{ID: "t1"}, "a"))

	sched := m.Scheduler()
	require.NoError(t, m.Stop())

	task, ok := sched.Task("t1")
	require.True(t, ok)
	assert.Equal(t, scheduler.StatusCancelled, task.Status)
}

func TestManagerTaskLifecycleJournal(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := startManager(t, WithStore(store))
	require.NoError(t, m.RegisterAgent("a"))
	require.NoError(t, m.AssignTask(&scheduler.Task{ID: "t1", Type: "build"}, "a"))

	count, err := m.AgentTaskCount("a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, m.CompleteTask("t1", "ok"))

	task, ok := m.Task("t1")
	require.True(t, ok)
	assert.Equal(t, scheduler.StatusCompleted, task.Status)

	// The completed event is appended after the status update.
	var history []persistence.TaskEvent
	require.Eventually(t, func() bool {
		var err error
		history, err = store.GetHistory(context.Background(), "t1")
		return err == nil && len(history) == 3
	}, 2*time.Second, 10*time.Millisecond)
	var kinds []string
	for _, ev := range history {
		kinds = append(kinds, ev.Event)
	}
	assert.Equal(t, []string{"task:created", "task:started", "task:completed"}, kinds)

	saved, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusCompleted, saved.Status)
	assert.Equal(t, "ok", saved.Output)
}

func TestManagerSubmitSelectsAgent(t *testing.T) {
	m := startManager(t)

	err := m.SubmitTask(&scheduler.Task{ID: "t0"}, "")
	require.ErrorIs(t, err, errors.ErrNoAgents)

	require.NoError(t, m.RegisterAgent("a", "go"))
	require.NoError(t, m.RegisterAgent("b", "python"))
	assert.Equal(t, []string{"a", "b"}, m.Agents())

	require.NoError(t, m.SubmitTask(&scheduler.Task{ID: "t1", Capabilities: []string{"python"}}, ""))
	task, ok := m.Task("t1")
	require.True(t, ok)
	assert.Equal(t, "b", task.AssignedAgent)

	err = m.SubmitTask(&scheduler.Task{ID: "t2", Capabilities: []string{"rust"}}, "")
	assert.Error(t, err)
}

func TestManagerTerminateAgentCleansUp(t *testing.T) {
	m := startManager(t)
	require.NoError(t, m.RegisterAgent("a"))
	require.NoError(t, m.AcquireResource(context.Background(), "repo", "a", 0))
	require.NoError(t, m.AssignTask(&scheduler.Task{ID: "t1"}, "a"))

	require.NoError(t, m.TerminateAgent("a", "crashed"))

	_, held := m.Resources().Holder("repo")
	assert.False(t, held)
	assert.Empty(t, m.Agents())

	task, ok := m.Task("t1")
	require.True(t, ok)
	assert.Equal(t, scheduler.StatusCancelled, task.Status)

	tasks, err := m.AgentTasks("a")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestManagerSurvivesEventBursts(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	m := startManager(t, WithBus(bus), WithStore(store))
	require.NoError(t, m.RegisterAgent("a"))
	require.NoError(t, m.AcquireResource(context.Background(), "r1", "a", 0))
	require.NoError(t, m.AssignTask(&scheduler.Task{ID: "t1"}, "b"))

	for i := 0; i < 5000; i++ {
		bus.Publish(events.MessageSentEvent{MessageID: fmt.Sprint(i), From: "x", To: "y"})
	}
	require.NoError(t, m.TerminateAgent("a", "gone"))
	require.NoError(t, m.CompleteTask("t1", "ok"))

	_, held := m.Resources().Holder("r1")
	assert.False(t, held, "termination cleanup does not wait for the bus")

	require.Eventually(t, func() bool {
		history, err := store.GetHistory(context.Background(), "t1")
		return err == nil && len(history) == 3
	}, 5*time.Second, 10*time.Millisecond, "journal keeps up with the burst")
}

func TestManagerEnableAdvancedScheduling(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, task scheduler.Task) (any, error) {
		return "ran " + task.ID, nil
	})
	m := startManager(t, WithExecutor(exec))
	require.NoError(t, m.RegisterAgent("a"))

	// t1 runs on the basic scheduler; t2 waits for it.
	require.NoError(t, m.AssignTask(&scheduler.Task{ID: "t1"}, "a"))
	require.NoError(t, m.SubmitTask(&scheduler.Task{ID: "t2", Dependencies: []string{"t1"}}, "a"))

	require.NoError(t, m.EnableAdvancedScheduling())
	require.NoError(t, m.EnableAdvancedScheduling(), "enabling twice is a no-op")
	assert.True(t, m.AdvancedScheduling())

	count, err := m.AgentTaskCount("a")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "active tasks migrate")

	require.NoError(t, m.CompleteTask("t1", "manual"))

	require.Eventually(t, func() bool {
		task, ok := m.Task("t2")
		return ok && task.Status == scheduler.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	task, _ := m.Task("t2")
	assert.Equal(t, "ran t2", task.Output)

	report := m.CoordinationMetrics()
	assert.True(t, report.AdvancedScheduling)
	require.NotNil(t, report.Execution)
	assert.Equal(t, int64(10), report.Execution.Limit)
}

func TestManagerReportConflict(t *testing.T) {
	m := startManager(t)

	res, err := m.ReportConflict(conflict.KindResource, "repo", []string{"a", "b"})
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, res.Winner)
	assert.Len(t, res.Losers, 1)

	c, ok := m.Resolver().Conflict(res.ConflictID)
	require.True(t, ok)
	assert.True(t, c.Resolved)

	_, err = m.ReportConflict(conflict.Kind("bogus"), "x", []string{"a"})
	assert.Error(t, err)
}

func TestManagerConflictContextFromQueue(t *testing.T) {
	m := startManager(t)
	require.NoError(t, m.AcquireResource(context.Background(), "repo", "a", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.AcquireResource(ctx, "repo", "b", 7) }()
	require.Eventually(t, func() bool {
		return len(m.Resources().Queue("repo")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cctx := m.conflictContext(conflict.Conflict{Kind: conflict.KindResource, Subject: "repo"})
	assert.Equal(t, 7, cctx.Priorities["b"])
	assert.Contains(t, cctx.Timestamps, "a")
	assert.Contains(t, cctx.Timestamps, "b")
}

func TestManagerMaintenanceAndHealth(t *testing.T) {
	m := startManager(t)
	require.NoError(t, m.RegisterAgent("a"))

	require.NoError(t, m.PerformMaintenance(context.Background()))
	assert.NotEmpty(t, m.Collector().Snapshots())

	h := m.Health()
	assert.True(t, h.Healthy, h.Error)
	assert.False(t, h.Advanced)

	report := m.CoordinationMetrics()
	assert.False(t, report.AdvancedScheduling)
	assert.Nil(t, report.Execution)
	assert.True(t, report.Health.Healthy)
}

func TestManagerMessaging(t *testing.T) {
	m := startManager(t)
	require.NoError(t, m.RegisterAgent("a"))
	require.NoError(t, m.RegisterAgent("b"))

	msg, err := m.SendMessage("a", "b", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	inbox := m.Router().Drain("b")
	require.Len(t, inbox, 1)
	assert.Equal(t, "hello", inbox[0].Payload)
}
