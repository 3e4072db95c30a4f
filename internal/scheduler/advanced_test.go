package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/coordinator/internal/errors"
)

type executorFunc func(ctx context.Context, task Task) (any, error)

func (f executorFunc) Execute(ctx context.Context, task Task) (any, error) { return f(ctx, task) }

type recordingAcquirer struct {
	mu       sync.Mutex
	acquired []string
	released []string
	fail     map[string]error
}

func (r *recordingAcquirer) Acquire(_ context.Context, resourceID, _ string, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[resourceID]; err != nil {
		return err
	}
	r.acquired = append(r.acquired, resourceID)
	return nil
}

func (r *recordingAcquirer) Release(resourceID, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, resourceID)
}

func (r *recordingAcquirer) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.acquired...), append([]string(nil), r.released...)
}

func waitStatus(t *testing.T, s *TaskScheduler, id string, want TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, ok := s.Task(id)
		return ok && task.Status == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
}

func TestAdvancedExecutesAndCompletes(t *testing.T) {
	exec := executorFunc(func(_ context.Context, task Task) (any, error) {
		return "done:" + task.ID, nil
	})
	a := NewAdvanced(Config{}, AdvancedConfig{}, exec, nil)
	defer a.Close()

	require.NoError(t, a.SubmitTask(&Task{ID: "a"}, "agent"))
	require.NoError(t, a.SubmitTask(&Task{ID: "b", Dependencies: []string{"a"}}, "agent"))

	waitStatus(t, a.TaskScheduler, "b", StatusCompleted)
	out, _ := a.Task("a")
	assert.Equal(t, "done:a", out.Output)
	assert.Zero(t, a.Executing())
}

func TestAdvancedRespectsConcurrencyLimit(t *testing.T) {
	var current, peak atomic.Int32
	release := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, _ Task) (any, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer current.Add(-1)
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	a := NewAdvanced(Config{}, AdvancedConfig{MaxConcurrent: 2}, exec, nil)
	defer a.Close()

	ids := []string{"t1", "t2", "t3", "t4", "t5"}
	for _, id := range ids {
		require.NoError(t, a.SubmitTask(&Task{ID: id}, "agent"))
	}

	require.Eventually(t, func() bool { return current.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	for _, id := range ids {
		waitStatus(t, a.TaskScheduler, id, StatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestAdvancedAcquiresResourcesInOrder(t *testing.T) {
	acq := &recordingAcquirer{}
	exec := executorFunc(func(context.Context, Task) (any, error) { return nil, nil })
	a := NewAdvanced(Config{}, AdvancedConfig{}, exec, acq)
	defer a.Close()

	require.NoError(t, a.SubmitTask(&Task{ID: "t", Resources: []string{"db", "cache", "db"}}, "agent"))
	waitStatus(t, a.TaskScheduler, "t", StatusCompleted)

	acquired, released := acq.snapshot()
	assert.Equal(t, []string{"cache", "db"}, acquired)
	assert.Equal(t, []string{"db", "cache"}, released)
}

func TestAdvancedResourceFailureFailsAttempt(t *testing.T) {
	lockErr := errors.NewResourceLockError("db", "agent", errors.ErrLockTimeout)
	acq := &recordingAcquirer{fail: map[string]error{"db": lockErr}}
	exec := executorFunc(func(context.Context, Task) (any, error) {
		t.Error("executor must not run without its resources")
		return nil, nil
	})
	a := NewAdvanced(Config{MaxRetries: 1}, AdvancedConfig{}, exec, acq)
	defer a.Close()

	require.NoError(t, a.SubmitTask(&Task{ID: "t", Resources: []string{"a", "db"}}, "agent"))
	waitStatus(t, a.TaskScheduler, "t", StatusFailed)

	task, _ := a.Task("t")
	assert.ErrorIs(t, task.Err, errors.ErrLockTimeout)
	acquired, released := acq.snapshot()
	assert.Equal(t, []string{"a"}, acquired)
	assert.Equal(t, []string{"a"}, released)
}

func TestAdvancedCancelStopsExecution(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, _ Task) (any, error) {
		close(started)
		<-ctx.Done()
		close(stopped)
		return "late", nil
	})
	a := NewAdvanced(Config{}, AdvancedConfig{}, exec, nil)
	defer a.Close()

	require.NoError(t, a.SubmitTask(&Task{ID: "t"}, "agent"))
	<-started
	require.NoError(t, a.CancelTask("t", "no longer needed"))

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("execution context was not cancelled")
	}
	require.Eventually(t, func() bool { return a.Executing() == 0 }, time.Second, 5*time.Millisecond)
	task, _ := a.Task("t")
	assert.Equal(t, StatusCancelled, task.Status)
	assert.Nil(t, task.Output)
}

func TestAdvancedRetriesFailedAttempt(t *testing.T) {
	var calls atomic.Int32
	exec := executorFunc(func(context.Context, Task) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	a := NewAdvanced(Config{MaxRetries: 3, RetryDelay: 10 * time.Millisecond}, AdvancedConfig{}, exec, nil)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.NoError(t, a.SubmitTask(&Task{ID: "t"}, "agent"))
	waitStatus(t, a.TaskScheduler, "t", StatusCompleted)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAdvancedBreakerRejectsAfterFailures(t *testing.T) {
	var calls atomic.Int32
	exec := executorFunc(func(context.Context, Task) (any, error) {
		calls.Add(1)
		return nil, errors.New("backend down")
	})
	a := NewAdvanced(Config{MaxRetries: 1}, AdvancedConfig{
		Breakers: BreakerConfig{ConsecutiveFailures: 1, OpenTimeout: time.Minute},
	}, exec, nil)
	defer a.Close()

	require.NoError(t, a.SubmitTask(&Task{ID: "first", Type: "deploy"}, "agent"))
	waitStatus(t, a.TaskScheduler, "first", StatusFailed)

	require.NoError(t, a.SubmitTask(&Task{ID: "second", Type: "deploy"}, "agent"))
	waitStatus(t, a.TaskScheduler, "second", StatusFailed)

	task, _ := a.Task("second")
	assert.True(t, IsOpenError(task.Err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "open", a.AdvancedStats().Breakers["deploy"])
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{ConsecutiveFailures: 1}, nil)
	cb := r.Get("x")
	for range 3 {
		_, _ = cb.Execute(func() (any, error) { return nil, context.Canceled })
	}
	assert.Equal(t, "closed", r.States()["x"])
	assert.Same(t, cb, r.Get("x"))
}
