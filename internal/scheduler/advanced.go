package scheduler

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/aristath/coordinator/internal/errors"
)

// Executor runs one attempt of a task and returns its result.
type Executor interface {
	Execute(ctx context.Context, task Task) (any, error)
}

// ResourceAcquirer grants exclusive resources before an attempt runs.
type ResourceAcquirer interface {
	Acquire(ctx context.Context, resourceID, agentID string, priority int) error
	Release(resourceID, agentID string)
}

// AdvancedConfig configures execution on top of the basic scheduler.
type AdvancedConfig struct {
	MaxConcurrent int64         // Attempts executing at once (default 10)
	Breakers      BreakerConfig // Per-task-type circuit breakers
}

// AdvancedStats describes in-flight execution.
type AdvancedStats struct {
	Executing int
	Limit     int64
	Breakers  map[string]string
}

type execution struct {
	agentID string
	cancel  context.CancelFunc
}

// AdvancedTaskScheduler executes tasks itself instead of waiting for agents
// to report results. Each attempt pre-acquires the task's resources in
// sorted order, runs under a concurrency limit and passes through the
// task type's circuit breaker. Cancelling or timing out a task cancels its
// execution context; results of superseded attempts are dropped.
type AdvancedTaskScheduler struct {
	*TaskScheduler

	exec      Executor
	resources ResourceAcquirer
	sem       *semaphore.Weighted
	limit     int64
	breakers  *BreakerRegistry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[uint64]*execution
}

// NewAdvanced creates an AdvancedTaskScheduler. resources may be nil when
// tasks declare no resources.
func NewAdvanced(cfg Config, adv AdvancedConfig, exec Executor, resources ResourceAcquirer, opts ...Option) *AdvancedTaskScheduler {
	if adv.MaxConcurrent <= 0 {
		adv.MaxConcurrent = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &AdvancedTaskScheduler{
		TaskScheduler: New(cfg, opts...),
		exec:          exec,
		resources:     resources,
		sem:           semaphore.NewWeighted(adv.MaxConcurrent),
		limit:         adv.MaxConcurrent,
		ctx:           ctx,
		cancel:        cancel,
		running:       make(map[uint64]*execution),
	}
	a.breakers = NewBreakerRegistry(adv.Breakers, a.logger)
	a.onStart = a.launch
	a.onStop = a.halt
	return a
}

// Breakers exposes the circuit breaker registry.
func (a *AdvancedTaskScheduler) Breakers() *BreakerRegistry { return a.breakers }

func (a *AdvancedTaskScheduler) launch(task *Task, agentID string, _ int, run uint64) {
	if a.exec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(a.ctx, a.timeoutFor(task))

	a.mu.Lock()
	if a.ctx.Err() != nil {
		a.mu.Unlock()
		cancel()
		return
	}
	a.running[run] = &execution{agentID: agentID, cancel: cancel}
	a.wg.Add(1)
	a.mu.Unlock()

	go a.execute(ctx, task, agentID, run)
}

func (a *AdvancedTaskScheduler) halt(taskID string, run uint64) {
	a.mu.Lock()
	ex, ok := a.running[run]
	delete(a.running, run)
	a.mu.Unlock()

	if ok {
		a.logger.Debug("execution stopped", "task_id", taskID, "run", run)
		ex.cancel()
	}
}

func (a *AdvancedTaskScheduler) execute(ctx context.Context, task *Task, agentID string, run uint64) {
	defer a.wg.Done()

	if err := a.sem.Acquire(ctx, 1); err != nil {
		a.finish(task.ID, run, nil, err)
		return
	}
	defer a.sem.Release(1)

	held, err := a.acquireResources(ctx, task, agentID)
	if err != nil {
		a.finish(task.ID, run, nil, err)
		return
	}

	result, err := a.breakers.Get(task.Type).Execute(func() (any, error) {
		return a.exec.Execute(ctx, *task)
	})
	a.releaseResources(held, agentID)
	a.finish(task.ID, run, result, err)
}

// acquireResources takes every declared resource in sorted order so that
// two tasks sharing resources cannot wait on each other. On failure the
// already-held resources are released.
func (a *AdvancedTaskScheduler) acquireResources(ctx context.Context, task *Task, agentID string) ([]string, error) {
	if len(task.Resources) == 0 {
		return nil, nil
	}
	if a.resources == nil {
		return nil, errors.NewTaskError(task.ID, "acquire", errors.New("task declares resources but no resource manager is configured"))
	}

	ids := slices.Clone(task.Resources)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	held := make([]string, 0, len(ids))
	for _, resID := range ids {
		if err := a.resources.Acquire(ctx, resID, agentID, task.Priority); err != nil {
			a.releaseResources(held, agentID)
			return nil, err
		}
		held = append(held, resID)
	}
	return held, nil
}

func (a *AdvancedTaskScheduler) releaseResources(held []string, agentID string) {
	for i := len(held) - 1; i >= 0; i-- {
		a.resources.Release(held[i], agentID)
	}
}

// finish reports an attempt's outcome unless the attempt was superseded.
func (a *AdvancedTaskScheduler) finish(taskID string, run uint64, result any, err error) {
	a.mu.Lock()
	ex, ok := a.running[run]
	delete(a.running, run)
	a.mu.Unlock()
	if !ok {
		a.logger.Debug("dropping result of superseded attempt", "task_id", taskID, "run", run)
		return
	}
	ex.cancel()

	var reportErr error
	if err == nil {
		reportErr = a.completeAttempt(taskID, run, result)
	} else {
		if IsOpenError(err) {
			a.logger.Warn("circuit breaker rejected task", "task_id", taskID, "error", err)
		}
		reportErr = a.failAttempt(taskID, run, err)
	}
	if reportErr != nil {
		a.logger.Debug("attempt outcome not recorded", "task_id", taskID, "error", reportErr)
	}
}

// Executing returns the number of attempts currently in flight.
func (a *AdvancedTaskScheduler) Executing() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running)
}

// AdvancedStats reports execution state.
func (a *AdvancedTaskScheduler) AdvancedStats() AdvancedStats {
	return AdvancedStats{
		Executing: a.Executing(),
		Limit:     a.limit,
		Breakers:  a.breakers.States(),
	}
}

// Close cancels every in-flight execution and waits for the goroutines to
// return. Their results are dropped.
func (a *AdvancedTaskScheduler) Close() {
	a.mu.Lock()
	a.cancel()
	clear(a.running)
	a.mu.Unlock()
	a.wg.Wait()
}
