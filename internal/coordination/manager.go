// Package coordination composes the scheduler, resource manager, message
// router, conflict resolver, load balancer and metrics collector into one
// runtime with a single public API.
package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/coordinator/internal/balance"
	"github.com/aristath/coordinator/internal/config"
	"github.com/aristath/coordinator/internal/conflict"
	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/events"
	"github.com/aristath/coordinator/internal/logging"
	"github.com/aristath/coordinator/internal/messaging"
	"github.com/aristath/coordinator/internal/metrics"
	"github.com/aristath/coordinator/internal/persistence"
	"github.com/aristath/coordinator/internal/resource"
	"github.com/aristath/coordinator/internal/scheduler"
)

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.base = l }
}

// WithBus uses a shared event bus. The manager does not close it.
func WithBus(b *events.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithStore journals task lifecycle transitions and conflicts.
func WithStore(s persistence.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithExecutor sets the executor used once advanced scheduling is enabled.
func WithExecutor(e scheduler.Executor) Option {
	return func(m *Manager) { m.exec = e }
}

// WithRelay forwards every bus event to NATS.
func WithRelay(r *events.NATSRelay) Option {
	return func(m *Manager) { m.relay = r }
}

// WithClock overrides time.Now for every component.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

type agentInfo struct {
	capabilities []string
	completed    int
	busy         time.Duration
}

// Manager is the coordination runtime. Construct it with New, call Start
// before any other method and Stop when done.
type Manager struct {
	cfg    config.Config
	base   *slog.Logger
	logger *slog.Logger
	now    func() time.Time

	bus     *events.Bus
	ownsBus bool
	store   persistence.Store
	exec    scheduler.Executor
	relay   *events.NATSRelay

	resources *resource.Manager
	router    *messaging.Router
	conflicts *conflict.Resolver
	locks     *conflict.OptimisticLockManager
	balancer  *balance.Balancer
	metrics   *metrics.Collector

	mu        sync.RWMutex
	state     state
	scheduler *scheduler.TaskScheduler
	advanced  *scheduler.AdvancedTaskScheduler
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	stopSched func()

	agentsMu sync.Mutex
	agents   map[string]*agentInfo
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		now:    time.Now,
		agents: make(map[string]*agentInfo),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Component(m.base, "coordination")
	if m.bus == nil {
		m.bus = events.NewBus()
		m.ownsBus = true
	}

	m.resources = resource.New(resource.Config{
		Timeout:       cfg.Resources.Timeout,
		SweepInterval: cfg.Resources.SweepInterval,
	}, resource.WithLogger(m.base), resource.WithPublisher(m.bus), resource.WithClock(m.now))

	rcfg := messaging.DefaultConfig()
	if cfg.Messaging.Timeout > 0 {
		rcfg.MessageTimeout = cfg.Messaging.Timeout
	}
	if cfg.Messaging.MailboxSize > 0 {
		rcfg.MailboxSize = cfg.Messaging.MailboxSize
	}
	m.router = messaging.New(rcfg, messaging.WithLogger(m.base), messaging.WithPublisher(m.bus), messaging.WithClock(m.now))

	m.conflicts = conflict.NewResolver(conflict.Config{
		DefaultStrategy: cfg.Conflicts.DefaultStrategy,
		TTL:             cfg.Conflicts.TTL,
	}, conflict.WithLogger(m.base), conflict.WithPublisher(m.bus), conflict.WithClock(m.now),
		conflict.WithContextProvider(m.conflictContext))
	m.locks = conflict.NewOptimisticLockManager(m.base, m.now)

	stealer := balance.NewCoordinator(balance.StealConfig{
		Threshold: cfg.WorkStealing.Threshold,
		MaxBatch:  cfg.WorkStealing.MaxBatch,
		Interval:  cfg.WorkStealing.Interval,
	}, balance.WithStealLogger(m.base), balance.WithStealPublisher(m.bus), balance.WithMover(m), balance.WithStealClock(m.now))
	m.balancer = balance.NewBalancer(balance.BalancerConfig{
		Strategy:          cfg.Balancer.Strategy,
		Predictive:        cfg.Balancer.Predictive,
		HistorySize:       cfg.Balancer.HistorySize,
		OverloadThreshold: cfg.Balancer.OverloadThreshold,
		RebalanceInterval: cfg.Balancer.RebalanceInterval,
	}, stealer, m.base)

	m.metrics = metrics.New(
		metrics.WithGaugeSource(func() metrics.Gauges {
			h := m.resources.Health()
			return metrics.Gauges{LockedResources: h.Locked, WaitingRequests: h.Waiting}
		}),
		metrics.WithRetention(cfg.Metrics.Retention),
		metrics.WithClock(m.now),
	)

	m.scheduler = scheduler.New(m.schedulerConfig(), m.schedulerOptions()...)
	return m
}

// schedulerConfig arms each attempt with the resource timeout.
func (m *Manager) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxRetries:          m.cfg.Scheduler.MaxRetries,
		RetryDelay:          m.cfg.Scheduler.RetryDelay,
		MaxRetryDelay:       m.cfg.Scheduler.MaxRetryDelay,
		TaskTimeout:         m.cfg.Resources.Timeout,
		CompletedRetention:  m.cfg.Scheduler.CompletedRetention,
		MaintenanceInterval: m.cfg.Scheduler.MaintenanceInterval,
	}
}

func (m *Manager) schedulerOptions() []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithLogger(m.base),
		scheduler.WithPublisher(m.bus),
		scheduler.WithClock(m.now),
	}
}

// Start launches the coordination loop and every background loop. It is a
// no-op on a running manager; a stopped manager cannot be restarted.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case stateRunning:
		m.mu.Unlock()
		return nil
	case stateStopped:
		m.mu.Unlock()
		return errors.NewCoordinationError("start", errors.ErrShutdown)
	}

	sub, unsubscribe := m.bus.SubscribeAllQueued()
	var relaySub <-chan events.Event
	if m.relay != nil {
		relaySub = m.bus.SubscribeAll(m.cfg.Events.Buffer)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	m.ctx, m.cancel, m.group = gctx, cancel, g
	m.state = stateRunning
	m.startSchedulerLocked(m.scheduler)
	m.mu.Unlock()

	g.Go(func() error {
		m.loop(gctx, sub, unsubscribe)
		return nil
	})
	g.Go(func() error {
		m.resources.Run(gctx)
		return nil
	})
	g.Go(func() error {
		m.router.Run(gctx)
		return nil
	})
	g.Go(func() error {
		m.metrics.Run(gctx, m.cfg.Metrics.Interval)
		return nil
	})
	g.Go(func() error {
		m.maintenanceLoop(gctx)
		return nil
	})
	if m.cfg.Deadlock.Enabled {
		g.Go(func() error {
			m.deadlockLoop(gctx)
			return nil
		})
	}
	if m.cfg.WorkStealing.Enabled {
		g.Go(func() error {
			m.balancer.Stealer().Run(gctx)
			return nil
		})
		g.Go(func() error {
			m.balancer.Run(gctx, m)
			return nil
		})
	}
	if m.relay != nil {
		g.Go(func() error {
			m.relay.Run(gctx, relaySub)
			return nil
		})
	}

	m.logger.Info("coordination manager started",
		"deadlock_detection", m.cfg.Deadlock.Enabled,
		"work_stealing", m.cfg.WorkStealing.Enabled,
		"journal", m.store != nil)

	if m.cfg.Scheduler.AdvancedScheduling {
		return m.EnableAdvancedScheduling()
	}
	return nil
}

// startSchedulerLocked runs s's delay-queue loop until stopSched is called.
func (m *Manager) startSchedulerLocked(s *scheduler.TaskScheduler) {
	ctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	m.stopSched = func() {
		cancel()
		<-done
	}
}

// Stop cancels every active task, stops all loops and shuts the router
// down. It is safe to call more than once.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.state != stateRunning {
		m.state = stateStopped
		m.mu.Unlock()
		return nil
	}
	m.state = stateStopped
	sched, adv, stopSched := m.scheduler, m.advanced, m.stopSched
	m.mu.Unlock()

	cancelled := 0
	for _, agentID := range sortedKeys(sched.AgentCounts()) {
		cancelled += len(sched.CancelAgentTasks(agentID, "coordinator shutdown"))
	}
	stopSched()
	if adv != nil {
		adv.Close()
	}
	m.cancel()
	err := m.group.Wait()

	m.router.Shutdown()
	if m.relay != nil {
		if cerr := m.relay.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	if m.ownsBus {
		m.bus.Close()
	}
	m.logger.Info("coordination manager stopped", "cancelled_tasks", cancelled)
	return err
}

// active returns the current scheduler, or a CoordinationError when the
// manager is not running.
func (m *Manager) active(op string) (*scheduler.TaskScheduler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.state {
	case stateNew:
		return nil, errors.NewCoordinationError(op, errors.ErrNotInitialized)
	case stateStopped:
		return nil, errors.NewCoordinationError(op, errors.ErrShutdown)
	}
	return m.scheduler, nil
}

// EnableAdvancedScheduling swaps the basic scheduler for one that executes
// tasks through the configured executor. Every active task, its attempt
// count and timers, the dependency graph and the finished history move to
// the new scheduler. Attempts already running keep running and must still
// be reported through CompleteTask or FailTask.
func (m *Manager) EnableAdvancedScheduling() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateNew:
		return errors.NewCoordinationError("enable advanced scheduling", errors.ErrNotInitialized)
	case stateStopped:
		return errors.NewCoordinationError("enable advanced scheduling", errors.ErrShutdown)
	}
	if m.advanced != nil {
		return nil
	}

	adv := scheduler.NewAdvanced(m.schedulerConfig(), scheduler.AdvancedConfig{
		MaxConcurrent: m.cfg.Scheduler.MaxConcurrentTasks,
		Breakers: scheduler.BreakerConfig{
			ConsecutiveFailures: m.cfg.Scheduler.BreakerFailures,
			OpenTimeout:         m.cfg.Scheduler.BreakerOpenTimeout,
		},
	}, m.exec, m.resources, m.schedulerOptions()...)

	m.stopSched()
	if err := adv.Adopt(m.scheduler); err != nil {
		m.startSchedulerLocked(m.scheduler)
		adv.Close()
		return errors.NewCoordinationError("enable advanced scheduling", err)
	}
	m.scheduler = adv.TaskScheduler
	m.advanced = adv
	m.startSchedulerLocked(adv.TaskScheduler)

	h := adv.Health()
	m.logger.Info("advanced scheduling enabled", "migrated", h.Active, "retained", h.Retained)
	return nil
}

// AdvancedScheduling reports whether the advanced scheduler is active.
func (m *Manager) AdvancedScheduling() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.advanced != nil
}

// RegisterAgent makes an agent known to the router and the balancer and
// announces it on the bus.
func (m *Manager) RegisterAgent(agentID string, capabilities ...string) error {
	if _, err := m.active("register agent"); err != nil {
		return err
	}
	if agentID == "" {
		return fmt.Errorf("register agent: empty agent id")
	}
	caps := append([]string(nil), capabilities...)

	m.agentsMu.Lock()
	if info, ok := m.agents[agentID]; ok {
		info.capabilities = caps
	} else {
		m.agents[agentID] = &agentInfo{capabilities: caps}
	}
	m.agentsMu.Unlock()

	m.router.RegisterAgent(agentID)
	m.refreshLoad(agentID)
	m.bus.Publish(events.AgentSpawnedEvent{AgentID: agentID, Capabilities: caps, Timestamp: m.now()})
	return nil
}

// TerminateAgent releases the agent's resources, cancels its tasks and
// forgets it, then announces the termination.
func (m *Manager) TerminateAgent(agentID, reason string) error {
	if _, err := m.active("terminate agent"); err != nil {
		return err
	}
	m.cleanupAgent(agentID, reason)
	m.bus.Publish(events.AgentTerminatedEvent{AgentID: agentID, Reason: reason, Timestamp: m.now()})
	return nil
}

// Agents returns the registered agent ids, sorted.
func (m *Manager) Agents() []string {
	m.agentsMu.Lock()
	defer m.agentsMu.Unlock()
	return sortedKeys(m.agents)
}

// SelectAgent asks the load balancer for the best registered agent for task.
func (m *Manager) SelectAgent(task *scheduler.Task) (*balance.Decision, error) {
	candidates := m.Agents()
	if len(candidates) == 0 {
		return nil, errors.ErrNoAgents
	}
	return m.balancer.SelectAgent(balance.Request{
		TaskID:       task.ID,
		TaskType:     task.Type,
		Capabilities: task.Capabilities,
		Priority:     task.Priority,
	}, candidates, "", balance.Constraints{RequiredCapabilities: task.Capabilities})
}

func (m *Manager) placement(op string, task *scheduler.Task, agentID string) (*scheduler.TaskScheduler, string, error) {
	sched, err := m.active(op)
	if err != nil {
		return nil, "", err
	}
	if agentID != "" || task == nil {
		return sched, agentID, nil
	}
	d, err := m.SelectAgent(task)
	if err != nil {
		return nil, "", errors.NewTaskError(task.ID, op, err)
	}
	m.logger.Debug("agent selected", "task_id", task.ID, "agent_id", d.AgentID, "confidence", d.Confidence, "reason", d.Reason)
	return sched, d.AgentID, nil
}

// AssignTask binds task to agentID and starts it. Every dependency must
// already be completed. An empty agentID lets the load balancer choose.
func (m *Manager) AssignTask(task *scheduler.Task, agentID string) error {
	sched, agentID, err := m.placement("assign", task, agentID)
	if err != nil {
		return err
	}
	return sched.AssignTask(task, agentID)
}

// SubmitTask binds task to agentID; it starts once its dependencies
// complete. An empty agentID lets the load balancer choose.
func (m *Manager) SubmitTask(task *scheduler.Task, agentID string) error {
	sched, agentID, err := m.placement("submit", task, agentID)
	if err != nil {
		return err
	}
	return sched.SubmitTask(task, agentID)
}

// CompleteTask records a task's result as reported by its agent.
func (m *Manager) CompleteTask(taskID string, result any) error {
	sched, err := m.active("complete")
	if err != nil {
		return err
	}
	return sched.CompleteTask(taskID, result)
}

// FailTask records a failed attempt as reported by its agent.
func (m *Manager) FailTask(taskID string, cause error) error {
	sched, err := m.active("fail")
	if err != nil {
		return err
	}
	return sched.FailTask(taskID, cause)
}

// CancelTask cancels a task and its dependents.
func (m *Manager) CancelTask(taskID, reason string) error {
	sched, err := m.active("cancel")
	if err != nil {
		return err
	}
	return sched.CancelTask(taskID, reason)
}

// Task returns a copy of an active or retained task.
func (m *Manager) Task(taskID string) (*scheduler.Task, bool) {
	sched, err := m.active("task")
	if err != nil {
		return nil, false
	}
	return sched.Task(taskID)
}

// AgentTasks returns the agent's active tasks.
func (m *Manager) AgentTasks(agentID string) ([]*scheduler.Task, error) {
	sched, err := m.active("agent tasks")
	if err != nil {
		return nil, err
	}
	return sched.AgentTasks(agentID), nil
}

// AgentTaskCount returns the number of the agent's active tasks.
func (m *Manager) AgentTaskCount(agentID string) (int, error) {
	sched, err := m.active("agent task count")
	if err != nil {
		return 0, err
	}
	return sched.AgentTaskCount(agentID), nil
}

// AcquireResource blocks until agentID holds resourceID, ctx is done or the
// resource timeout elapses.
func (m *Manager) AcquireResource(ctx context.Context, resourceID, agentID string, priority int) error {
	if _, err := m.active("acquire resource"); err != nil {
		return err
	}
	return m.resources.Acquire(ctx, resourceID, agentID, priority)
}

// ReleaseResource releases a lock held by agentID.
func (m *Manager) ReleaseResource(resourceID, agentID string) error {
	if _, err := m.active("release resource"); err != nil {
		return err
	}
	m.resources.Release(resourceID, agentID)
	return nil
}

// SendMessage routes a fire-and-forget message.
func (m *Manager) SendMessage(from, to string, payload any) (messaging.Message, error) {
	if _, err := m.active("send message"); err != nil {
		return messaging.Message{}, err
	}
	return m.router.Send(from, to, payload)
}

// SendWithResponse sends a request and waits for its response.
func (m *Manager) SendWithResponse(ctx context.Context, from, to string, payload any, timeout time.Duration) (any, error) {
	if _, err := m.active("send with response"); err != nil {
		return nil, err
	}
	return m.router.SendWithResponse(ctx, from, to, payload, timeout)
}

// ReportConflict records a conflict of the given kind over subject and
// resolves it immediately with the default strategy.
func (m *Manager) ReportConflict(kind conflict.Kind, subject string, agents []string) (conflict.Resolution, error) {
	if _, err := m.active("report conflict"); err != nil {
		return conflict.Resolution{}, err
	}
	var c conflict.Conflict
	switch kind {
	case conflict.KindResource:
		c = m.conflicts.ReportResourceConflict(subject, agents)
	case conflict.KindTask:
		c = m.conflicts.ReportTaskConflict(subject, agents)
	default:
		return conflict.Resolution{}, fmt.Errorf("report conflict: unknown kind %q", kind)
	}
	return m.conflicts.AutoResolve(c.ID, "")
}

// conflictContext supplies real priorities and request times for resource
// conflicts from the lock queue; the resolver synthesizes the rest.
func (m *Manager) conflictContext(c conflict.Conflict) conflict.Context {
	ctx := conflict.Context{Priorities: map[string]int{}, Timestamps: map[string]time.Time{}}
	if c.Kind != conflict.KindResource {
		return ctx
	}
	if r, ok := m.resources.Resource(c.Subject); ok && r.Locked {
		ctx.Timestamps[r.LockedBy] = r.LockedAt
	}
	for _, req := range m.resources.Queue(c.Subject) {
		ctx.Priorities[req.AgentID] = req.Priority
		if _, ok := ctx.Timestamps[req.AgentID]; !ok {
			ctx.Timestamps[req.AgentID] = req.RequestedAt
		}
	}
	return ctx
}

// HealthStatus merges the health of the scheduler, the resource manager
// and the router.
type HealthStatus struct {
	Healthy   bool
	Error     string
	Scheduler scheduler.Health
	Resources resource.Health
	Messaging messaging.Health
	Advanced  bool

	// DroppedEvents counts deliveries lost by buffered bus subscribers.
	DroppedEvents int64
}

// Health reports aggregated component health. It never fails; a manager
// that is not running is reported unhealthy.
func (m *Manager) Health() HealthStatus {
	sched, err := m.active("health")
	if err != nil {
		return HealthStatus{Error: err.Error()}
	}
	h := HealthStatus{
		Scheduler:     sched.Health(),
		Resources:     m.resources.Health(),
		Messaging:     m.router.Health(),
		Advanced:      m.AdvancedScheduling(),
		DroppedEvents: m.bus.Dropped(),
	}
	var problems []string
	if !h.Scheduler.Healthy {
		problems = append(problems, "scheduler: "+h.Scheduler.Error)
	}
	if !h.Resources.Healthy {
		problems = append(problems, "resources: "+h.Resources.Error)
	}
	if !h.Messaging.Healthy {
		problems = append(problems, "messaging: "+h.Messaging.Error)
	}
	h.Healthy = len(problems) == 0
	h.Error = strings.Join(problems, "; ")
	return h
}

// Report is the full coordination metrics view.
type Report struct {
	Health             HealthStatus
	Metrics            metrics.CoordinationMetrics
	Conflicts          conflict.Stats
	WorkStealing       balance.StealStats
	OptimisticLocks    conflict.OptimisticStats
	Execution          *scheduler.AdvancedStats // nil unless advanced scheduling is on
	AdvancedScheduling bool
}

// CoordinationMetrics merges health, a metrics snapshot, conflict and
// work-stealing stats.
func (m *Manager) CoordinationMetrics() Report {
	r := Report{
		Health:          m.Health(),
		Metrics:         m.metrics.Snapshot(),
		Conflicts:       m.conflicts.Stats(),
		WorkStealing:    m.balancer.Stealer().Stats(),
		OptimisticLocks: m.locks.Stats(),
	}
	m.mu.RLock()
	adv := m.advanced
	m.mu.RUnlock()
	if adv != nil {
		s := adv.AdvancedStats()
		r.Execution = &s
		r.AdvancedScheduling = true
	}
	return r
}

// PerformMaintenance runs every component's sweep once: stuck tasks, stale
// locks and wait-queue entries, expired messages, old conflicts and idle
// optimistic locks. Journal errors are collected and returned after the
// full pass.
func (m *Manager) PerformMaintenance(ctx context.Context) error {
	sched, err := m.active("maintenance")
	if err != nil {
		return err
	}
	now := m.now()
	stuck := sched.Maintain(now)
	m.resources.Sweep(now)
	m.router.Sweep(now)
	conflicts := m.conflicts.Sweep(0)
	locks := m.locks.Sweep(m.cfg.Conflicts.TTL)
	m.metrics.Record()

	var errs []error
	if m.store != nil {
		if _, err := m.store.PruneConflicts(ctx, now.Add(-m.cfg.Conflicts.TTL)); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Debug("maintenance complete", "stuck_tasks", stuck, "conflicts_swept", conflicts, "locks_swept", locks)
	return errors.Join(errs...)
}

func (m *Manager) maintenanceLoop(ctx context.Context) {
	interval := m.cfg.Scheduler.MaintenanceInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.PerformMaintenance(ctx); err != nil && !errors.Is(err, errors.ErrShutdown) {
				m.logger.Error("maintenance failed", "error", err)
			}
		}
	}
}

// StealableTasks implements balance.TaskMover over the current scheduler.
func (m *Manager) StealableTasks(agentID string, n int) []*scheduler.Task {
	sched, err := m.active("steal")
	if err != nil {
		return nil
	}
	return sched.StealableTasks(agentID, n)
}

// ReassignTask implements balance.TaskMover over the current scheduler.
func (m *Manager) ReassignTask(taskID, agentID string) error {
	sched, err := m.active("reassign")
	if err != nil {
		return err
	}
	return sched.ReassignTask(taskID, agentID)
}

// Bus returns the event bus.
func (m *Manager) Bus() *events.Bus { return m.bus }

// Resources returns the resource manager.
func (m *Manager) Resources() *resource.Manager { return m.resources }

// Router returns the message router.
func (m *Manager) Router() *messaging.Router { return m.router }

// Resolver returns the conflict resolver.
func (m *Manager) Resolver() *conflict.Resolver { return m.conflicts }

// OptimisticLocks returns the optimistic lock manager.
func (m *Manager) OptimisticLocks() *conflict.OptimisticLockManager { return m.locks }

// Balancer returns the load balancer.
func (m *Manager) Balancer() *balance.Balancer { return m.balancer }

// Collector returns the metrics collector.
func (m *Manager) Collector() *metrics.Collector { return m.metrics }

// Scheduler returns the active scheduler.
func (m *Manager) Scheduler() *scheduler.TaskScheduler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scheduler
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
