// Package metrics derives coordination counters, gauges and histograms from
// bus events. Values are exported on a private prometheus registry and
// summarized in periodic snapshots.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/coordinator/internal/events"
)

const namespace = "coordinator"

// CoordinationMetrics is a point-in-time summary.
type CoordinationMetrics struct {
	Timestamp time.Time

	TasksCreated    uint64
	TasksStarted    uint64
	TasksCompleted  uint64
	TasksFailed     uint64 // terminal failures
	FailedAttempts  uint64
	TasksCancelled  uint64
	TasksRetried    uint64
	TasksRequeued   uint64
	ActiveTasks     int
	AvgTaskDuration time.Duration
	SuccessRate     float64 // completed / (completed + failed), 1 when nothing finished
	Throughput      float64 // completions per second since the collector started

	LocksAcquired   uint64
	LocksReleased   uint64
	ForcedReleases  uint64
	LockTimeouts    uint64
	LockedResources int
	WaitingRequests int
	AvgLockWait     time.Duration

	MessagesSent      uint64
	Deadlocks         uint64
	ConflictsReported uint64
	ConflictsResolved uint64
	StealsRequested   uint64
	StealsCompleted   uint64
	StealsFailed      uint64
	TasksStolen       uint64

	Agents int
}

// Gauges are levels owned by other components, sampled on every Snapshot.
type Gauges struct {
	LockedResources int
	WaitingRequests int
}

// Collector turns events into metrics. It is safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	counts    CoordinationMetrics
	active    map[string]struct{}
	agents    map[string]struct{}
	taskTime  time.Duration
	lockWait  time.Duration
	lockWaits uint64
	started   time.Time
	snapshots []CoordinationMetrics
	retain    int
	gauges    func() Gauges
	now       func() time.Time

	registry        *prometheus.Registry
	tasks           *prometheus.CounterVec
	locks           *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	steals          *prometheus.CounterVec
	messages        prometheus.Counter
	deadlocks       prometheus.Counter
	activeTasks     prometheus.Gauge
	lockedResources prometheus.Gauge
	waitingRequests prometheus.Gauge
	agentGauge      prometheus.Gauge
	taskDuration    prometheus.Histogram
	lockWaitHist    prometheus.Histogram
}

// Option configures a Collector.
type Option func(*Collector)

// WithGaugeSource samples lock gauges from fn on every Snapshot.
func WithGaugeSource(fn func() Gauges) Option {
	return func(c *Collector) { c.gauges = fn }
}

// WithRetention keeps the last n snapshots taken by Run (default 100).
func WithRetention(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.retain = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Collector with its own registry.
func New(opts ...Option) *Collector {
	c := &Collector{
		active:   make(map[string]struct{}),
		agents:   make(map[string]struct{}),
		retain:   100,
		now:      time.Now,
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_events_total", Help: "Task lifecycle transitions by event.",
		}, []string{"event"}),
		locks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_events_total", Help: "Resource lock operations by event.",
		}, []string{"event"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "conflicts_total", Help: "Conflicts by event.",
		}, []string{"event"}),
		steals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "steals_total", Help: "Work-stealing operations by outcome.",
		}, []string{"outcome"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total", Help: "Messages routed.",
		}),
		deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "deadlocks_total", Help: "Deadlocks detected.",
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_tasks", Help: "Tasks created but not yet terminal.",
		}),
		lockedResources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "locked_resources", Help: "Resources currently locked.",
		}),
		waitingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "waiting_lock_requests", Help: "Queued lock requests.",
		}),
		agentGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "agents", Help: "Live agents.",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds", Help: "Duration of completed tasks.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		lockWaitHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "lock_wait_seconds", Help: "Time spent waiting for a lock.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.now()
	c.registry.MustRegister(
		c.tasks, c.locks, c.conflicts, c.steals, c.messages, c.deadlocks,
		c.activeTasks, c.lockedResources, c.waitingRequests, c.agentGauge,
		c.taskDuration, c.lockWaitHist,
	)
	return c
}

// Registry returns the collector's prometheus registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Observe updates metrics from one event. Unknown events are ignored.
func (c *Collector) Observe(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := e.(type) {
	case events.TaskCreatedEvent:
		if ev.Requeued {
			c.counts.TasksRequeued++
			c.tasks.WithLabelValues("requeued").Inc()
		} else {
			c.counts.TasksCreated++
			c.tasks.WithLabelValues("created").Inc()
		}
		c.active[ev.ID] = struct{}{}
	case events.TaskStartedEvent:
		c.counts.TasksStarted++
		c.tasks.WithLabelValues("started").Inc()
	case events.TaskCompletedEvent:
		c.counts.TasksCompleted++
		c.tasks.WithLabelValues("completed").Inc()
		c.taskTime += ev.Duration
		c.taskDuration.Observe(ev.Duration.Seconds())
		delete(c.active, ev.ID)
	case events.TaskFailedEvent:
		c.counts.FailedAttempts++
		if ev.Terminal {
			c.counts.TasksFailed++
			c.tasks.WithLabelValues("failed").Inc()
			delete(c.active, ev.ID)
		} else {
			c.tasks.WithLabelValues("attempt_failed").Inc()
		}
	case events.TaskRetryEvent:
		c.counts.TasksRetried++
		c.tasks.WithLabelValues("retried").Inc()
	case events.TaskCancelledEvent:
		c.counts.TasksCancelled++
		c.tasks.WithLabelValues("cancelled").Inc()
		delete(c.active, ev.ID)

	case events.AgentSpawnedEvent:
		c.agents[ev.AgentID] = struct{}{}
	case events.AgentTerminatedEvent:
		delete(c.agents, ev.AgentID)

	case events.ResourceAcquiredEvent:
		c.counts.LocksAcquired++
		c.locks.WithLabelValues("acquired").Inc()
		c.lockWait += ev.Waited
		c.lockWaits++
		c.lockWaitHist.Observe(ev.Waited.Seconds())
	case events.ResourceReleasedEvent:
		c.counts.LocksReleased++
		c.locks.WithLabelValues("released").Inc()
		if ev.Forced {
			c.counts.ForcedReleases++
			c.locks.WithLabelValues("forced_release").Inc()
		}
	case events.ResourceTimeoutEvent:
		c.counts.LockTimeouts++
		c.locks.WithLabelValues("timeout").Inc()
	case events.ResourceWaitingEvent:
		c.locks.WithLabelValues("waiting").Inc()

	case events.DeadlockDetectedEvent:
		c.counts.Deadlocks++
		c.deadlocks.Inc()
	case events.ConflictReportedEvent:
		c.counts.ConflictsReported++
		c.conflicts.WithLabelValues("reported").Inc()
	case events.ConflictResolvedEvent:
		c.counts.ConflictsResolved++
		c.conflicts.WithLabelValues("resolved").Inc()
	case events.StealRequestEvent:
		c.counts.StealsRequested++
		c.steals.WithLabelValues("requested").Inc()
	case events.StealCompletedEvent:
		if ev.Success {
			c.counts.StealsCompleted++
			c.counts.TasksStolen += uint64(len(ev.TaskIDs))
			c.steals.WithLabelValues("completed").Inc()
		} else {
			c.counts.StealsFailed++
			c.steals.WithLabelValues("failed").Inc()
		}
	case events.MessageSentEvent:
		c.counts.MessagesSent++
		c.messages.Inc()
	default:
		return
	}

	c.activeTasks.Set(float64(len(c.active)))
	c.agentGauge.Set(float64(len(c.agents)))
}

// Snapshot returns the current metrics, sampling the gauge source first.
func (c *Collector) Snapshot() CoordinationMetrics {
	var g Gauges
	if c.gauges != nil {
		g = c.gauges()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.lockedResources.Set(float64(g.LockedResources))
	c.waitingRequests.Set(float64(g.WaitingRequests))

	m := c.counts
	m.Timestamp = now
	m.ActiveTasks = len(c.active)
	m.Agents = len(c.agents)
	m.LockedResources = g.LockedResources
	m.WaitingRequests = g.WaitingRequests
	if m.TasksCompleted > 0 {
		m.AvgTaskDuration = c.taskTime / time.Duration(m.TasksCompleted)
	}
	if c.lockWaits > 0 {
		m.AvgLockWait = c.lockWait / time.Duration(c.lockWaits)
	}
	m.SuccessRate = 1
	if finished := m.TasksCompleted + m.TasksFailed; finished > 0 {
		m.SuccessRate = float64(m.TasksCompleted) / float64(finished)
	}
	if elapsed := now.Sub(c.started).Seconds(); elapsed > 0 {
		m.Throughput = float64(m.TasksCompleted) / elapsed
	}
	return m
}

// Record takes a snapshot and retains it.
func (c *Collector) Record() CoordinationMetrics {
	m := c.Snapshot()
	c.mu.Lock()
	c.snapshots = append(c.snapshots, m)
	if over := len(c.snapshots) - c.retain; over > 0 {
		c.snapshots = append(c.snapshots[:0], c.snapshots[over:]...)
	}
	c.mu.Unlock()
	return m
}

// Snapshots returns retained snapshots, oldest first.
func (c *Collector) Snapshots() []CoordinationMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CoordinationMetrics(nil), c.snapshots...)
}

// Run records a snapshot every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
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
			c.Record()
		}
	}
}
