// Package resource implements exclusive resource locks with a fair,
// priority-ordered wait queue.
package resource

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/events"
	"github.com/aristath/coordinator/internal/logging"
)

// Config configures a Manager.
type Config struct {
	Timeout       time.Duration // Max wait per acquire; queued requests older than this are swept (default 30s)
	SweepInterval time.Duration // Interval of the stale sweep run by Run (default 5s)
}

// DefaultConfig returns the default resource configuration.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second, SweepInterval: 5 * time.Second}
}

// Resource is a snapshot of one lockable resource.
type Resource struct {
	ID       string
	Locked   bool
	LockedBy string
	LockedAt time.Time
}

// LockRequest is a snapshot of a queued acquire.
type LockRequest struct {
	ResourceID  string
	AgentID     string
	Priority    int
	RequestedAt time.Time
}

// Wait is one edge of the waits-for graph: AgentID is queued on ResourceID,
// which Holder currently holds.
type Wait struct {
	AgentID    string
	ResourceID string
	Holder     string
}

// Stats counts lock activity since creation.
type Stats struct {
	Acquired       uint64
	Released       uint64
	Timeouts       uint64
	Evicted        uint64
	ForcedReleases uint64
	TotalWait      time.Duration
}

// Health summarizes lock state. The manager is unhealthy while any lock has
// been held longer than the acquire timeout.
type Health struct {
	Healthy   bool
	Error     string
	Resources int
	Locked    int
	Waiting   int
	Stale     int
	Stats     Stats
}

type request struct {
	LockRequest
	seq  uint64
	done chan struct{} // closed once granted or evicted
	err  error         // set before done is closed; nil means granted
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = logging.Component(l, "resources") }
}

// WithPublisher sets where lock events are published.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns every resource lock. At most one agent holds a resource at a
// time; waiters are granted in order of priority desc, then request time,
// then arrival. Release hands the lock straight to the head of the queue.
type Manager struct {
	mu             sync.Mutex
	cfg            Config
	resources      map[string]*Resource
	queues         map[string][]*request
	agentResources map[string]map[string]struct{}
	seq            uint64
	stats          Stats

	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Manager.
func New(cfg Config, opts ...Option) *Manager {
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	m := &Manager{
		cfg:            cfg,
		resources:      make(map[string]*Resource),
		queues:         make(map[string][]*request),
		agentResources: make(map[string]map[string]struct{}),
		publisher:      events.Discard,
		logger:         logging.Component(nil, "resources"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) publish(evs []events.Event) {
	for _, e := range evs {
		m.publisher.Publish(e)
	}
}

// resourceLocked returns the resource, registering it on first use.
// Caller must hold m.mu.
func (m *Manager) resourceLocked(id string) *Resource {
	r, ok := m.resources[id]
	if !ok {
		r = &Resource{ID: id}
		m.resources[id] = r
	}
	return r
}

// grantLocked hands r to agentID. Caller must hold m.mu.
func (m *Manager) grantLocked(r *Resource, agentID string, now time.Time) {
	r.Locked = true
	r.LockedBy = agentID
	r.LockedAt = now
	if m.agentResources[agentID] == nil {
		m.agentResources[agentID] = make(map[string]struct{})
	}
	m.agentResources[agentID][r.ID] = struct{}{}
	m.stats.Acquired++
}

// Acquire blocks until agentID holds resourceID, the acquire timeout
// elapses, ctx is done, or the request is evicted. Acquiring a resource the
// agent already holds returns immediately.
func (m *Manager) Acquire(ctx context.Context, resourceID, agentID string, priority int) error {
	if resourceID == "" || agentID == "" {
		return errors.NewResourceLockError(resourceID, agentID, errors.New("resource and agent ids are required"))
	}

	m.mu.Lock()
	now := m.now()
	r := m.resourceLocked(resourceID)
	if !r.Locked {
		m.grantLocked(r, agentID, now)
		m.mu.Unlock()
		m.publisher.Publish(events.ResourceAcquiredEvent{ResourceID: resourceID, AgentID: agentID, Timestamp: now})
		return nil
	}
	if r.LockedBy == agentID {
		m.mu.Unlock()
		return nil
	}

	m.seq++
	req := &request{
		LockRequest: LockRequest{ResourceID: resourceID, AgentID: agentID, Priority: priority, RequestedAt: now},
		seq:         m.seq,
		done:        make(chan struct{}),
	}
	m.enqueueLocked(req)
	holder := r.LockedBy
	m.mu.Unlock()

	m.publisher.Publish(events.ResourceWaitingEvent{
		ResourceID: resourceID, AgentID: agentID, Holder: holder, Priority: priority, Timestamp: now,
	})
	m.logger.Debug("waiting for resource", "resource_id", resourceID, "agent_id", agentID, "holder", holder, "priority", priority)

	timer := time.NewTimer(m.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-req.done:
		if req.err != nil {
			return errors.NewResourceLockError(resourceID, agentID, req.err)
		}
		return nil
	case <-timer.C:
		return m.abandon(req, errors.ErrLockTimeout)
	case <-ctx.Done():
		return m.abandon(req, ctx.Err())
	}
}

// enqueueLocked inserts req keeping the queue ordered by priority desc,
// request time asc, arrival asc. Caller must hold m.mu.
func (m *Manager) enqueueLocked(req *request) {
	q := m.queues[req.ResourceID]
	i := sort.Search(len(q), func(i int) bool { return before(req, q[i]) })
	q = append(q, nil)
	copy(q[i+1:], q[i:])
	q[i] = req
	m.queues[req.ResourceID] = q
}

func before(a, b *request) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.RequestedAt.Equal(b.RequestedAt) {
		return a.RequestedAt.Before(b.RequestedAt)
	}
	return a.seq < b.seq
}

// removeRequestLocked drops req from its queue, reporting whether it was
// still queued. Caller must hold m.mu.
func (m *Manager) removeRequestLocked(req *request) bool {
	q := m.queues[req.ResourceID]
	for i, r := range q {
		if r == req {
			q = append(q[:i], q[i+1:]...)
			if len(q) == 0 {
				delete(m.queues, req.ResourceID)
			} else {
				m.queues[req.ResourceID] = q
			}
			return true
		}
	}
	return false
}

// abandon withdraws a request whose waiter gave up. A grant that raced the
// give-up wins.
func (m *Manager) abandon(req *request, cause error) error {
	m.mu.Lock()
	select {
	case <-req.done:
		m.mu.Unlock()
		if req.err != nil {
			return errors.NewResourceLockError(req.ResourceID, req.AgentID, req.err)
		}
		return nil
	default:
	}
	m.removeRequestLocked(req)
	req.err = cause
	close(req.done)
	now := m.now()
	if errors.Is(cause, errors.ErrLockTimeout) {
		m.stats.Timeouts++
	}
	m.mu.Unlock()

	if errors.Is(cause, errors.ErrLockTimeout) {
		m.publisher.Publish(events.ResourceTimeoutEvent{
			ResourceID: req.ResourceID, AgentID: req.AgentID, Waited: now.Sub(req.RequestedAt), Timestamp: now,
		})
		m.logger.Warn("resource acquire timed out", "resource_id", req.ResourceID, "agent_id", req.AgentID, "timeout", m.cfg.Timeout)
	}
	return errors.NewResourceLockError(req.ResourceID, req.AgentID, cause)
}

// Release frees resourceID if agentID holds it and grants it to the next
// waiter. Releasing a lock the agent does not hold logs a warning.
func (m *Manager) Release(resourceID, agentID string) {
	m.mu.Lock()
	r, ok := m.resources[resourceID]
	if !ok || !r.Locked || r.LockedBy != agentID {
		holder := ""
		if ok {
			holder = r.LockedBy
		}
		m.mu.Unlock()
		m.logger.Warn("release of resource not held", "resource_id", resourceID, "agent_id", agentID, "holder", holder)
		return
	}
	evs := m.releaseLocked(r, false, m.now())
	m.mu.Unlock()

	m.publish(evs)
}

// releaseLocked unlocks r and promotes the queue head. Caller must hold m.mu.
func (m *Manager) releaseLocked(r *Resource, forced bool, now time.Time) []events.Event {
	prev := r.LockedBy
	if set := m.agentResources[prev]; set != nil {
		delete(set, r.ID)
		if len(set) == 0 {
			delete(m.agentResources, prev)
		}
	}
	r.Locked = false
	r.LockedBy = ""
	r.LockedAt = time.Time{}
	m.stats.Released++
	if forced {
		m.stats.ForcedReleases++
	}

	evs := []events.Event{events.ResourceReleasedEvent{ResourceID: r.ID, AgentID: prev, Forced: forced, Timestamp: now}}

	q := m.queues[r.ID]
	if len(q) == 0 {
		return evs
	}
	head := q[0]
	if len(q) == 1 {
		delete(m.queues, r.ID)
	} else {
		m.queues[r.ID] = q[1:]
	}
	m.grantLocked(r, head.AgentID, now)
	waited := now.Sub(head.RequestedAt)
	m.stats.TotalWait += waited
	close(head.done)

	return append(evs, events.ResourceAcquiredEvent{ResourceID: r.ID, AgentID: head.AgentID, Waited: waited, Timestamp: now})
}

// ReleaseAllForAgent releases every resource agentID holds and evicts its
// queued requests. It returns the released resource ids.
func (m *Manager) ReleaseAllForAgent(agentID string) []string {
	m.mu.Lock()
	now := m.now()
	var evs []events.Event

	var waits []*request
	for _, q := range m.queues {
		for _, req := range q {
			if req.AgentID == agentID {
				waits = append(waits, req)
			}
		}
	}
	for _, req := range waits {
		m.evictLocked(req)
	}

	held := sortedIDs(m.agentResources[agentID])
	for _, resID := range held {
		evs = append(evs, m.releaseLocked(m.resources[resID], true, now)...)
	}
	m.mu.Unlock()

	if len(held) > 0 {
		m.logger.Info("released all resources for agent", "agent_id", agentID, "resources", held)
	}
	m.publish(evs)
	return held
}

// evictLocked removes a queued request and fails its waiter.
// Caller must hold m.mu.
func (m *Manager) evictLocked(req *request) {
	if !m.removeRequestLocked(req) {
		return
	}
	req.err = errors.ErrLockEvicted
	close(req.done)
	m.stats.Evicted++
}

// Sweep evicts queued requests older than the acquire timeout and
// force-releases locks held longer than twice the timeout.
func (m *Manager) Sweep(now time.Time) {
	m.mu.Lock()
	var stale []*request
	for _, q := range m.queues {
		for _, req := range q {
			if now.Sub(req.RequestedAt) > m.cfg.Timeout {
				stale = append(stale, req)
			}
		}
	}
	for _, req := range stale {
		m.evictLocked(req)
		m.logger.Warn("evicted stale lock request", "resource_id", req.ResourceID, "agent_id", req.AgentID, "age", now.Sub(req.RequestedAt))
	}

	var evs []events.Event
	for _, id := range sortedIDs(m.resources) {
		r := m.resources[id]
		if !r.Locked || now.Sub(r.LockedAt) <= 2*m.cfg.Timeout {
			continue
		}
		m.logger.Warn("force-releasing stale lock", "resource_id", id, "agent_id", r.LockedBy, "held_for", now.Sub(r.LockedAt))
		evs = append(evs, m.releaseLocked(r, true, now)...)
	}
	m.mu.Unlock()

	m.publish(evs)
}

// Run sweeps stale requests and locks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

// Holder returns the agent holding resourceID.
func (m *Manager) Holder(resourceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[resourceID]
	if !ok || !r.Locked {
		return "", false
	}
	return r.LockedBy, true
}

// Resource returns a snapshot of resourceID.
func (m *Manager) Resource(resourceID string) (Resource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[resourceID]
	if !ok {
		return Resource{}, false
	}
	return *r, true
}

// AgentResources returns the resources agentID holds, sorted.
func (m *Manager) AgentResources(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedIDs(m.agentResources[agentID])
}

// Queue returns the wait queue of resourceID in grant order.
func (m *Manager) Queue(resourceID string) []LockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[resourceID]
	out := make([]LockRequest, len(q))
	for i, req := range q {
		out[i] = req.LockRequest
	}
	return out
}

// WaitGraph returns one edge per queued request whose resource is held by a
// different agent, sorted by agent then resource.
func (m *Manager) WaitGraph() []Wait {
	m.mu.Lock()
	defer m.mu.Unlock()

	var waits []Wait
	for resID, q := range m.queues {
		r := m.resources[resID]
		if r == nil || !r.Locked {
			continue
		}
		for _, req := range q {
			if req.AgentID != r.LockedBy {
				waits = append(waits, Wait{AgentID: req.AgentID, ResourceID: resID, Holder: r.LockedBy})
			}
		}
	}
	sort.Slice(waits, func(i, j int) bool {
		if waits[i].AgentID != waits[j].AgentID {
			return waits[i].AgentID < waits[j].AgentID
		}
		return waits[i].ResourceID < waits[j].ResourceID
	})
	return waits
}

// Stats returns lock counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Health reports lock and queue sizes.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	h := Health{Resources: len(m.resources), Stats: m.stats}
	for _, r := range m.resources {
		if !r.Locked {
			continue
		}
		h.Locked++
		if now.Sub(r.LockedAt) > m.cfg.Timeout {
			h.Stale++
		}
	}
	for _, q := range m.queues {
		h.Waiting += len(q)
	}
	h.Healthy = h.Stale == 0
	if !h.Healthy {
		h.Error = fmt.Sprintf("%d locks held longer than %s", h.Stale, m.cfg.Timeout)
	}
	return h
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
