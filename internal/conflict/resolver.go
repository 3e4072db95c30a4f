// Package conflict records contention between agents and settles it with
// pluggable strategies. It also provides version-stamped optimistic locks.
package conflict

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/events"
	"github.com/aristath/coordinator/internal/logging"
)

// Kind is what the agents contended for.
type Kind string

const (
	KindResource Kind = "resource"
	KindTask     Kind = "task"
)

// Conflict is one contention report. Subject is the resource or task id.
type Conflict struct {
	ID         string
	Kind       Kind
	Subject    string
	Agents     []string
	Timestamp  time.Time
	Resolved   bool
	Resolution *Resolution
}

// Resolution is a strategy's verdict.
type Resolution struct {
	ConflictID string
	Strategy   string
	Winner     string
	Losers     []string
	Reason     string
	Timestamp  time.Time
}

// Stats summarizes conflict history. Totals survive sweeps.
type Stats struct {
	Reported   int
	Resolved   int
	Active     int
	Retained   int
	ByKind     map[Kind]int
	ByStrategy map[string]int
	ByWinner   map[string]int
}

// ContextProvider supplies real priorities, timestamps or votes for
// AutoResolve. Entries it leaves empty are synthesized.
type ContextProvider func(Conflict) Context

// Config configures a Resolver.
type Config struct {
	DefaultStrategy string        // Strategy used when none is named (default "priority")
	TTL             time.Duration // Age after which resolved conflicts are swept (default 1h)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logging.Component(l, "conflict") }
}

// WithPublisher sets where conflict events are published.
func WithPublisher(p events.Publisher) Option {
	return func(r *Resolver) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithContextProvider sets the source of real facts for AutoResolve.
func WithContextProvider(p ContextProvider) Option {
	return func(r *Resolver) { r.provider = p }
}

// Resolver keeps conflict records and applies strategies to them.
type Resolver struct {
	mu         sync.Mutex
	cfg        Config
	strategies map[string]Strategy
	conflicts  map[string]*Conflict
	history    []Resolution

	reported   int
	resolved   int
	byKind     map[Kind]int
	byStrategy map[string]int
	byWinner   map[string]int

	provider  ContextProvider
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewResolver creates a Resolver with the built-in strategies registered.
func NewResolver(cfg Config, opts ...Option) *Resolver {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyPriority
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	r := &Resolver{
		cfg:        cfg,
		strategies: make(map[string]Strategy),
		conflicts:  make(map[string]*Conflict),
		byKind:     make(map[Kind]int),
		byStrategy: make(map[string]int),
		byWinner:   make(map[string]int),
		publisher:  events.Discard,
		logger:     logging.Component(nil, "conflict"),
		now:        time.Now,
	}
	for _, s := range []Strategy{PriorityStrategy{}, TimestampStrategy{}, VoteStrategy{}} {
		r.strategies[s.Name()] = s
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterStrategy adds or replaces a strategy.
func (r *Resolver) RegisterStrategy(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Strategies returns the registered strategy names, sorted.
func (r *Resolver) Strategies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReportResourceConflict records agents contending for a resource.
func (r *Resolver) ReportResourceConflict(resourceID string, agents []string) Conflict {
	return r.report(KindResource, resourceID, agents)
}

// ReportTaskConflict records agents contending for a task.
func (r *Resolver) ReportTaskConflict(taskID string, agents []string) Conflict {
	return r.report(KindTask, taskID, agents)
}

func (r *Resolver) report(kind Kind, subject string, agents []string) Conflict {
	c := &Conflict{
		ID:        uuid.NewString(),
		Kind:      kind,
		Subject:   subject,
		Agents:    dedupe(agents),
		Timestamp: r.now(),
	}

	r.mu.Lock()
	r.conflicts[c.ID] = c
	r.reported++
	r.byKind[kind]++
	snapshot := c.clone()
	r.mu.Unlock()

	r.logger.Info("conflict reported", "conflict_id", c.ID, "kind", kind, "subject", subject, "agents", c.Agents)
	r.publisher.Publish(events.ConflictReportedEvent{
		ConflictID: c.ID, Kind: string(kind), Subject: subject, Agents: snapshot.Agents, Timestamp: c.Timestamp,
	})
	return snapshot
}

// ResolveConflict applies the named strategy ("" is the default) with the
// given context. It fails for unknown ids, already resolved conflicts and
// unknown strategies.
func (r *Resolver) ResolveConflict(id, strategy string, ctx Context) (Resolution, error) {
	r.mu.Lock()
	c, s, err := r.lookupLocked(id, strategy)
	if err != nil {
		r.mu.Unlock()
		return Resolution{}, err
	}
	pending := c.clone()
	r.mu.Unlock()

	res, err := s.Resolve(pending, ctx)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve conflict %s: %w", id, err)
	}
	return r.commit(id, res)
}

// AutoResolve applies the named strategy with a context from the
// configured provider, synthesizing missing facts: equal priorities,
// timestamps in reporting order and one vote per agent.
func (r *Resolver) AutoResolve(id, strategy string) (Resolution, error) {
	r.mu.Lock()
	c, _, err := r.lookupLocked(id, strategy)
	if err != nil {
		r.mu.Unlock()
		return Resolution{}, err
	}
	pending := c.clone()
	provider := r.provider
	r.mu.Unlock()

	var ctx Context
	if provider != nil {
		ctx = provider(pending)
	}
	return r.ResolveConflict(id, strategy, synthesize(pending, ctx))
}

func (r *Resolver) lookupLocked(id, strategy string) (*Conflict, Strategy, error) {
	c, ok := r.conflicts[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", errors.ErrConflictNotFound, id)
	}
	if c.Resolved {
		return nil, nil, fmt.Errorf("%w: %s", errors.ErrConflictResolved, id)
	}
	if strategy == "" {
		strategy = r.cfg.DefaultStrategy
	}
	s, ok := r.strategies[strategy]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", errors.ErrUnknownStrategy, strategy)
	}
	return c, s, nil
}

// commit records res unless another caller resolved the conflict first.
func (r *Resolver) commit(id string, res Resolution) (Resolution, error) {
	r.mu.Lock()
	c, ok := r.conflicts[id]
	if !ok {
		r.mu.Unlock()
		return Resolution{}, fmt.Errorf("%w: %s", errors.ErrConflictNotFound, id)
	}
	if c.Resolved {
		r.mu.Unlock()
		return Resolution{}, fmt.Errorf("%w: %s", errors.ErrConflictResolved, id)
	}
	res.ConflictID = id
	res.Timestamp = r.now()
	c.Resolved = true
	c.Resolution = &res
	r.history = append(r.history, res)
	r.resolved++
	r.byStrategy[res.Strategy]++
	r.byWinner[res.Winner]++
	kind, subject := c.Kind, c.Subject
	r.mu.Unlock()

	r.logger.Info("conflict resolved", "conflict_id", id, "strategy", res.Strategy, "winner", res.Winner, "reason", res.Reason)
	r.publisher.Publish(events.ConflictResolvedEvent{
		ConflictID: id, Kind: string(kind), Subject: subject, Strategy: res.Strategy,
		Winner: res.Winner, Losers: res.Losers, Timestamp: res.Timestamp,
	})
	return res, nil
}

// Conflict returns a copy of the record with the given id.
func (r *Resolver) Conflict(id string) (Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return Conflict{}, false
	}
	return c.clone(), true
}

// Conflicts returns retained records ordered by report time. With active
// set, only unresolved ones.
func (r *Resolver) Conflicts(active bool) []Conflict {
	r.mu.Lock()
	out := make([]Conflict, 0, len(r.conflicts))
	for _, c := range r.conflicts {
		if active && c.Resolved {
			continue
		}
		out = append(out, c.clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History returns retained resolutions in the order they were made.
func (r *Resolver) History() []Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Resolution(nil), r.history...)
}

// Sweep drops resolved conflicts and resolutions older than maxAge
// (the configured TTL when maxAge <= 0). Unresolved conflicts are kept.
func (r *Resolver) Sweep(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = r.cfg.TTL
	}
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	removed := 0
	for id, c := range r.conflicts {
		if c.Resolved && c.Resolution.Timestamp.Before(cutoff) {
			delete(r.conflicts, id)
			removed++
		}
	}
	kept := r.history[:0]
	for _, res := range r.history {
		if !res.Timestamp.Before(cutoff) {
			kept = append(kept, res)
		}
	}
	r.history = kept
	r.mu.Unlock()

	if removed > 0 {
		r.logger.Debug("swept resolved conflicts", "count", removed)
	}
	return removed
}

// Stats returns conflict counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Reported:   r.reported,
		Resolved:   r.resolved,
		Retained:   len(r.conflicts),
		ByKind:     make(map[Kind]int, len(r.byKind)),
		ByStrategy: make(map[string]int, len(r.byStrategy)),
		ByWinner:   make(map[string]int, len(r.byWinner)),
	}
	for _, c := range r.conflicts {
		if !c.Resolved {
			s.Active++
		}
	}
	for k, v := range r.byKind {
		s.ByKind[k] = v
	}
	for k, v := range r.byStrategy {
		s.ByStrategy[k] = v
	}
	for k, v := range r.byWinner {
		s.ByWinner[k] = v
	}
	return s
}

func (c *Conflict) clone() Conflict {
	out := *c
	out.Agents = append([]string(nil), c.Agents...)
	if c.Resolution != nil {
		res := *c.Resolution
		res.Losers = append([]string(nil), c.Resolution.Losers...)
		out.Resolution = &res
	}
	return out
}

func synthesize(c Conflict, ctx Context) Context {
	out := Context{
		Priorities: make(map[string]int, len(c.Agents)),
		Timestamps: make(map[string]time.Time, len(c.Agents)),
		Votes:      make(map[string]int, len(c.Agents)),
	}
	for i, a := range c.Agents {
		if p, ok := ctx.Priorities[a]; ok {
			out.Priorities[a] = p
		}
		if ts, ok := ctx.Timestamps[a]; ok {
			out.Timestamps[a] = ts
		} else {
			out.Timestamps[a] = c.Timestamp.Add(time.Duration(i) * time.Millisecond)
		}
		if v, ok := ctx.Votes[a]; ok {
			out.Votes[a] = v
		} else {
			out.Votes[a] = 1
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
