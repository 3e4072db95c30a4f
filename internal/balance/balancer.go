package balance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/logging"
)

// Selection strategies.
const (
	StrategyLoad        = "load"
	StrategyPerformance = "performance"
	StrategyCapability  = "capability"
	StrategyAffinity    = "affinity"
	StrategyCost        = "cost"
	StrategyHybrid      = "hybrid"
)

// AgentLoad is the balancer's view of one agent. Utilization, Efficiency
// and AffinityScore are derived on every update.
type AgentLoad struct {
	AgentID         string
	QueueDepth      int
	CPUUsage        float64 // 0..1
	MemoryUsage     float64 // 0..1
	TaskCount       int
	AvgResponseTime time.Duration
	Throughput      float64 // tasks per second
	Capacity        int     // tasks the agent can hold; 0 means 10
	CostPerTask     float64
	Capabilities    []string

	Utilization   float64
	Efficiency    float64
	AffinityScore float64
	UpdatedAt     time.Time
}

// Request describes the task being placed.
type Request struct {
	TaskID       string
	TaskType     string
	Capabilities []string
	Priority     int
}

// Constraints narrow the candidate set. Patterns are doublestar globs
// matched against agent ids.
type Constraints struct {
	Exclude              []string
	Prefer               []string
	MaxLoad              float64 // utilization ceiling; 0 disables
	RequiredCapabilities []string
}

// Decision is the outcome of SelectAgent.
type Decision struct {
	AgentID    string
	Strategy   string
	Score      float64
	Confidence float64
	Scores     map[string]float64 // every eligible agent's score
	Reason     string
}

// HybridWeights weights the component scores of the hybrid strategy.
type HybridWeights struct {
	Load        float64
	Performance float64
	Capability  float64
	Affinity    float64
}

// BalancerConfig configures a Balancer.
type BalancerConfig struct {
	Strategy           string // default "hybrid"
	Weights            HybridWeights
	Predictive         bool          // blend predicted utilization into scores
	HistorySize        int           // utilization samples per agent (default 20)
	OverloadThreshold  float64       // utilization above which an agent is overloaded (default 0.8)
	UnderloadThreshold float64       // utilization below which an agent can take work (default 0.5)
	DeepQueue          int           // queue depth that marks an overloaded agent (default 5)
	RebalanceInterval  time.Duration // default 30s
}

// DefaultBalancerConfig returns the default load-balancer configuration.
func DefaultBalancerConfig() BalancerConfig {
	return BalancerConfig{
		Strategy:           StrategyHybrid,
		Weights:            HybridWeights{Load: 0.4, Performance: 0.3, Capability: 0.2, Affinity: 0.1},
		Predictive:         true,
		HistorySize:        20,
		OverloadThreshold:  0.8,
		UnderloadThreshold: 0.5,
		DeepQueue:          5,
		RebalanceInterval:  30 * time.Second,
	}
}

type outcomes struct {
	succeeded int
	failed    int
	byType    map[string]int
	total     int
}

// Balancer selects agents for tasks and rebalances queues through a
// work-stealing Coordinator.
type Balancer struct {
	mu       sync.Mutex
	cfg      BalancerConfig
	loads    map[string]*AgentLoad
	outcomes map[string]*outcomes

	stealer   *Coordinator
	predictor *Predictor
	logger    *slog.Logger
	now       func() time.Time
}

// NewBalancer creates a Balancer on top of stealer. A nil stealer gets a
// default Coordinator.
func NewBalancer(cfg BalancerConfig, stealer *Coordinator, logger *slog.Logger) *Balancer {
	d := DefaultBalancerConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = d.Strategy
	}
	if cfg.Weights == (HybridWeights{}) {
		cfg.Weights = d.Weights
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = d.HistorySize
	}
	if cfg.OverloadThreshold <= 0 {
		cfg.OverloadThreshold = d.OverloadThreshold
	}
	if cfg.UnderloadThreshold <= 0 {
		cfg.UnderloadThreshold = d.UnderloadThreshold
	}
	if cfg.DeepQueue <= 0 {
		cfg.DeepQueue = d.DeepQueue
	}
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = d.RebalanceInterval
	}
	if stealer == nil {
		stealer = NewCoordinator(DefaultStealConfig(), WithStealLogger(logger))
	}
	return &Balancer{
		cfg:       cfg,
		loads:     make(map[string]*AgentLoad),
		outcomes:  make(map[string]*outcomes),
		stealer:   stealer,
		predictor: NewPredictor(cfg.HistorySize),
		logger:    logging.Component(logger, "balancer"),
		now:       time.Now,
	}
}

// Stealer returns the underlying work-stealing coordinator.
func (b *Balancer) Stealer() *Coordinator { return b.stealer }

// Predictor returns the utilization predictor.
func (b *Balancer) Predictor() *Predictor { return b.predictor }

// UpdateLoad stores a load snapshot, derives utilization and efficiency,
// records a history sample and forwards the workload to the stealer.
func (b *Balancer) UpdateLoad(l AgentLoad) {
	if l.AgentID == "" {
		return
	}
	if l.Capacity <= 0 {
		l.Capacity = 10
	}
	l.Capabilities = append([]string(nil), l.Capabilities...)
	l.UpdatedAt = b.now()
	l.Utilization = utilization(l)

	b.mu.Lock()
	l.Efficiency = b.efficiencyLocked(l.AgentID)
	b.loads[l.AgentID] = &l
	b.mu.Unlock()

	b.predictor.Record(l.AgentID, l.Utilization)
	b.stealer.UpdateWorkload(Workload{
		AgentID:         l.AgentID,
		TaskCount:       l.TaskCount,
		AvgTaskDuration: l.AvgResponseTime,
		CPUUsage:        l.CPUUsage,
		MemoryUsage:     l.MemoryUsage,
		Capabilities:    l.Capabilities,
	})
}

// RemoveAgent forgets an agent in the balancer, predictor and stealer.
func (b *Balancer) RemoveAgent(agentID string) {
	b.mu.Lock()
	delete(b.loads, agentID)
	delete(b.outcomes, agentID)
	b.mu.Unlock()
	b.predictor.Forget(agentID)
	b.stealer.RemoveAgent(agentID)
}

// Load returns the snapshot for agentID.
func (b *Balancer) Load(agentID string) (AgentLoad, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.loads[agentID]
	if !ok {
		return AgentLoad{}, false
	}
	return *l, true
}

// RecordOutcome feeds a finished task into the agent's efficiency and
// per-type affinity.
func (b *Balancer) RecordOutcome(agentID, taskType string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o := b.outcomeLocked(agentID)
	o.total++
	if success {
		o.succeeded++
		if taskType != "" {
			o.byType[taskType]++
		}
	} else {
		o.failed++
	}
	if l, ok := b.loads[agentID]; ok {
		l.Efficiency = b.efficiencyLocked(agentID)
	}
}

func (b *Balancer) outcomeLocked(agentID string) *outcomes {
	o, ok := b.outcomes[agentID]
	if !ok {
		o = &outcomes{byType: make(map[string]int)}
		b.outcomes[agentID] = o
	}
	return o
}

// efficiencyLocked is the success ratio, 1 for agents without history.
func (b *Balancer) efficiencyLocked(agentID string) float64 {
	o, ok := b.outcomes[agentID]
	if !ok || o.total == 0 {
		return 1
	}
	return float64(o.succeeded) / float64(o.total)
}

func (b *Balancer) affinityLocked(agentID, taskType string) float64 {
	o, ok := b.outcomes[agentID]
	if !ok || o.succeeded == 0 || taskType == "" {
		return 0
	}
	return float64(o.byType[taskType]) / float64(o.succeeded)
}

// utilization is the mean of queue fill, CPU, memory and task fill.
func utilization(l AgentLoad) float64 {
	capacity := float64(max(l.Capacity, 1))
	factors := []float64{
		clamp01(float64(l.QueueDepth) / capacity),
		clamp01(l.CPUUsage),
		clamp01(l.MemoryUsage),
		clamp01(float64(l.TaskCount) / capacity),
	}
	sum := 0.0
	for _, f := range factors {
		sum += f
	}
	return sum / float64(len(factors))
}

// SelectAgent picks the best agent for req among candidates (every known
// agent when empty) using strategy ("" is the configured default).
// Candidates without a load snapshot are treated as idle.
func (b *Balancer) SelectAgent(req Request, candidates []string, strategy string, c Constraints) (*Decision, error) {
	if strategy == "" {
		strategy = b.cfg.Strategy
	}
	if !validStrategy(strategy) {
		return nil, fmt.Errorf("%w: %q", errors.ErrUnknownStrategy, strategy)
	}

	b.mu.Lock()
	if len(candidates) == 0 {
		candidates = sortedKeys(b.loads)
	}
	type scored struct {
		id    string
		score float64
	}
	var ranked []scored
	var errs []error
	for _, id := range dedupeIDs(candidates) {
		l, ok := b.loads[id]
		if !ok {
			l = &AgentLoad{AgentID: id, Capacity: 10, Efficiency: 1}
		}
		eligible, err := eligible(id, *l, c)
		if err != nil {
			errs = append(errs, err)
		}
		if !eligible {
			continue
		}
		load := *l
		load.AffinityScore = b.affinityLocked(id, req.TaskType)
		score := b.score(strategy, load, req)
		if b.cfg.Predictive {
			if p, ok := b.predictor.Predict(id, 1); ok {
				score = 0.7*score + 0.3*(1-p)
			}
		}
		if matchesAny(c.Prefer, id) {
			score += 0.1
		}
		ranked = append(ranked, scored{id: id, score: score})
	}
	b.mu.Unlock()

	if len(errs) > 0 {
		b.logger.Warn("invalid constraint pattern", "error", errors.Join(errs...))
	}
	if len(ranked) == 0 {
		return nil, errors.ErrNoAgents
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	d := &Decision{
		AgentID:  ranked[0].id,
		Strategy: strategy,
		Score:    ranked[0].score,
		Scores:   make(map[string]float64, len(ranked)),
	}
	for _, r := range ranked {
		d.Scores[r.id] = r.score
	}
	second := 0.0
	if len(ranked) > 1 {
		second = ranked[1].score
	}
	d.Confidence = math.Min(1, (d.Score-second)+0.5)
	d.Reason = fmt.Sprintf("%s strategy scored %s highest (%.3f) of %d", strategy, d.AgentID, d.Score, len(ranked))
	return d, nil
}

func validStrategy(s string) bool {
	switch s {
	case StrategyLoad, StrategyPerformance, StrategyCapability, StrategyAffinity, StrategyCost, StrategyHybrid:
		return true
	}
	return false
}

func eligible(id string, l AgentLoad, c Constraints) (bool, error) {
	for _, pattern := range c.Exclude {
		ok, err := doublestar.Match(pattern, id)
		if err != nil {
			return false, fmt.Errorf("exclude %q: %w", pattern, err)
		}
		if ok {
			return false, nil
		}
	}
	if c.MaxLoad > 0 && l.Utilization > c.MaxLoad {
		return false, nil
	}
	if len(c.RequiredCapabilities) > 0 && matchCount(l.Capabilities, c.RequiredCapabilities) < len(c.RequiredCapabilities) {
		return false, nil
	}
	return true, nil
}

func matchesAny(patterns []string, id string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, id); err == nil && ok {
			return true
		}
	}
	return false
}

// score returns a value in roughly [0, 1]; higher is better.
func (b *Balancer) score(strategy string, l AgentLoad, req Request) float64 {
	switch strategy {
	case StrategyLoad:
		return 1 - l.Utilization
	case StrategyPerformance:
		return 0.5*l.Efficiency + 0.5/(1+l.AvgResponseTime.Seconds())
	case StrategyCapability:
		if len(req.Capabilities) == 0 {
			return 1
		}
		return float64(matchCount(l.Capabilities, req.Capabilities)) / float64(len(req.Capabilities))
	case StrategyAffinity:
		return l.AffinityScore
	case StrategyCost:
		return 1 / (1 + math.Max(l.CostPerTask, 0))
	}
	w := b.cfg.Weights
	return w.Load*b.score(StrategyLoad, l, req) +
		w.Performance*b.score(StrategyPerformance, l, req) +
		w.Capability*b.score(StrategyCapability, l, req) +
		w.Affinity*b.score(StrategyAffinity, l, req)
}

// Rebalance pairs every overloaded agent (utilization above the overload
// threshold with a deep queue) with the least loaded underloaded agent not
// yet paired, and plans a steal for each pair.
func (b *Balancer) Rebalance() []*StealRequest {
	b.mu.Lock()
	var over, under []AgentLoad
	for _, id := range sortedKeys(b.loads) {
		l := *b.loads[id]
		switch {
		case l.Utilization > b.cfg.OverloadThreshold && l.QueueDepth >= b.cfg.DeepQueue:
			over = append(over, l)
		case l.Utilization < b.cfg.UnderloadThreshold:
			under = append(under, l)
		}
	}
	b.mu.Unlock()

	sort.SliceStable(over, func(i, j int) bool { return over[i].Utilization > over[j].Utilization })
	sort.SliceStable(under, func(i, j int) bool { return under[i].Utilization < under[j].Utilization })

	var reqs []*StealRequest
	for i, src := range over {
		if i >= len(under) {
			break
		}
		dst := under[i]
		count := max(1, (src.QueueDepth-dst.QueueDepth)/2)
		req, err := b.stealer.RequestSteal(src.AgentID, dst.AgentID, count)
		if err != nil {
			b.logger.Warn("rebalance steal rejected", "source", src.AgentID, "target", dst.AgentID, "error", err)
			continue
		}
		reqs = append(reqs, req)
	}
	if len(reqs) > 0 {
		b.logger.Info("rebalance planned", "steals", len(reqs))
	}
	return reqs
}

// Run rebalances every RebalanceInterval and executes the planned steals
// through mover when it is not nil.
func (b *Balancer) Run(ctx context.Context, mover TaskMover) {
	ticker := time.NewTicker(b.cfg.RebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, req := range b.Rebalance() {
				if mover == nil {
					continue
				}
				if _, err := b.stealer.Execute(req, mover); err != nil {
					b.logger.Debug("rebalance steal failed", "error", err)
				}
			}
		}
	}
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
