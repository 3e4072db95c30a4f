package coordination

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/events"
	"github.com/aristath/coordinator/internal/resource"
	"github.com/aristath/coordinator/internal/scheduler"
)

// Deadlock is one resolved waits-for cycle.
type Deadlock struct {
	Agents    []string // cycle members, in cycle order
	Resources []string // resources the members wait on, sorted
	Victim    string
	Released  []string // resources taken from the victim
	Requeued  []string // victim tasks put back in the queue
}

// DetectDeadlocks finds cycles in the waits-for graph and breaks each by
// preempting one member: its locks are released, its queued requests fail
// with ErrLockEvicted and its in-flight tasks are requeued. The victim is
// the member holding the fewest resources, then the one with the fewest
// completed tasks, then the lowest id. A cycle whose victim holds nothing
// cannot be broken and yields a DeadlockError.
func (m *Manager) DetectDeadlocks() ([]Deadlock, error) {
	sched, err := m.active("detect deadlocks")
	if err != nil {
		return nil, err
	}
	return m.breakCycles(sched, m.resources.WaitGraph())
}

// breakCycles resolves the cycles of a waits-for snapshot. Holdings are
// read live, so a victim may have released everything since the snapshot.
func (m *Manager) breakCycles(sched *scheduler.TaskScheduler, waits []resource.Wait) ([]Deadlock, error) {
	if len(waits) == 0 {
		return nil, nil
	}
	adj := make(map[string][]string)
	waitsOn := make(map[[2]string][]string) // (agent, holder) -> resources
	var roots []string
	for _, w := range waits {
		if _, ok := adj[w.AgentID]; !ok {
			roots = append(roots, w.AgentID)
		}
		key := [2]string{w.AgentID, w.Holder}
		if len(waitsOn[key]) == 0 {
			adj[w.AgentID] = append(adj[w.AgentID], w.Holder)
		}
		waitsOn[key] = append(waitsOn[key], w.ResourceID)
	}
	for id := range adj {
		sort.Strings(adj[id])
	}

	var (
		found     []Deadlock
		errs      []error
		preempted = make(map[string]bool)
	)
	for _, cycle := range scheduler.FindCycles(roots, adj) {
		agents := cycle[:len(cycle)-1]
		if slices.ContainsFunc(agents, func(a string) bool { return preempted[a] }) {
			continue // already broken by an earlier victim
		}
		var resources []string
		for i, a := range agents {
			resources = append(resources, waitsOn[[2]string{a, cycle[i+1]}]...)
		}
		sort.Strings(resources)
		resources = slices.Compact(resources)

		victim := m.pickVictim(sched, agents)
		m.logger.Warn("deadlock detected", "agents", agents, "resources", resources, "victim", victim)
		m.bus.Publish(events.DeadlockDetectedEvent{
			Agents:    slices.Clone(agents),
			Resources: slices.Clone(resources),
			Victim:    victim,
			Timestamp: m.now(),
		})

		if len(m.resources.AgentResources(victim)) == 0 {
			errs = append(errs, errors.NewDeadlockError(agents, resources,
				errors.New("victim "+victim+" holds no resources")))
			continue
		}
		preempted[victim] = true
		// Requeue first: the evicted acquires then belong to superseded
		// attempts and are not counted as failures.
		requeued := sched.RescheduleAgentTasks(victim)
		d := Deadlock{
			Agents:    slices.Clone(agents),
			Resources: resources,
			Victim:    victim,
			Released:  m.resources.ReleaseAllForAgent(victim),
			Requeued:  requeued,
		}
		m.logger.Info("deadlock resolved", "victim", victim, "released", d.Released, "requeued", d.Requeued)
		found = append(found, d)
	}
	return found, errors.Join(errs...)
}

func (m *Manager) pickVictim(sched *scheduler.TaskScheduler, agents []string) string {
	type candidate struct {
		id        string
		held      int
		completed int
	}
	cs := make([]candidate, 0, len(agents))
	for _, a := range agents {
		cs = append(cs, candidate{id: a, held: len(m.resources.AgentResources(a)), completed: sched.CompletedByAgent(a)})
	}
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].held != cs[j].held {
			return cs[i].held < cs[j].held
		}
		if cs[i].completed != cs[j].completed {
			return cs[i].completed < cs[j].completed
		}
		return cs[i].id < cs[j].id
	})
	return cs[0].id
}

func (m *Manager) deadlockLoop(ctx context.Context) {
	interval := m.cfg.Deadlock.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.DetectDeadlocks(); err != nil && !errors.Is(err, errors.ErrShutdown) {
				m.logger.Error("deadlock resolution failed", "error", err)
			}
		}
	}
}
