package coordination

import (
	"context"
	"time"

	"github.com/aristath/coordinator/internal/balance"
	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/events"
	"github.com/aristath/coordinator/internal/persistence"
	"github.com/aristath/coordinator/internal/scheduler"
)

// loop consumes a queued bus subscription until ctx is done, then
// unsubscribes and handles the backlog.
func (m *Manager) loop(ctx context.Context, sub <-chan events.Event, unsubscribe func()) {
	// Journal writes outlive shutdown so the drained tail is recorded.
	jctx := context.WithoutCancel(ctx)
	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			m.handle(jctx, e)
		case <-ctx.Done():
			unsubscribe()
			for e := range sub {
				m.handle(jctx, e)
			}
			return
		}
	}
}

func (m *Manager) handle(ctx context.Context, e events.Event) {
	m.metrics.Observe(e)

	switch ev := e.(type) {
	case events.TaskCreatedEvent:
		if ev.Requeued {
			m.journalStatus(ctx, ev.ID, ev.AgentID, e.EventType(), scheduler.StatusQueued, "", nil, "requeued")
		} else if m.store != nil {
			if t, ok := m.Scheduler().Task(ev.ID); ok {
				t.Status = scheduler.StatusPending
				if err := m.store.SaveTask(ctx, t); err != nil {
					m.logger.Error("journal task failed", "task_id", ev.ID, "error", err)
				}
			}
			m.appendEvent(ctx, ev.ID, ev.AgentID, e.EventType(), "")
		}
		m.refreshLoad(ev.AgentID)

	case events.TaskStartedEvent:
		m.journalStatus(ctx, ev.ID, ev.AgentID, e.EventType(), scheduler.StatusRunning, "", nil, "")
		m.refreshLoad(ev.AgentID)

	case events.TaskCompletedEvent:
		m.journalStatus(ctx, ev.ID, ev.AgentID, e.EventType(), scheduler.StatusCompleted,
			persistence.ResultString(ev.Result), nil, "")
		m.recordCompletion(ev.AgentID, ev.Duration)
		m.recordOutcome(ev.ID, ev.AgentID, true)
		m.refreshLoad(ev.AgentID)

	case events.TaskFailedEvent:
		status := scheduler.StatusQueued
		if ev.Terminal {
			status = scheduler.StatusFailed
			m.recordOutcome(ev.ID, ev.AgentID, false)
		}
		detail := ""
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		m.journalStatus(ctx, ev.ID, ev.AgentID, e.EventType(), status, "", ev.Err, detail)
		m.refreshLoad(ev.AgentID)

	case events.TaskCancelledEvent:
		m.journalStatus(ctx, ev.ID, ev.AgentID, e.EventType(), scheduler.StatusCancelled, "", nil, ev.Reason)
		m.refreshLoad(ev.AgentID)

	case events.StealCompletedEvent:
		m.refreshLoad(ev.Source)
		m.refreshLoad(ev.Target)

	case events.ConflictReportedEvent:
		m.journalConflict(ctx, ev.ConflictID)
	case events.ConflictResolvedEvent:
		m.journalConflict(ctx, ev.ConflictID)
	}
}

// journalStatus records a task transition. A task the journal never saw,
// e.g. one created before the store was attached, is saved whole.
func (m *Manager) journalStatus(ctx context.Context, taskID, agentID, eventType string, status scheduler.TaskStatus, result string, taskErr error, detail string) {
	if m.store == nil {
		return
	}
	err := m.store.UpdateTaskStatus(ctx, taskID, status, result, taskErr)
	if errors.Is(err, errors.ErrTaskNotFound) {
		if t, ok := m.Scheduler().Task(taskID); ok {
			t.Status = status
			err = m.store.SaveTask(ctx, t)
		}
	}
	if err != nil {
		m.logger.Error("journal status failed", "task_id", taskID, "status", status, "error", err)
	}
	m.appendEvent(ctx, taskID, agentID, eventType, detail)
}

func (m *Manager) appendEvent(ctx context.Context, taskID, agentID, eventType, detail string) {
	err := m.store.AppendEvent(ctx, persistence.TaskEvent{
		TaskID:    taskID,
		Event:     eventType,
		AgentID:   agentID,
		Detail:    detail,
		Timestamp: m.now(),
	})
	if err != nil {
		m.logger.Error("journal event failed", "task_id", taskID, "event", eventType, "error", err)
	}
}

func (m *Manager) journalConflict(ctx context.Context, id string) {
	if m.store == nil {
		return
	}
	c, ok := m.conflicts.Conflict(id)
	if !ok {
		return
	}
	if err := m.store.RecordConflict(ctx, c); err != nil {
		m.logger.Error("journal conflict failed", "conflict_id", id, "error", err)
	}
}

func (m *Manager) recordCompletion(agentID string, d time.Duration) {
	m.agentsMu.Lock()
	defer m.agentsMu.Unlock()
	if info, ok := m.agents[agentID]; ok {
		info.completed++
		info.busy += d
	}
}

func (m *Manager) recordOutcome(taskID, agentID string, success bool) {
	if agentID == "" {
		return
	}
	taskType := ""
	if t, ok := m.Scheduler().Task(taskID); ok {
		taskType = t.Type
	}
	m.balancer.RecordOutcome(agentID, taskType, success)
}

// refreshLoad pushes the scheduler's view of a registered agent to the
// balancer and the work stealer.
func (m *Manager) refreshLoad(agentID string) {
	if agentID == "" {
		return
	}
	m.agentsMu.Lock()
	info, ok := m.agents[agentID]
	if !ok {
		m.agentsMu.Unlock()
		return
	}
	caps := append([]string(nil), info.capabilities...)
	var avg time.Duration
	if info.completed > 0 {
		avg = info.busy / time.Duration(info.completed)
	}
	m.agentsMu.Unlock()

	tasks := m.Scheduler().AgentTasks(agentID)
	queued := 0
	for _, t := range tasks {
		if t.Status == scheduler.StatusPending || t.Status == scheduler.StatusQueued {
			queued++
		}
	}
	var throughput float64
	if avg > 0 {
		throughput = 1 / avg.Seconds()
	}
	m.balancer.UpdateLoad(balance.AgentLoad{
		AgentID:         agentID,
		QueueDepth:      queued,
		TaskCount:       len(tasks),
		AvgResponseTime: avg,
		Throughput:      throughput,
		Capabilities:    caps,
	})
}

// cleanupAgent releases everything a terminated agent held. It runs before
// the termination is published, so it never depends on event delivery.
func (m *Manager) cleanupAgent(agentID, reason string) {
	released := m.resources.ReleaseAllForAgent(agentID)
	if reason == "" {
		reason = "agent " + agentID + " terminated"
	}
	cancelled := m.Scheduler().CancelAgentTasks(agentID, reason)
	m.router.RemoveAgent(agentID)
	m.balancer.RemoveAgent(agentID)

	m.agentsMu.Lock()
	delete(m.agents, agentID)
	m.agentsMu.Unlock()

	m.logger.Info("agent cleaned up", "agent_id", agentID, "released", released, "cancelled", cancelled)
}
