package events

import (
	"strings"
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants. An event's topic is the prefix of its type before ':'.
const (
	TopicTask         = "task"
	TopicAgent        = "agent"
	TopicResource     = "resource"
	TopicDeadlock     = "deadlock"
	TopicConflict     = "conflict"
	TopicWorkStealing = "workstealing"
	TopicMessage      = "message"
)

// Event type constants
const (
	EventTypeTaskCreated   = "task:created"
	EventTypeTaskStarted   = "task:started"
	EventTypeTaskCompleted = "task:completed"
	EventTypeTaskFailed    = "task:failed"
	EventTypeTaskRetry     = "task:retry"
	EventTypeTaskCancelled = "task:cancelled"

	EventTypeAgentSpawned    = "agent:spawned"
	EventTypeAgentTerminated = "agent:terminated"

	EventTypeResourceAcquired = "resource:acquired"
	EventTypeResourceReleased = "resource:released"
	EventTypeResourceWaiting  = "resource:waiting"
	EventTypeResourceTimeout  = "resource:timeout"

	EventTypeDeadlockDetected = "deadlock:detected"

	EventTypeConflictReported = "conflict:reported"
	EventTypeConflictResolved = "conflict:resolved"

	EventTypeStealRequest   = "workstealing:request"
	EventTypeStealCompleted = "workstealing:completed"

	EventTypeMessageSent = "message:sent"
)

// TopicOf returns the topic an event is published on.
func TopicOf(e Event) string {
	t := e.EventType()
	if i := strings.IndexByte(t, ':'); i > 0 {
		return t[:i]
	}
	return t
}

// TaskCreatedEvent is published when a task enters the scheduler, and again
// when it is requeued after preemption.
type TaskCreatedEvent struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Priority     int       `json:"priority"`
	AgentID      string    `json:"agent_id"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Requeued     bool      `json:"requeued,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e TaskCreatedEvent) EventType() string { return EventTypeTaskCreated }
func (e TaskCreatedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a task transitions to running.
type TaskStartedEvent struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	Result    any           `json:"result,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published on every failed attempt. Terminal is set
// once retries are exhausted.
type TaskFailedEvent struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	Err       error         `json:"-"`
	Attempts  int           `json:"attempts"`
	Terminal  bool          `json:"terminal"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }
func (e TaskFailedEvent) Failure() error    { return e.Err }

// TaskRetryEvent is published when a failed task is scheduled for retry.
type TaskRetryEvent struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskRetryEvent) EventType() string { return EventTypeTaskRetry }
func (e TaskRetryEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task is cancelled directly or by
// cascade from a failed dependency.
type TaskCancelledEvent struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// AgentSpawnedEvent announces a new worker agent.
type AgentSpawnedEvent struct {
	AgentID      string    `json:"agent_id"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e AgentSpawnedEvent) EventType() string { return EventTypeAgentSpawned }
func (e AgentSpawnedEvent) TaskID() string    { return "" }

// AgentTerminatedEvent announces that an agent is gone; its locks are
// released and its tasks cancelled.
type AgentTerminatedEvent struct {
	AgentID   string    `json:"agent_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e AgentTerminatedEvent) EventType() string { return EventTypeAgentTerminated }
func (e AgentTerminatedEvent) TaskID() string    { return "" }

// ResourceAcquiredEvent is published when an agent is granted a lock.
type ResourceAcquiredEvent struct {
	ResourceID string        `json:"resource_id"`
	AgentID    string        `json:"agent_id"`
	Waited     time.Duration `json:"waited"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (e ResourceAcquiredEvent) EventType() string { return EventTypeResourceAcquired }
func (e ResourceAcquiredEvent) TaskID() string    { return "" }

// ResourceReleasedEvent is published when a lock is released. Forced marks
// stale-lock recovery and deadlock preemption.
type ResourceReleasedEvent struct {
	ResourceID string    `json:"resource_id"`
	AgentID    string    `json:"agent_id"`
	Forced     bool      `json:"forced,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e ResourceReleasedEvent) EventType() string { return EventTypeResourceReleased }
func (e ResourceReleasedEvent) TaskID() string    { return "" }

// ResourceWaitingEvent is published when an acquire request is queued.
type ResourceWaitingEvent struct {
	ResourceID string    `json:"resource_id"`
	AgentID    string    `json:"agent_id"`
	Holder     string    `json:"holder"`
	Priority   int       `json:"priority"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e ResourceWaitingEvent) EventType() string { return EventTypeResourceWaiting }
func (e ResourceWaitingEvent) TaskID() string    { return "" }

// ResourceTimeoutEvent is published when a queued request gives up.
type ResourceTimeoutEvent struct {
	ResourceID string        `json:"resource_id"`
	AgentID    string        `json:"agent_id"`
	Waited     time.Duration `json:"waited"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (e ResourceTimeoutEvent) EventType() string { return EventTypeResourceTimeout }
func (e ResourceTimeoutEvent) TaskID() string    { return "" }

// DeadlockDetectedEvent carries the agents of a waits-for cycle, the
// resources they wait on and the agent chosen for preemption.
type DeadlockDetectedEvent struct {
	Agents    []string  `json:"agents"`
	Resources []string  `json:"resources"`
	Victim    string    `json:"victim"`
	Timestamp time.Time `json:"timestamp"`
}

func (e DeadlockDetectedEvent) EventType() string { return EventTypeDeadlockDetected }
func (e DeadlockDetectedEvent) TaskID() string    { return "" }

// ConflictReportedEvent is published for every new conflict record.
type ConflictReportedEvent struct {
	ConflictID string    `json:"conflict_id"`
	Kind       string    `json:"kind"`
	Subject    string    `json:"subject"`
	Agents     []string  `json:"agents"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e ConflictReportedEvent) EventType() string { return EventTypeConflictReported }
func (e ConflictReportedEvent) TaskID() string {
	if e.Kind == "task" {
		return e.Subject
	}
	return ""
}

// ConflictResolvedEvent is published once a strategy picks a winner.
type ConflictResolvedEvent struct {
	ConflictID string    `json:"conflict_id"`
	Kind       string    `json:"kind"`
	Subject    string    `json:"subject"`
	Strategy   string    `json:"strategy"`
	Winner     string    `json:"winner"`
	Losers     []string  `json:"losers"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e ConflictResolvedEvent) EventType() string { return EventTypeConflictResolved }
func (e ConflictResolvedEvent) TaskID() string {
	if e.Kind == "task" {
		return e.Subject
	}
	return ""
}

// StealRequestEvent asks the owner of the task queues to move Count tasks
// from Source to Target.
type StealRequestEvent struct {
	OperationID string    `json:"operation_id"`
	Source      string    `json:"source"`
	Target      string    `json:"target"`
	Count       int       `json:"count"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e StealRequestEvent) EventType() string { return EventTypeStealRequest }
func (e StealRequestEvent) TaskID() string    { return "" }

// StealCompletedEvent reports the outcome of a steal operation.
type StealCompletedEvent struct {
	OperationID string    `json:"operation_id"`
	Source      string    `json:"source"`
	Target      string    `json:"target"`
	TaskIDs     []string  `json:"task_ids"`
	Success     bool      `json:"success"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e StealCompletedEvent) EventType() string { return EventTypeStealCompleted }
func (e StealCompletedEvent) TaskID() string    { return "" }

// MessageSentEvent is published for every routed message.
type MessageSentEvent struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

func (e MessageSentEvent) EventType() string { return EventTypeMessageSent }
func (e MessageSentEvent) TaskID() string    { return "" }
