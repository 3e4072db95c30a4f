package scheduler

import (
	"maps"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"   // Waiting for dependencies
	StatusQueued    TaskStatus = "queued"    // Waiting for a retry or a requeue delay
	StatusAssigned  TaskStatus = "assigned"  // Bound to an agent, not yet started
	StatusRunning   TaskStatus = "running"   // Currently executing
	StatusCompleted TaskStatus = "completed" // Finished successfully
	StatusFailed    TaskStatus = "failed"    // Retries exhausted
	StatusCancelled TaskStatus = "cancelled" // Cancelled directly or by cascade
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is a unit of work with declared dependencies.
type Task struct {
	ID           string
	Type         string
	Priority     int
	Dependencies []string          // Task IDs that must complete first
	Resources    []string          // Resources pre-acquired before execution (advanced scheduling)
	Capabilities []string          // Capabilities an agent needs to run this task
	Timeout      time.Duration     // Overrides the scheduler's task timeout when > 0
	Metadata     map[string]string // Free-form executor input (e.g. "command")

	Status        TaskStatus
	AssignedAgent string
	Output        any
	Err           error
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
}

// Clone returns a deep copy of the task's slices and metadata.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Dependencies = cloneStrings(t.Dependencies)
	cp.Resources = cloneStrings(t.Resources)
	cp.Capabilities = cloneStrings(t.Capabilities)
	if t.Metadata != nil {
		cp.Metadata = maps.Clone(t.Metadata)
	}
	return &cp
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// ScheduledTask is a task bound to an agent together with its attempt
// bookkeeping.
type ScheduledTask struct {
	Task        *Task
	AgentID     string
	Attempts    int // failed attempts so far
	LastAttempt time.Time
	Deadline    time.Time // zero when no timeout is armed
}
