// Package errors defines the error taxonomy of the coordination runtime.
//
// Every failure that crosses a component boundary is one of the concrete
// types below, each of which wraps a sentinel so callers can match with
// either errors.Is or errors.As:
//
//	var depErr *errors.TaskDependencyError
//	if errors.As(err, &depErr) {
//	    log.Printf("unmet: %v", depErr.Missing)
//	}
//	if errors.Is(err, errors.ErrLockTimeout) { ... }
//
// The standard library helpers are re-exported so callers only need this
// package for error handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Sentinel errors.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateTask     = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnmetDependency   = errors.New("unmet dependency")
	ErrTaskTimeout       = errors.New("task timed out")
	ErrTaskCancelled     = errors.New("task cancelled")
	ErrLockTimeout       = errors.New("lock acquisition timed out")
	ErrLockEvicted       = errors.New("lock request evicted from wait queue")
	ErrDeadlock          = errors.New("deadlock could not be resolved")
	ErrNotInitialized    = errors.New("coordination manager not initialized")
	ErrShutdown          = errors.New("shutting down")
	ErrResponseTimeout   = errors.New("response timed out")
	ErrConflictNotFound  = errors.New("conflict not found")
	ErrConflictResolved  = errors.New("conflict already resolved")
	ErrUnknownStrategy   = errors.New("unknown resolution strategy")
	ErrNoAgents          = errors.New("no eligible agents")
)

// TaskError is the generic task failure, typically an unknown id passed to
// a lifecycle call.
type TaskError struct {
	TaskID string
	Op     string
	Err    error
}

// NewTaskError creates a TaskError.
func NewTaskError(taskID, op string, err error) *TaskError {
	return &TaskError{TaskID: taskID, Op: op, Err: err}
}

func (e *TaskError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("%s task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// TaskDependencyError reports dependency ids that are unmet or unknown.
type TaskDependencyError struct {
	TaskID  string
	Missing []string
}

// NewTaskDependencyError creates a TaskDependencyError.
func NewTaskDependencyError(taskID string, missing []string) *TaskDependencyError {
	return &TaskDependencyError{TaskID: taskID, Missing: append([]string(nil), missing...)}
}

func (e *TaskDependencyError) Error() string {
	return fmt.Sprintf("task %s has unmet dependencies: %s", e.TaskID, strings.Join(e.Missing, ", "))
}

func (e *TaskDependencyError) Unwrap() error { return ErrUnmetDependency }

// TaskTimeoutError is raised when a task exceeds its allotted running time.
type TaskTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

// NewTaskTimeoutError creates a TaskTimeoutError.
func NewTaskTimeoutError(taskID string, timeout time.Duration) *TaskTimeoutError {
	return &TaskTimeoutError{TaskID: taskID, Timeout: timeout}
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}

func (e *TaskTimeoutError) Unwrap() error { return ErrTaskTimeout }

// ResourceLockError is returned when a lock cannot be acquired.
// Err is ErrLockTimeout, ErrLockEvicted, ErrShutdown or a context error.
type ResourceLockError struct {
	ResourceID string
	AgentID    string
	Err        error
}

// NewResourceLockError creates a ResourceLockError.
func NewResourceLockError(resourceID, agentID string, err error) *ResourceLockError {
	return &ResourceLockError{ResourceID: resourceID, AgentID: agentID, Err: err}
}

func (e *ResourceLockError) Error() string {
	return fmt.Sprintf("agent %s could not lock resource %s: %v", e.AgentID, e.ResourceID, e.Err)
}

func (e *ResourceLockError) Unwrap() error { return e.Err }

// DeadlockError carries the full participant list of a deadlock that
// preemption failed to break.
type DeadlockError struct {
	Agents    []string
	Resources []string
	Err       error
}

// NewDeadlockError creates a DeadlockError.
func NewDeadlockError(agents, resources []string, err error) *DeadlockError {
	return &DeadlockError{
		Agents:    append([]string(nil), agents...),
		Resources: append([]string(nil), resources...),
		Err:       err,
	}
}

func (e *DeadlockError) Error() string {
	msg := fmt.Sprintf("deadlock between agents [%s] on resources [%s]",
		strings.Join(e.Agents, ", "), strings.Join(e.Resources, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeadlockError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDeadlock}
	}
	return []error{ErrDeadlock, e.Err}
}

// CoordinationError wraps manager-level failures such as use before
// initialization.
type CoordinationError struct {
	Op  string
	Err error
}

// NewCoordinationError creates a CoordinationError.
func NewCoordinationError(op string, err error) *CoordinationError {
	return &CoordinationError{Op: op, Err: err}
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("coordination %s: %v", e.Op, e.Err)
}

func (e *CoordinationError) Unwrap() error { return e.Err }
