// Package executor provides scheduler.Executor implementations: an adapter
// for plain functions and a subprocess executor for shell commands.
package executor

import (
	"context"
	"fmt"

	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/scheduler"
)

// Func adapts an ordinary function to scheduler.Executor.
type Func func(ctx context.Context, task scheduler.Task) (any, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, task scheduler.Task) (any, error) {
	return f(ctx, task)
}

// ByType dispatches to an executor registered for the task's type, falling
// back to Default.
type ByType struct {
	Executors map[string]scheduler.Executor
	Default   scheduler.Executor
}

// Execute runs task on the executor registered for its type.
func (b ByType) Execute(ctx context.Context, task scheduler.Task) (any, error) {
	if e, ok := b.Executors[task.Type]; ok {
		return e.Execute(ctx, task)
	}
	if b.Default == nil {
		return nil, errors.NewTaskError(task.ID, "execute", fmt.Errorf("no executor for task type %q", task.Type))
	}
	return b.Default.Execute(ctx, task)
}

var (
	_ scheduler.Executor = Func(nil)
	_ scheduler.Executor = ByType{}
	_ scheduler.Executor = (*Process)(nil)
)
