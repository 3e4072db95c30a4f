package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/scheduler"
)

const taskColumns = `id, type, priority, agent_id, status, resources, metadata, result, error, created_at, started_at, completed_at`

// SaveTask saves or updates a task and its dependencies.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	errorStr := ""
	if task.Err != nil {
		errorStr = task.Err.Error()
	}
	metadata, err := encodeMetadata(task.Metadata)
	if err != nil {
		return err
	}
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, type, priority, agent_id, status, resources, metadata, result, error, created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			priority = excluded.priority,
			agent_id = excluded.agent_id,
			status = excluded.status,
			resources = excluded.resources,
			metadata = excluded.metadata,
			result = excluded.result,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, task.Type, task.Priority, task.AssignedAgent, string(task.Status),
		strings.Join(task.Resources, ","), metadata, resultString(task.Output), errorStr,
		createdAt, nullTime(task.StartedAt), nullTime(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	// Replace dependencies. Dependencies may have been pruned from the journal,
	// so they are not required to exist.
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}
	for _, depID := range task.Dependencies {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, task.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewTaskError(taskID, "get", errors.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if task.Dependencies, err = s.dependencies(ctx, taskID); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTaskStatus updates the status, result, and error of a task. Running
// sets started_at; terminal statuses set completed_at.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, result string, taskErr error) error {
	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	errorStr := ""
	if taskErr != nil {
		errorStr = taskErr.Error()
	}

	now := time.Now()
	var started, completed sql.NullTime
	if status == scheduler.StatusRunning {
		started = sql.NullTime{Time: now, Valid: true}
	}
	if status.IsTerminal() {
		completed = sql.NullTime{Time: now, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, error = ?,
			attempts = attempts + CASE WHEN ? = 'running' THEN 1 ELSE 0 END,
			started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(status), result, errorStr, string(status), started, completed, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return errors.NewTaskError(taskID, "update", errors.ErrTaskNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListTasks returns all tasks with their dependencies, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
}

// ListTasksByStatus returns tasks in any of the given statuses.
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, statuses ...scheduler.TaskStatus) ([]*scheduler.Task, error) {
	if len(statuses) == 0 {
		return s.ListTasks(ctx)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN (`+placeholders+`) ORDER BY created_at, id`, args...)
}

func (s *SQLiteStore) listTasks(ctx context.Context, query string, args ...any) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		// Uses the second connection while rows holds the first.
		if task.Dependencies, err = s.dependencies(ctx, task.ID); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) dependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY depends_on_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies for task %s: %w", taskID, err)
	}
	defer rows.Close()

	deps := []string{}
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

// AppendEvent journals one lifecycle transition.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev TaskEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event, agent_id, detail, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, ev.TaskID, ev.Event, ev.AgentID, ev.Detail, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event for task %s: %w", ev.TaskID, err)
	}
	return nil
}

// GetHistory returns a task's journaled transitions in order.
func (s *SQLiteStore) GetHistory(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, event, agent_id, detail, timestamp
		FROM task_events
		WHERE task_id = ?
		ORDER BY timestamp, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.TaskID, &ev.Event, &ev.AgentID, &ev.Detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		history = append(history, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return history, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var (
		status, resources, metadata, result, errorStr sql.NullString
		started, completed                            sql.NullTime
	)
	err := row.Scan(&task.ID, &task.Type, &task.Priority, &task.AssignedAgent, &status,
		&resources, &metadata, &result, &errorStr, &task.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}

	task.Status = scheduler.TaskStatus(status.String)
	if resources.String != "" {
		task.Resources = strings.Split(resources.String, ",")
	}
	if metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &task.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of task %s: %w", task.ID, err)
		}
	}
	if result.String != "" {
		task.Output = result.String
	}
	if errorStr.String != "" {
		task.Err = errors.New(errorStr.String)
	}
	task.StartedAt = started.Time
	task.CompletedAt = completed.Time
	return task, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}

// resultString renders a task output for storage. Strings are kept as is,
// anything else is stored as JSON.
func resultString(v any) string {
	switch out := v.(type) {
	case nil:
		return ""
	case string:
		return out
	case fmt.Stringer:
		return out.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// ResultString is resultString for callers journaling status updates.
func ResultString(v any) string { return resultString(v) }

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
