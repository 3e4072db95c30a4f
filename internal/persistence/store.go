package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aristath/coordinator/internal/conflict"
	"github.com/aristath/coordinator/internal/scheduler"
)

// TaskEvent is one journaled lifecycle transition of a task.
type TaskEvent struct {
	TaskID    string
	Event     string // event type, e.g. "task:started"
	AgentID   string
	Detail    string
	Timestamp time.Time
}

// ConflictFilter selects conflicts for ListConflicts.
type ConflictFilter int

const (
	AllConflicts ConflictFilter = iota
	ActiveConflicts
	ResolvedConflicts
)

// Store defines the persistence interface for the task and conflict journal.
type Store interface {
	// Task journal
	SaveTask(ctx context.Context, task *scheduler.Task) error
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, result string, taskErr error) error
	ListTasks(ctx context.Context) ([]*scheduler.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...scheduler.TaskStatus) ([]*scheduler.Task, error)

	// Lifecycle history
	AppendEvent(ctx context.Context, ev TaskEvent) error
	GetHistory(ctx context.Context, taskID string) ([]TaskEvent, error)

	// Conflict history
	RecordConflict(ctx context.Context, c conflict.Conflict) error
	ListConflicts(ctx context.Context, filter ConflictFilter) ([]conflict.Conflict, error)
	PruneConflicts(ctx context.Context, before time.Time) (int64, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path,
// creating parent directories as needed. The journal runs in WAL mode with a
// busy timeout so the manager loop and CLI readers can share the file.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	return open(ctx, fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath))
}

// NewMemoryStore creates an in-memory SQLite store for testing. The cache is
// shared so both pool connections see the same database; it disappears with
// the last connection.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, "file::memory:?mode=memory&cache=shared")
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite ignores _foreign_keys in the DSN.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection for the primary query, one for dependency lookups.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
