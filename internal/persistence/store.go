// Package persistence keeps the loop's history in SQLite: one row per run
// and one immutable row per task attempt. Loop control never reads it; it
// exists for `loop history` and post-mortems.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pyrex41/descartes-sub000/internal/state"
)

// ErrNonContiguousAttempt is returned when an appended attempt number is not
// exactly one more than the last attempt recorded for the task in the run.
var ErrNonContiguousAttempt = errors.New("attempt numbers must be contiguous")

// Run is one loop run as recorded in the history.
type Run struct {
	RunID          string
	Tag            string
	Status         state.Status
	Iterations     int
	TasksCompleted int
	ExitReason     string
	StartedAt      time.Time
	UpdatedAt      time.Time
}

// AttemptRecord is a TaskAttempt together with where it happened.
type AttemptRecord struct {
	RunID  string
	TaskID string
	state.TaskAttempt
}

// Store defines the history operations used by the loop and the CLI.
type Store interface {
	// RecordRun inserts the run or updates its progress columns.
	RecordRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, tag string) ([]Run, error)

	// AppendAttempt stores an attempt. Attempts are never updated.
	AppendAttempt(ctx context.Context, runID, taskID string, attempt state.TaskAttempt) error
	// ListAttempts returns a task's attempts ordered by run then attempt.
	// An empty runID lists every run.
	ListAttempts(ctx context.Context, runID, taskID string) ([]AttemptRecord, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each store
// gets its own named shared-cache database, so stores never see each
// other's rows while a store's connections all see the same data.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:history-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Pragmas come from the DSN so every pooled connection gets them.
	db.SetMaxOpenConns(2)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

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

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
