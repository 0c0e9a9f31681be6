package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/pyrex41/descartes-sub000/internal/state"
)

// RecordRun stores the run's current progress. Uses ON CONFLICT so the loop
// can call it after every wave and at exit.
func (s *SQLiteStore) RecordRun(ctx context.Context, run Run) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = time.Now()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = run.UpdatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, tag, status, iterations, tasks_completed, exit_reason, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			iterations = excluded.iterations,
			tasks_completed = excluded.tasks_completed,
			exit_reason = excluded.exit_reason,
			updated_at = excluded.updated_at
	`, run.RunID, run.Tag, string(run.Status), run.Iterations, run.TasksCompleted, run.ExitReason,
		formatTime(run.StartedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.RunID, err)
	}
	return nil
}

// ListRuns returns runs for tag, oldest first. An empty tag lists all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, tag string) ([]Run, error) {
	query := `SELECT run_id, tag, status, iterations, tasks_completed, exit_reason, started_at, updated_at FROM runs`
	var args []any
	if tag != "" {
		query += ` WHERE tag = ?`
		args = append(args, tag)
	}
	query += ` ORDER BY started_at, run_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                Run
			status           string
			started, updated string
		)
		if err := rows.Scan(&r.RunID, &r.Tag, &status, &r.Iterations, &r.TasksCompleted, &r.ExitReason, &started, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Status = state.Status(status)
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
