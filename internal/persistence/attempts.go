package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pyrex41/descartes-sub000/internal/state"
	"github.com/pyrex41/descartes-sub000/internal/verdict"
)

// AppendAttempt inserts one attempt inside a transaction that first checks
// the attempt number follows the last one recorded for (runID, taskID).
func (s *SQLiteStore) AppendAttempt(ctx context.Context, runID, taskID string, a state.TaskAttempt) error {
	// BEGIN IMMEDIATE
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE run_id = ?`, runID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run %s is not recorded", runID)
	}
	if err != nil {
		return fmt.Errorf("failed to check run existence: %w", err)
	}

	var last int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(attempt), 0) FROM attempts WHERE run_id = ? AND task_id = ?
	`, runID, taskID).Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to read last attempt: %w", err)
	}
	if a.Attempt != last+1 {
		return fmt.Errorf("task %s attempt %d after %d: %w", taskID, a.Attempt, last, ErrNonContiguousAttempt)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attempts (run_id, task_id, attempt, prompt, output, verdict, reason,
			verify_passed, verify_stdout, verify_stderr, diff, refinement, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, taskID, a.Attempt, a.Prompt, a.Output, a.Verdict.Kind.String(), a.Verdict.Reason,
		a.VerifyPassed, a.VerifyStdout, a.VerifyStderr, a.Diff, a.Refinement, formatTime(a.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert attempt %d for task %s: %w", a.Attempt, taskID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListAttempts returns attempts for taskID, optionally restricted to runID.
func (s *SQLiteStore) ListAttempts(ctx context.Context, runID, taskID string) ([]AttemptRecord, error) {
	query := `
		SELECT a.run_id, a.task_id, a.attempt, a.prompt, a.output, a.verdict, a.reason,
			a.verify_passed, a.verify_stdout, a.verify_stderr, a.diff, a.refinement, a.created_at
		FROM attempts a JOIN runs r ON r.run_id = a.run_id
		WHERE a.task_id = ?`
	args := []any{taskID}
	if runID != "" {
		query += ` AND a.run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY r.started_at, a.run_id, a.attempt`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var (
			rec       AttemptRecord
			kind      string
			createdAt string
		)
		err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.Attempt, &rec.Prompt, &rec.Output, &kind,
			&rec.Verdict.Reason, &rec.VerifyPassed, &rec.VerifyStdout, &rec.VerifyStderr,
			&rec.Diff, &rec.Refinement, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if rec.Verdict.Kind, err = verdict.ParseKind(kind); err != nil {
			return nil, fmt.Errorf("attempt %d of task %s: %w", rec.Attempt, rec.TaskID, err)
		}
		if rec.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

