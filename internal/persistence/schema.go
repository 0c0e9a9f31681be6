package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		tag TEXT NOT NULL,
		status TEXT NOT NULL,
		iterations INTEGER NOT NULL DEFAULT 0,
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		exit_reason TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		output TEXT NOT NULL,
		verdict TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		verify_passed INTEGER NOT NULL,
		verify_stdout TEXT NOT NULL DEFAULT '',
		verify_stderr TEXT NOT NULL DEFAULT '',
		diff TEXT NOT NULL DEFAULT '',
		refinement TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE (run_id, task_id, attempt),
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(task_id, run_id, attempt);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
