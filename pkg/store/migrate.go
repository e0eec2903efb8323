package store

import (
	"context"
	"fmt"
)

// Base schema. A missing table is created in full; existing tables are
// brought up to date by the additive column migrations below.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_path TEXT NOT NULL DEFAULT '',
		workflow TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		parent_task_id TEXT NOT NULL DEFAULT '',
		subtask_ids TEXT NOT NULL DEFAULT '[]',
		priority TEXT NOT NULL DEFAULT 'normal',
		effort TEXT NOT NULL DEFAULT 'medium',
		autonomy TEXT NOT NULL DEFAULT 'review-before-merge',
		status TEXT NOT NULL DEFAULT 'pending',
		current_stage TEXT NOT NULL DEFAULT '',
		stage_index INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		resume_attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT,
		paused_at TEXT,
		resume_after TEXT,
		pause_reason TEXT,
		error TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_cost REAL NOT NULL DEFAULT 0,
		workspace TEXT,
		session_data TEXT,
		last_checkpoint TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		blocking_task_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (task_id, blocking_task_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deps_blocking ON task_dependencies(blocking_task_id)`,
	`CREATE TABLE IF NOT EXISTS task_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		level TEXT NOT NULL DEFAULT 'info',
		stage TEXT NOT NULL DEFAULT '',
		agent TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_task ON task_logs(task_id)`,
	`CREATE TABLE IF NOT EXISTS task_artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_task ON task_artifacts(task_id)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		sequence INTEGER NOT NULL DEFAULT 0,
		stage TEXT NOT NULL DEFAULT '',
		stage_index INTEGER NOT NULL DEFAULT 0,
		conversation TEXT NOT NULL DEFAULT '[]',
		stage_state TEXT,
		metadata TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (task_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS gates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		required_at TEXT NOT NULL,
		responded_at TEXT,
		approver TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		UNIQUE (task_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS idle_tasks (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		rationale TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'normal',
		estimated_effort TEXT NOT NULL DEFAULT 'medium',
		suggested_workflow TEXT NOT NULL DEFAULT '',
		implemented INTEGER NOT NULL DEFAULT 0,
		promoted_task_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
}

// taskColumnMigrations lists columns added to the tasks table after its first
// release, in the order they appeared. Each is applied only when the column
// set reported by PRAGMA table_info lacks it, so migration is idempotent and
// never destructive.
var taskColumnMigrations = []struct {
	column string
	decl   string
}{
	{"priority", "priority TEXT NOT NULL DEFAULT 'normal'"},
	{"effort", "effort TEXT NOT NULL DEFAULT 'medium'"},
	{"autonomy", "autonomy TEXT NOT NULL DEFAULT 'review-before-merge'"},
	{"retry_count", "retry_count INTEGER NOT NULL DEFAULT 0"},
	{"max_retries", "max_retries INTEGER NOT NULL DEFAULT 3"},
	{"resume_attempts", "resume_attempts INTEGER NOT NULL DEFAULT 0"},
	{"paused_at", "paused_at TEXT"},
	{"resume_after", "resume_after TEXT"},
	{"pause_reason", "pause_reason TEXT"},
	{"input_tokens", "input_tokens INTEGER NOT NULL DEFAULT 0"},
	{"output_tokens", "output_tokens INTEGER NOT NULL DEFAULT 0"},
	{"total_tokens", "total_tokens INTEGER NOT NULL DEFAULT 0"},
	{"estimated_cost", "estimated_cost REAL NOT NULL DEFAULT 0"},
	{"workspace", "workspace TEXT"},
	{"session_data", "session_data TEXT"},
	{"last_checkpoint", "last_checkpoint TEXT"},
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	existing, err := s.tableColumns(ctx, "tasks")
	if err != nil {
		return err
	}
	for _, m := range taskColumnMigrations {
		if existing[m.column] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE tasks ADD COLUMN %s", m.decl)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add column %s: %w", m.column, err)
		}
	}
	return nil
}

func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dfltValue  any
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &primaryKey); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
