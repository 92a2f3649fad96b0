package persistence

import (
	"context"
	"fmt"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLStore) initSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		payload TEXT,
		result TEXT,
		error TEXT,
		error_type TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		next_retry_at BIGINT,
		is_retryable %[1]s NOT NULL,
		timeout_seconds INTEGER NOT NULL DEFAULT 0,
		started_at BIGINT,
		last_heartbeat_at BIGINT,
		completed_at BIGINT,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		approval_required %[1]s NOT NULL,
		approved_by TEXT,
		approved_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		version BIGINT NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(status, role, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_completed_at ON tasks(completed_at);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on ON task_dependencies(depends_on_id);

	CREATE TABLE IF NOT EXISTS metrics_snapshots (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		taken_at BIGINT NOT NULL,
		window_ms BIGINT NOT NULL,
		queue_depth TEXT NOT NULL,
		completed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		p50_ms BIGINT NOT NULL,
		p95_ms BIGINT NOT NULL,
		p99_ms BIGINT NOT NULL,
		success_rate %[2]s NOT NULL,
		error_types TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_metrics_snapshots_role_taken ON metrics_snapshots(role, taken_at);
	`, s.dialect.boolType, s.dialect.floatType)

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
