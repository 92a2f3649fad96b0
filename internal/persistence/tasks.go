package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/dreamteam/internal/scheduler"
	"github.com/guregu/null/v6"
)

const taskColumns = `id, role, status, priority, payload, result, error, error_type,
	retry_count, max_retries, next_retry_at, is_retryable, timeout_seconds,
	started_at, last_heartbeat_at, completed_at, duration_ms,
	approval_required, approved_by, approved_at, created_at, updated_at, version`

// maxInList bounds the number of placeholders in one IN (...) query.
const maxInList = 500

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	var (
		t                                        scheduler.Task
		status, errorType                        string
		payload, result, errMsg, approvedBy      null.String
		nextRetry, started, heartbeat, completed null.Int
		approvedAt                               null.Int
		createdAt, updatedAt                     int64
	)
	err := row.Scan(
		&t.ID, &t.Role, &status, &t.Priority, &payload, &result, &errMsg, &errorType,
		&t.RetryCount, &t.MaxRetries, &nextRetry, &t.IsRetryable, &t.TimeoutSeconds,
		&started, &heartbeat, &completed, &t.DurationMs,
		&t.ApprovalRequired, &approvedBy, &approvedAt, &createdAt, &updatedAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}

	t.Status = scheduler.TaskStatus(status)
	t.ErrorType = scheduler.ErrorType(errorType)
	t.Payload = jsonBytes(payload)
	t.Result = jsonBytes(result)
	t.Error = errMsg.ValueOrZero()
	t.ApprovedBy = approvedBy.ValueOrZero()
	t.NextRetryAt = millisPtr(nextRetry)
	t.StartedAt = millisPtr(started)
	t.LastHeartbeatAt = millisPtr(heartbeat)
	t.CompletedAt = millisPtr(completed)
	t.ApprovedAt = millisPtr(approvedAt)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

// CreateTasks inserts tasks and their dependency edges in one transaction.
// Tasks must be ordered so that every dependency is either already stored
// or earlier in the slice.
func (s *SQLStore) CreateTasks(ctx context.Context, tasks []*scheduler.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		inserted := make(map[string]bool, len(tasks))
		for _, task := range tasks {
			if err := s.insertTask(ctx, tx, task, inserted); err != nil {
				return err
			}
			inserted[task.ID] = true
		}
		return nil
	})
}

func (s *SQLStore) insertTask(ctx context.Context, tx *sql.Tx, task *scheduler.Task, inserted map[string]bool) error {
	for _, depID := range task.DependsOn {
		if inserted[depID] {
			continue
		}
		var exists int
		err := s.queryRow(ctx, tx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: task %s depends on %s", scheduler.ErrMissingDependency, task.ID, depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}
	}

	if task.Version == 0 {
		task.Version = 1
	}
	_, err := s.exec(ctx, tx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID, task.Role, string(task.Status), task.Priority, nullJSON(task.Payload), nullJSON(task.Result),
		nullString(task.Error), string(task.ErrorType),
		task.RetryCount, task.MaxRetries, nullMillis(task.NextRetryAt), task.IsRetryable, task.TimeoutSeconds,
		nullMillis(task.StartedAt), nullMillis(task.LastHeartbeatAt), nullMillis(task.CompletedAt), task.DurationMs,
		task.ApprovalRequired, nullString(task.ApprovedBy), nullMillis(task.ApprovedAt),
		toMillis(task.CreatedAt), toMillis(task.UpdatedAt), task.Version,
	)
	if err != nil {
		if s.dialect.uniqueErr(err) {
			return fmt.Errorf("%w: task %s already exists", scheduler.ErrValidation, task.ID)
		}
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}

	for i, depID := range task.DependsOn {
		_, err = s.exec(ctx, tx, `
			INSERT INTO task_dependencies (task_id, depends_on_id, position)
			VALUES (?, ?, ?)
		`, task.ID, depID, i)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}
	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*scheduler.Task, error) {
	return s.getTask(ctx, s.db, id)
}

func (s *SQLStore) getTask(ctx context.Context, q querier, id string) (*scheduler.Task, error) {
	task, err := scanTask(s.queryRow(ctx, q, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	if err := s.attachDependencies(ctx, q, []*scheduler.Task{task}); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTasks retrieves the tasks that exist among ids, keyed by ID.
func (s *SQLStore) GetTasks(ctx context.Context, ids []string) (map[string]*scheduler.Task, error) {
	tasks, err := s.getTasks(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*scheduler.Task, len(tasks))
	for _, t := range tasks {
		out[t.ID] = t
	}
	return out, nil
}

func (s *SQLStore) getTasks(ctx context.Context, q querier, ids []string) ([]*scheduler.Task, error) {
	var tasks []*scheduler.Task
	for start := 0; start < len(ids); start += maxInList {
		end := min(start+maxInList, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		found, err := s.queryTasks(ctx, q,
			`SELECT `+taskColumns+` FROM tasks WHERE id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, found...)
	}
	if err := s.attachDependencies(ctx, q, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListTasks returns tasks matching filter in dispatch order.
func (s *SQLStore) ListTasks(ctx context.Context, filter scheduler.TaskFilter) ([]*scheduler.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, filter.Role)
	}
	if filter.CompletedSince != nil {
		where = append(where, "completed_at >= ?")
		args = append(args, toMillis(*filter.CompletedSince))
	}
	if filter.UpdatedSince != nil {
		where = append(where, "updated_at >= ?")
		args = append(args, toMillis(*filter.UpdatedSince))
	}
	if filter.RetryDue != nil {
		where = append(where, "next_retry_at IS NOT NULL AND next_retry_at <= ?")
		args = append(args, toMillis(*filter.RetryDue))
	}
	if filter.CreatedBefore != nil {
		where = append(where, "created_at < ?")
		args = append(args, toMillis(*filter.CreatedBefore))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	tasks, err := s.queryTasks(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	if err := s.attachDependencies(ctx, s.db, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// queryTasks scans task rows without dependencies. Rows are closed before
// returning so callers may issue follow-up queries on a single connection.
func (s *SQLStore) queryTasks(ctx context.Context, q querier, query string, args ...any) ([]*scheduler.Task, error) {
	rows, err := s.query(ctx, q, query, args...)
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
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// attachDependencies loads DependsOn for every task.
func (s *SQLStore) attachDependencies(ctx context.Context, q querier, tasks []*scheduler.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	byID := make(map[string]*scheduler.Task, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		t.DependsOn = []string{}
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}

	for start := 0; start < len(ids); start += maxInList {
		end := min(start+maxInList, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		err := func() error {
			rows, err := s.query(ctx, q, `
				SELECT task_id, depends_on_id
				FROM task_dependencies
				WHERE task_id IN (`+placeholders(len(chunk))+`)
				ORDER BY task_id, position
			`, args...)
			if err != nil {
				return fmt.Errorf("failed to query dependencies: %w", err)
			}
			defer rows.Close()

			for rows.Next() {
				var taskID, depID string
				if err := rows.Scan(&taskID, &depID); err != nil {
					return fmt.Errorf("failed to scan dependency: %w", err)
				}
				if t, ok := byID[taskID]; ok {
					t.DependsOn = append(t.DependsOn, depID)
				}
			}
			return rows.Err()
		}()
		if err != nil {
			return err
		}
	}
	return nil
}

// Dependents returns the IDs of tasks that depend directly on id.
func (s *SQLStore) Dependents(ctx context.Context, id string) ([]string, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT task_id FROM task_dependencies
		WHERE depends_on_id = ?
		ORDER BY task_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependent: %w", err)
		}
		ids = append(ids, depID)
	}
	return ids, rows.Err()
}

// UpdateTask writes every mutable field of task if the stored version still
// equals task.Version, then bumps task.Version. A stale version returns
// ErrConflict; the caller re-reads and retries.
func (s *SQLStore) UpdateTask(ctx context.Context, task *scheduler.Task) error {
	res, err := s.exec(ctx, s.db, `
		UPDATE tasks SET
			role = ?, status = ?, priority = ?, payload = ?, result = ?, error = ?, error_type = ?,
			retry_count = ?, max_retries = ?, next_retry_at = ?, is_retryable = ?, timeout_seconds = ?,
			started_at = ?, last_heartbeat_at = ?, completed_at = ?, duration_ms = ?,
			approval_required = ?, approved_by = ?, approved_at = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`,
		task.Role, string(task.Status), task.Priority, nullJSON(task.Payload), nullJSON(task.Result),
		nullString(task.Error), string(task.ErrorType),
		task.RetryCount, task.MaxRetries, nullMillis(task.NextRetryAt), task.IsRetryable, task.TimeoutSeconds,
		nullMillis(task.StartedAt), nullMillis(task.LastHeartbeatAt), nullMillis(task.CompletedAt), task.DurationMs,
		task.ApprovalRequired, nullString(task.ApprovedBy), nullMillis(task.ApprovedAt), toMillis(task.UpdatedAt),
		task.ID, task.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.queryRow(ctx, s.db, `SELECT 1 FROM tasks WHERE id = ?`, task.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, task.ID)
		}
		return fmt.Errorf("%w: task %s at version %d", scheduler.ErrConflict, task.ID, task.Version)
	}
	task.Version++
	return nil
}

// CountByStatus returns the number of tasks per status. role "" counts all.
func (s *SQLStore) CountByStatus(ctx context.Context, role string) (map[scheduler.TaskStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM tasks`
	var args []any
	if role != "" {
		query += ` WHERE role = ?`
		args = append(args, role)
	}
	query += ` GROUP BY status`

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[scheduler.TaskStatus]int, len(scheduler.AllStatuses))
	for _, st := range scheduler.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[scheduler.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}
