package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/dreamteam/internal/scheduler"
)

// eligibleWhere selects claimable rows of tasks t. Arguments: role, role,
// now. A dependency that is missing or not completed blocks the claim.
const eligibleWhere = `
	t.status = 'pending'
	AND (CAST(? AS TEXT) = '' OR t.role = ?)
	AND (t.next_retry_at IS NULL OR t.next_retry_at <= ?)
	AND (NOT t.approval_required OR t.approved_at IS NOT NULL)
	AND NOT EXISTS (
		SELECT 1 FROM task_dependencies d
		LEFT JOIN tasks dt ON dt.id = d.depends_on_id
		WHERE d.task_id = t.id AND (dt.id IS NULL OR dt.status <> 'completed')
	)`

// ClaimNext atomically moves up to req.Max eligible tasks from pending to
// active and returns them in dispatch order. No two callers, in this or any
// other process, receive the same task for the same attempt.
func (s *SQLStore) ClaimNext(ctx context.Context, req ClaimRequest) ([]*scheduler.Task, error) {
	if req.Max <= 0 {
		return nil, nil
	}
	now := toMillis(req.Now)

	var claimed []*scheduler.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var ids []string
		var err error
		if s.dialect.skipLocked {
			ids, err = s.claimSkipLocked(ctx, tx, req, now)
		} else {
			ids, err = s.claimImmediate(ctx, tx, req, now)
		}
		if err != nil || len(ids) == 0 {
			return err
		}

		claimed, err = s.getTasks(ctx, tx, ids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}

	scheduler.SortByDispatchOrder(claimed)
	return claimed, nil
}

// claimSkipLocked locks candidate rows, skipping rows locked by concurrent
// claimers, and activates them in a single statement.
func (s *SQLStore) claimSkipLocked(ctx context.Context, tx *sql.Tx, req ClaimRequest, now int64) ([]string, error) {
	rows, err := s.query(ctx, tx, `
		WITH candidates AS (
			SELECT t.id FROM tasks t
			WHERE `+eligibleWhere+`
			ORDER BY t.priority DESC, t.created_at ASC, t.id ASC
			LIMIT ?
			FOR UPDATE OF t SKIP LOCKED
		)
		UPDATE tasks SET
			status = 'active',
			started_at = ?,
			last_heartbeat_at = ?,
			next_retry_at = NULL,
			completed_at = NULL,
			updated_at = ?,
			version = version + 1
		FROM candidates c
		WHERE tasks.id = c.id AND tasks.status = 'pending'
		RETURNING tasks.id
	`, req.Role, req.Role, now, req.Max, now, now, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// claimImmediate runs inside a BEGIN IMMEDIATE transaction, which holds the
// database write lock from the first statement, so the select and the
// status-guarded updates form one critical section.
func (s *SQLStore) claimImmediate(ctx context.Context, tx *sql.Tx, req ClaimRequest, now int64) ([]string, error) {
	rows, err := s.query(ctx, tx, `
		SELECT t.id FROM tasks t
		WHERE `+eligibleWhere+`
		ORDER BY t.priority DESC, t.created_at ASC, t.id ASC
		LIMIT ?
	`, req.Role, req.Role, now, req.Max)
	if err != nil {
		return nil, err
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var ids []string
	for _, id := range candidates {
		res, err := s.exec(ctx, tx, `
			UPDATE tasks SET
				status = 'active',
				started_at = ?,
				last_heartbeat_at = ?,
				next_retry_at = NULL,
				completed_at = NULL,
				updated_at = ?,
				version = version + 1
			WHERE id = ? AND status = 'pending'
		`, now, now, now, id)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n == 1 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
