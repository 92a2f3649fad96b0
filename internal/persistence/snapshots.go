package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/dreamteam/internal/metrics"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// ErrNoSnapshot is returned by LatestSnapshot when none has been recorded.
var ErrNoSnapshot = errors.New("no metrics snapshot recorded")

const snapshotColumns = `id, role, taken_at, window_ms, queue_depth, completed, failed,
	p50_ms, p95_ms, p99_ms, success_rate, error_types`

// SaveSnapshot inserts an immutable snapshot row, assigning an ID if unset.
func (s *SQLStore) SaveSnapshot(ctx context.Context, snap *metrics.Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	depth, err := sonic.Marshal(snap.QueueDepth)
	if err != nil {
		return fmt.Errorf("failed to encode queue depth: %w", err)
	}
	errTypes, err := sonic.Marshal(snap.ErrorTypes)
	if err != nil {
		return fmt.Errorf("failed to encode error types: %w", err)
	}

	_, err = s.exec(ctx, s.db, `
		INSERT INTO metrics_snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.Role, toMillis(snap.TakenAt), snap.Window.Milliseconds(), string(depth),
		snap.Completed, snap.Failed, snap.P50Ms, snap.P95Ms, snap.P99Ms, snap.SuccessRate, string(errTypes))
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot for role ("" = global).
func (s *SQLStore) LatestSnapshot(ctx context.Context, role string) (*metrics.Snapshot, error) {
	snap, err := scanSnapshot(s.queryRow(ctx, s.db, `
		SELECT `+snapshotColumns+` FROM metrics_snapshots
		WHERE role = ?
		ORDER BY taken_at DESC, id DESC
		LIMIT 1
	`, role))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns snapshots for role taken at or after since, oldest
// first, keeping the newest limit rows when limit > 0.
func (s *SQLStore) ListSnapshots(ctx context.Context, role string, since time.Time, limit int) ([]*metrics.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM metrics_snapshots
		WHERE role = ? AND taken_at >= ?
		ORDER BY taken_at DESC, id DESC`
	args := []any{role, toMillis(since)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*metrics.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; callers want a chronological trend.
	for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
		snaps[i], snaps[j] = snaps[j], snaps[i]
	}
	return snaps, nil
}

func scanSnapshot(row rowScanner) (*metrics.Snapshot, error) {
	var (
		snap              metrics.Snapshot
		takenAt, windowMs int64
		depth, errTypes   string
	)
	err := row.Scan(&snap.ID, &snap.Role, &takenAt, &windowMs, &depth, &snap.Completed, &snap.Failed,
		&snap.P50Ms, &snap.P95Ms, &snap.P99Ms, &snap.SuccessRate, &errTypes)
	if err != nil {
		return nil, err
	}
	snap.TakenAt = fromMillis(takenAt)
	snap.Window = time.Duration(windowMs) * time.Millisecond
	if err := sonic.UnmarshalString(depth, &snap.QueueDepth); err != nil {
		return nil, fmt.Errorf("failed to decode queue depth: %w", err)
	}
	if err := sonic.UnmarshalString(errTypes, &snap.ErrorTypes); err != nil {
		return nil, fmt.Errorf("failed to decode error types: %w", err)
	}
	return &snap, nil
}
