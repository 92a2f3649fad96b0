package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/dreamteam/internal/metrics"
	"github.com/aristath/dreamteam/internal/scheduler"
)

// RecordSnapshot computes and stores the global metrics snapshot over the
// trailing window.
func (s *Service) RecordSnapshot(ctx context.Context) (*metrics.Snapshot, error) {
	snaps, err := s.record(ctx, false)
	if err != nil {
		return nil, err
	}
	return snaps[0], nil
}

// RecordPerRole stores the global snapshot plus one snapshot per role seen
// in the queue or the window. The global snapshot comes first.
func (s *Service) RecordPerRole(ctx context.Context) ([]*metrics.Snapshot, error) {
	return s.record(ctx, true)
}

func (s *Service) record(ctx context.Context, perRole bool) ([]*metrics.Snapshot, error) {
	now := s.now()
	since := now.Add(-s.cfg.MetricsWindow)
	tasks, err := s.store.ListTasks(ctx, scheduler.TaskFilter{
		Statuses:       []scheduler.TaskStatus{scheduler.TaskCompleted, scheduler.TaskFailed},
		CompletedSince: &since,
	})
	if err != nil {
		return nil, fmt.Errorf("listing finished tasks: %w", err)
	}
	// Failures that were retried sit in pending or active with their last
	// error kept; they count toward the error breakdown.
	retried, err := s.store.ListTasks(ctx, scheduler.TaskFilter{
		Statuses:     []scheduler.TaskStatus{scheduler.TaskPending, scheduler.TaskActive},
		UpdatedSince: &since,
	})
	if err != nil {
		return nil, fmt.Errorf("listing retried tasks: %w", err)
	}
	tasks = append(tasks, retried...)
	depth, err := s.store.CountByStatus(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	s.recorder.SetQueueDepth(depth)

	roles := []string{""}
	if perRole {
		roles = append(roles, s.roles(ctx, tasks)...)
	}

	out := make([]*metrics.Snapshot, 0, len(roles))
	for _, role := range roles {
		d := depth
		if role != "" {
			if d, err = s.store.CountByStatus(ctx, role); err != nil {
				return nil, fmt.Errorf("counting tasks for role %s: %w", role, err)
			}
		}
		snap := metrics.Aggregate(role, d, tasks, now, s.cfg.MetricsWindow)
		if err := s.store.SaveSnapshot(ctx, snap); err != nil {
			return nil, fmt.Errorf("saving snapshot: %w", err)
		}
		out = append(out, snap)
	}
	s.log.Debug("metrics snapshot recorded", "roles", len(out), "completed", out[0].Completed, "failed", out[0].Failed)
	return out, nil
}

// roles returns the sorted set of roles with finished or waiting work.
func (s *Service) roles(ctx context.Context, seenTasks []*scheduler.Task) []string {
	seen := make(map[string]bool)
	for _, t := range seenTasks {
		seen[t.Role] = true
	}
	open, err := s.store.ListTasks(ctx, scheduler.TaskFilter{
		Statuses: []scheduler.TaskStatus{scheduler.TaskPending, scheduler.TaskAwaitingApproval, scheduler.TaskActive},
	})
	if err != nil {
		s.log.Warn("listing open tasks for role snapshots", "error", err)
	}
	for _, t := range open {
		seen[t.Role] = true
	}

	roles := make([]string, 0, len(seen))
	for r := range seen {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// GetMetricsSnapshot returns the latest stored snapshot for role ("" is
// global).
func (s *Service) GetMetricsSnapshot(ctx context.Context, role string) (*metrics.Snapshot, error) {
	return s.store.LatestSnapshot(ctx, role)
}

// GetMetricsTrend returns snapshots for role taken within window, oldest
// first, capped at TrendLimit. window <= 0 uses MetricsWindow.
func (s *Service) GetMetricsTrend(ctx context.Context, role string, window time.Duration) ([]*metrics.Snapshot, error) {
	if window <= 0 {
		window = s.cfg.MetricsWindow
	}
	return s.store.ListSnapshots(ctx, role, s.now().Add(-window), s.cfg.TrendLimit)
}
