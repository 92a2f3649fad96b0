package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/dreamteam/internal/events"
	"github.com/aristath/dreamteam/internal/metrics"
	"github.com/aristath/dreamteam/internal/scheduler"
)

// minFailureSample is the number of finished tasks in the window needed
// before the failure-rate alert can fire.
const minFailureSample = 5

// Alert strings reported by GetQueueHealth.
const (
	AlertStuckTasks      = "stuck tasks"
	AlertStaleTasks      = "stale tasks"
	AlertHighFailureRate = "high failure rate"
)

// BlockedTask pairs a waiting task with the reason it cannot run.
type BlockedTask struct {
	Task       *scheduler.Task      `json:"task"`
	Resolution scheduler.Resolution `json:"resolution"`
}

// QueueHealth summarizes the queue for operators.
type QueueHealth struct {
	Counts               map[scheduler.TaskStatus]int `json:"counts"`
	Eligible             int                          `json:"eligible"`
	Blocked              int                          `json:"blocked"`        // Pending on unfinished dependencies
	BlockedFailed        int                          `json:"blocked_failed"` // Waiting on a failed dependency
	PendingRetry         int                          `json:"pending_retry"`  // Backing off
	Stuck                int                          `json:"stuck"`
	Stale                int                          `json:"stale"`
	OldestPendingSeconds int64                        `json:"oldest_pending_seconds"`
	FailureRate          float64                      `json:"failure_rate"`
	Alerts               []string                     `json:"alerts,omitempty"`
	CheckedAt            time.Time                    `json:"checked_at"`
}

// SweepReport is the outcome of one watchdog sweep.
type SweepReport struct {
	Requeued int
	Failed   int // Stuck tasks with no retries left
	Repaired int // Blocked tasks failed by dependency
}

// isStuck reports whether an active task ran past its timeout without a
// fresh heartbeat, or past timeout plus the maximum heartbeat extension.
// The heartbeat stamped at claim time does not count.
func (s *Service) isStuck(t *scheduler.Task, now time.Time) bool {
	if t.Status != scheduler.TaskActive || t.StartedAt == nil {
		return false
	}
	timeout := t.Timeout(s.cfg.DefaultTimeout)
	elapsed := now.Sub(*t.StartedAt)
	if elapsed <= timeout {
		return false
	}
	if elapsed > timeout+s.cfg.MaxHeartbeatExtension {
		return true
	}
	hb := t.LastHeartbeatAt
	if hb == nil || !hb.After(*t.StartedAt) {
		return true
	}
	return now.Sub(*hb) > s.cfg.HeartbeatGrace
}

// GetStuck returns active tasks that exceeded their timeout.
func (s *Service) GetStuck(ctx context.Context) ([]*scheduler.Task, error) {
	active, err := s.store.ListTasks(ctx, scheduler.TaskFilter{Statuses: []scheduler.TaskStatus{scheduler.TaskActive}})
	if err != nil {
		return nil, fmt.Errorf("listing active tasks: %w", err)
	}
	now := s.now()
	var stuck []*scheduler.Task
	for _, t := range active {
		if s.isStuck(t, now) {
			stuck = append(stuck, t)
		}
	}
	return stuck, nil
}

// RequeueStuck reclaims a stuck task. The task is re-read and must still
// be stuck; otherwise requeued is false and nothing changes. With retries
// left it returns to pending with backoff, else it fails with error type
// timeout and its dependents are cascade-failed.
func (s *Service) RequeueStuck(ctx context.Context, id, reason string) (task *scheduler.Task, requeued bool, err error) {
	now := s.now()
	var decision scheduler.Decision
	t, err := s.update(ctx, id, func(t *scheduler.Task) error {
		if !s.isStuck(t, now) {
			return errNoop
		}
		t.Error = scheduler.TruncateError(reason, s.cfg.MaxErrorLength)
		t.ErrorType = scheduler.ErrorTimeout
		t.DurationMs = elapsedMs(t, now)

		decision = s.policy.Decide(t, now)
		if decision.Retry {
			return scheduler.ApplyRetry(t, decision, now)
		}
		t.NextRetryAt = nil
		return scheduler.Transition(t, scheduler.TaskFailed, now)
	})
	if errors.Is(err, errNoop) {
		return t, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.recorder.TaskRequeued(t.Role)
	s.publish(events.TopicTask, events.TaskRequeuedEvent{
		ID:        t.ID,
		Role:      t.Role,
		Reason:    reason,
		Final:     !decision.Retry,
		Timestamp: now,
	})
	if decision.Retry {
		s.recorder.RetryScheduled(t.Role, scheduler.ErrorTimeout)
		s.log.Warn("stuck task requeued", "task_id", t.ID, "role", t.Role, "retry_count", t.RetryCount, "delay", decision.Delay, "reason", reason)
		return t, true, nil
	}
	s.recorder.TaskFailed(t.Role, scheduler.ErrorTimeout)
	s.log.Warn("stuck task failed", "task_id", t.ID, "role", t.Role, "error_type", scheduler.ErrorTimeout, "reason", reason)
	s.onTerminal(ctx, t)
	return t, true, nil
}

// SweepStuck requeues every stuck task and fails waiting tasks whose
// dependencies already failed. It publishes a QueueHealthEvent.
func (s *Service) SweepStuck(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	stuck, err := s.GetStuck(ctx)
	if err != nil {
		return report, err
	}
	now := s.now()
	for _, t := range stuck {
		reason := fmt.Sprintf("task exceeded timeout of %s (running %s)",
			t.Timeout(s.cfg.DefaultTimeout), now.Sub(*t.StartedAt).Truncate(time.Second))
		updated, ok, err := s.RequeueStuck(ctx, t.ID, reason)
		if err != nil {
			s.log.Error("requeue stuck task", "task_id", t.ID, "role", t.Role, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if updated.Status == scheduler.TaskFailed {
			report.Failed++
		} else {
			report.Requeued++
		}
	}

	blocked, err := s.GetBlocked(ctx)
	if err != nil {
		return report, err
	}
	for _, b := range blocked {
		if b.Resolution.State != scheduler.BlockedFailed {
			continue
		}
		ok, err := s.failBlocked(ctx, b.Task.ID, b.Resolution, 0)
		if err != nil {
			s.log.Error("repair blocked task", "task_id", b.Task.ID, "error", err)
			continue
		}
		if ok {
			report.Repaired++
		}
	}

	if report.Requeued+report.Failed+report.Repaired > 0 {
		s.log.Info("watchdog sweep", "requeued", report.Requeued, "failed", report.Failed, "repaired", report.Repaired)
	}

	health, err := s.GetQueueHealth(ctx)
	if err != nil {
		return report, err
	}
	s.recorder.SetQueueDepth(health.Counts)
	s.publish(events.TopicQueue, events.QueueHealthEvent{
		Counts:    health.Counts,
		Stuck:     health.Stuck,
		Stale:     health.Stale,
		Alerts:    health.Alerts,
		Timestamp: health.CheckedAt,
	})
	return report, nil
}

// waiting loads pending and awaiting_approval tasks with their resolutions.
func (s *Service) waiting(ctx context.Context) ([]*scheduler.Task, map[string]scheduler.Resolution, error) {
	tasks, err := s.store.ListTasks(ctx, scheduler.TaskFilter{
		Statuses: []scheduler.TaskStatus{scheduler.TaskPending, scheduler.TaskAwaitingApproval},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("listing waiting tasks: %w", err)
	}
	res, err := s.resolver.ResolveAll(ctx, tasks)
	if err != nil {
		return nil, nil, err
	}
	return tasks, res, nil
}

// GetBlocked returns waiting tasks that are not eligible because of their
// dependencies.
func (s *Service) GetBlocked(ctx context.Context) ([]BlockedTask, error) {
	tasks, res, err := s.waiting(ctx)
	if err != nil {
		return nil, err
	}
	var out []BlockedTask
	for _, t := range tasks {
		if r := res[t.ID]; r.State != scheduler.Eligible {
			out = append(out, BlockedTask{Task: t, Resolution: r})
		}
	}
	return out, nil
}

func (s *Service) isStale(t *scheduler.Task, res scheduler.Resolution, now time.Time) bool {
	if now.Sub(t.CreatedAt) <= s.cfg.StaleAfter {
		return false
	}
	return t.Status == scheduler.TaskAwaitingApproval || res.State != scheduler.Eligible
}

// GetStale returns waiting tasks older than StaleAfter that have no path
// to running: blocked on dependencies or still awaiting approval.
func (s *Service) GetStale(ctx context.Context) ([]BlockedTask, error) {
	tasks, res, err := s.waiting(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []BlockedTask
	for _, t := range tasks {
		if r := res[t.ID]; s.isStale(t, r, now) {
			out = append(out, BlockedTask{Task: t, Resolution: r})
		}
	}
	return out, nil
}

// GetRetryable returns pending tasks whose backoff has elapsed, ordered by
// priority desc then next_retry_at asc.
func (s *Service) GetRetryable(ctx context.Context) ([]*scheduler.Task, error) {
	now := s.now()
	tasks, err := s.store.ListTasks(ctx, scheduler.TaskFilter{
		Statuses: []scheduler.TaskStatus{scheduler.TaskPending},
		RetryDue: &now,
	})
	if err != nil {
		return nil, fmt.Errorf("listing retryable tasks: %w", err)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.NextRetryAt.Before(*b.NextRetryAt)
	})
	return tasks, nil
}

// SweepRetryable wakes dispatchers for every role with a retry due.
// Returns the number of due tasks.
func (s *Service) SweepRetryable(ctx context.Context) (int, error) {
	due, err := s.GetRetryable(ctx)
	if err != nil {
		return 0, err
	}
	woken := make(map[string]bool)
	for _, t := range due {
		if !woken[t.Role] {
			woken[t.Role] = true
			s.wake(ctx, t.Role)
		}
	}
	return len(due), nil
}

// GetQueueHealth computes queue counts and operator alerts.
func (s *Service) GetQueueHealth(ctx context.Context) (*QueueHealth, error) {
	counts, err := s.store.CountByStatus(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	tasks, res, err := s.waiting(ctx)
	if err != nil {
		return nil, err
	}
	stuck, err := s.GetStuck(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	h := &QueueHealth{Counts: counts, Stuck: len(stuck), CheckedAt: now}
	var oldest *time.Time
	for _, t := range tasks {
		r := res[t.ID]
		if s.isStale(t, r, now) {
			h.Stale++
		}
		if r.State == scheduler.BlockedFailed {
			h.BlockedFailed++
			continue
		}
		if t.Status != scheduler.TaskPending {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(*oldest) {
			oldest = scheduler.TimePtr(t.CreatedAt)
		}
		switch {
		case t.BackingOff(now):
			h.PendingRetry++
		case r.State == scheduler.Eligible:
			h.Eligible++
		default:
			h.Blocked++
		}
	}
	if oldest != nil {
		h.OldestPendingSeconds = int64(now.Sub(*oldest).Seconds())
	}

	since := now.Add(-s.cfg.MetricsWindow)
	finished, err := s.store.ListTasks(ctx, scheduler.TaskFilter{
		Statuses:       []scheduler.TaskStatus{scheduler.TaskCompleted, scheduler.TaskFailed},
		CompletedSince: &since,
	})
	if err != nil {
		return nil, fmt.Errorf("listing finished tasks: %w", err)
	}
	snap := metrics.Aggregate("", counts, finished, now, s.cfg.MetricsWindow)
	h.FailureRate = snap.FailureRate()

	if h.Stuck > 0 {
		h.Alerts = append(h.Alerts, AlertStuckTasks)
	}
	if h.Stale > 0 {
		h.Alerts = append(h.Alerts, AlertStaleTasks)
	}
	if snap.Completed+snap.Failed >= minFailureSample && h.FailureRate > s.cfg.HighFailureRate {
		h.Alerts = append(h.Alerts, AlertHighFailureRate)
	}
	return h, nil
}
