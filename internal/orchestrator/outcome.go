package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/dreamteam/internal/events"
	"github.com/aristath/dreamteam/internal/scheduler"
	"github.com/bytedance/sonic"
)

// Complete records a successful result for an active task. Reporting on a
// task that already reached a terminal status is a logged no-op.
func (s *Service) Complete(ctx context.Context, id string, result json.RawMessage) (*scheduler.Task, error) {
	return s.complete(ctx, id, result, nil)
}

// CompleteAttempt is Complete restricted to the attempt that started at
// startedAt. Reports for a superseded attempt return ErrAttemptSuperseded.
func (s *Service) CompleteAttempt(ctx context.Context, id string, startedAt time.Time, result json.RawMessage) (*scheduler.Task, error) {
	return s.complete(ctx, id, result, &startedAt)
}

// Fail records a failed attempt. The retry policy decides, in the same
// write, whether the task goes back to pending with backoff or fails for
// good. An empty errType is recorded as unknown.
func (s *Service) Fail(ctx context.Context, id, msg string, errType scheduler.ErrorType) (*scheduler.Task, error) {
	return s.fail(ctx, id, msg, errType, nil)
}

// FailAttempt is Fail restricted to the attempt that started at startedAt.
func (s *Service) FailAttempt(ctx context.Context, id string, startedAt time.Time, msg string, errType scheduler.ErrorType) (*scheduler.Task, error) {
	return s.fail(ctx, id, msg, errType, &startedAt)
}

func (s *Service) complete(ctx context.Context, id string, result json.RawMessage, attempt *time.Time) (*scheduler.Task, error) {
	if len(result) > 0 && !sonic.Valid(result) {
		return nil, fmt.Errorf("%w: result is not valid JSON", scheduler.ErrValidation)
	}

	now := s.now()
	t, err := s.update(ctx, id, func(t *scheduler.Task) error {
		if err := checkReport(t, attempt); err != nil {
			return err
		}
		if err := scheduler.Transition(t, scheduler.TaskCompleted, now); err != nil {
			return err
		}
		t.Result = result
		t.Error = ""
		t.ErrorType = scheduler.ErrorNone
		t.NextRetryAt = nil
		t.DurationMs = elapsedMs(t, now)
		return nil
	})
	if err != nil {
		return s.reportRejected(id, t, err, "completed")
	}

	took := time.Duration(t.DurationMs) * time.Millisecond
	s.recorder.TaskCompleted(t.Role, took)
	s.publish(events.TopicTask, events.TaskCompletedEvent{ID: t.ID, Role: t.Role, Duration: took, Timestamp: now})
	s.log.Info("task completed", "task_id", t.ID, "role", t.Role, "duration_ms", t.DurationMs)
	s.onTerminal(ctx, t)
	return t, nil
}

func (s *Service) fail(ctx context.Context, id, msg string, errType scheduler.ErrorType, attempt *time.Time) (*scheduler.Task, error) {
	msg = scheduler.TruncateError(msg, s.cfg.MaxErrorLength)
	if errType == scheduler.ErrorNone {
		errType = scheduler.ErrorUnknown
	}
	errType = scheduler.ParseErrorType(string(errType))

	now := s.now()
	var decision scheduler.Decision
	t, err := s.update(ctx, id, func(t *scheduler.Task) error {
		if err := checkReport(t, attempt); err != nil {
			return err
		}
		if t.Status != scheduler.TaskActive {
			return fmt.Errorf("%w: task %s is %s, not active", scheduler.ErrInvalidTransition, t.ID, t.Status)
		}
		t.Error = msg
		t.ErrorType = errType
		t.DurationMs = elapsedMs(t, now)

		decision = s.policy.Decide(t, now)
		if decision.Retry {
			return scheduler.ApplyRetry(t, decision, now)
		}
		t.NextRetryAt = nil
		return scheduler.Transition(t, scheduler.TaskFailed, now)
	})
	if err != nil {
		return s.reportRejected(id, t, err, "failed")
	}

	if decision.Retry {
		s.recorder.RetryScheduled(t.Role, errType)
		s.publish(events.TopicTask, events.TaskRetryScheduledEvent{
			ID:          t.ID,
			Role:        t.Role,
			RetryCount:  t.RetryCount,
			ErrorType:   errType,
			NextRetryAt: decision.NextRetryAt,
			Timestamp:   now,
		})
		s.log.Info("task retry scheduled",
			"task_id", t.ID, "role", t.Role, "error_type", errType,
			"retry_count", t.RetryCount, "max_retries", t.MaxRetries, "delay", decision.Delay)
		return t, nil
	}

	s.recorder.TaskFailed(t.Role, errType)
	s.publish(events.TopicTask, events.TaskFailedEvent{ID: t.ID, Role: t.Role, Error: msg, ErrorType: errType, Timestamp: now})
	s.log.Warn("task failed", "task_id", t.ID, "role", t.Role, "error_type", errType, "error", msg, "retry_count", t.RetryCount)
	s.onTerminal(ctx, t)
	return t, nil
}

// checkReport rejects outcome reports that do not belong to the current
// attempt and turns reports on terminal tasks into no-ops.
func checkReport(t *scheduler.Task, attempt *time.Time) error {
	if attempt != nil && (t.StartedAt == nil || !t.StartedAt.Equal(*attempt)) {
		return fmt.Errorf("%w: task %s attempt started at %s", scheduler.ErrAttemptSuperseded, t.ID, attempt.Format(time.RFC3339Nano))
	}
	if t.Status.IsTerminal() {
		return errNoop
	}
	return nil
}

// reportRejected maps the outcome of a refused report. Duplicate terminal
// reports and superseded attempts are logged at WARN. t is the current
// task for duplicates and nil otherwise.
func (s *Service) reportRejected(id string, t *scheduler.Task, err error, outcome string) (*scheduler.Task, error) {
	switch {
	case errors.Is(err, errNoop):
		s.log.Warn("duplicate terminal report ignored", "task_id", id, "role", t.Role, "status", t.Status, "report", outcome)
		return t, nil
	case errors.Is(err, scheduler.ErrAttemptSuperseded):
		s.log.Warn("report for superseded attempt dropped", "task_id", id, "report", outcome, "error", err)
	}
	return nil, err
}

// Retry manually retries a task. A failed task with retry budget left
// returns to pending with its retry count incremented; a pending task
// that is backing off becomes eligible immediately.
func (s *Service) Retry(ctx context.Context, id string) (*scheduler.Task, error) {
	now := s.now()
	t, err := s.update(ctx, id, func(t *scheduler.Task) error {
		switch t.Status {
		case scheduler.TaskFailed:
			if !t.IsRetryable || t.RetryCount >= t.MaxRetries {
				return fmt.Errorf("%w: task %s used %d of %d retries (retryable=%t)",
					scheduler.ErrNotRetryable, t.ID, t.RetryCount, t.MaxRetries, t.IsRetryable)
			}
			return revive(t, now)
		case scheduler.TaskPending:
			if t.NextRetryAt == nil {
				return errNoop
			}
			t.NextRetryAt = nil
			t.UpdatedAt = now
			return nil
		default:
			return fmt.Errorf("%w: cannot retry task %s in status %s", scheduler.ErrInvalidTransition, t.ID, t.Status)
		}
	})
	if errors.Is(err, errNoop) {
		return t, nil
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("task retried", "task_id", t.ID, "role", t.Role, "retry_count", t.RetryCount)
	return s.settle(ctx, t)
}

// ForceRetry returns a failed task to pending regardless of its retry
// budget or retryable flag. MaxRetries is raised when the new retry count
// would exceed it.
func (s *Service) ForceRetry(ctx context.Context, id string) (*scheduler.Task, error) {
	now := s.now()
	t, err := s.update(ctx, id, func(t *scheduler.Task) error {
		if t.Status != scheduler.TaskFailed {
			return fmt.Errorf("%w: cannot force-retry task %s in status %s", scheduler.ErrInvalidTransition, t.ID, t.Status)
		}
		if err := revive(t, now); err != nil {
			return err
		}
		if t.RetryCount > t.MaxRetries {
			t.MaxRetries = t.RetryCount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Warn("task force-retried", "task_id", t.ID, "role", t.Role, "retry_count", t.RetryCount, "max_retries", t.MaxRetries)
	return s.settle(ctx, t)
}

// revive moves a failed task back to pending for another attempt.
func revive(t *scheduler.Task, now time.Time) error {
	if err := scheduler.Transition(t, scheduler.TaskPending, now); err != nil {
		return err
	}
	t.RetryCount++
	t.NextRetryAt = nil
	t.StartedAt = nil
	t.LastHeartbeatAt = nil
	return nil
}

// Cancel stops a task. Cancelling a cancelled task is a no-op; completed
// and failed tasks return ErrAlreadyTerminal. An in-flight executor is not
// interrupted, but its report will be ignored and dependents fail.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*scheduler.Task, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by operator"
	}

	now := s.now()
	t, err := s.update(ctx, id, func(t *scheduler.Task) error {
		switch t.Status {
		case scheduler.TaskCancelled:
			return errNoop
		case scheduler.TaskCompleted, scheduler.TaskFailed:
			return fmt.Errorf("%w: task %s is %s", scheduler.ErrAlreadyTerminal, t.ID, t.Status)
		}
		if err := scheduler.Transition(t, scheduler.TaskCancelled, now); err != nil {
			return err
		}
		t.NextRetryAt = nil
		t.Error = scheduler.TruncateError(reason, s.cfg.MaxErrorLength)
		t.ErrorType = scheduler.ErrorCancelled
		return nil
	})
	if errors.Is(err, errNoop) {
		return t, nil
	}
	if err != nil {
		return nil, err
	}

	s.recorder.TaskCancelled(t.Role)
	s.publish(events.TopicTask, events.TaskCancelledEvent{ID: t.ID, Role: t.Role, Timestamp: now})
	s.log.Info("task cancelled", "task_id", t.ID, "role", t.Role, "reason", reason)
	s.onTerminal(ctx, t)
	return t, nil
}

// Heartbeat records liveness for an active task.
func (s *Service) Heartbeat(ctx context.Context, id string) (*scheduler.Task, error) {
	now := s.now()
	return s.update(ctx, id, func(t *scheduler.Task) error {
		if t.Status != scheduler.TaskActive {
			return fmt.Errorf("%w: heartbeat for task %s in status %s", scheduler.ErrInvalidTransition, t.ID, t.Status)
		}
		t.LastHeartbeatAt = scheduler.TimePtr(now)
		t.UpdatedAt = now
		return nil
	})
}

// Approve releases a task awaiting approval. Approving an already approved
// task is a no-op.
func (s *Service) Approve(ctx context.Context, id, approver string) (*scheduler.Task, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return nil, fmt.Errorf("%w: approver is required", scheduler.ErrValidation)
	}

	now := s.now()
	t, err := s.update(ctx, id, func(t *scheduler.Task) error {
		switch {
		case t.Status == scheduler.TaskAwaitingApproval:
			if err := scheduler.Transition(t, scheduler.TaskPending, now); err != nil {
				return err
			}
			t.ApprovedBy = approver
			t.ApprovedAt = scheduler.TimePtr(now)
			return nil
		case t.Status.IsTerminal():
			return fmt.Errorf("%w: task %s is %s", scheduler.ErrAlreadyTerminal, t.ID, t.Status)
		case t.ApprovedAt != nil:
			return errNoop
		default:
			return fmt.Errorf("%w: task %s does not require approval", scheduler.ErrInvalidTransition, t.ID)
		}
	})
	if errors.Is(err, errNoop) {
		return t, nil
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("task approved", "task_id", t.ID, "role", t.Role, "approved_by", approver)
	return s.settle(ctx, t)
}

func elapsedMs(t *scheduler.Task, now time.Time) int64 {
	if t.StartedAt == nil {
		return 0
	}
	return now.Sub(*t.StartedAt).Milliseconds()
}
