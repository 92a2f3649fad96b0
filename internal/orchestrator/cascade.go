package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/dreamteam/internal/events"
	"github.com/aristath/dreamteam/internal/scheduler"
)

// onTerminal propagates a terminal transition to the task's dependents.
func (s *Service) onTerminal(ctx context.Context, t *scheduler.Task) {
	switch t.Status {
	case scheduler.TaskCompleted:
		if err := s.releaseDependents(ctx, t); err != nil {
			s.log.Error("release dependents", "task_id", t.ID, "error", err)
		}
	case scheduler.TaskFailed, scheduler.TaskCancelled:
		n, err := s.cascadeFail(ctx, t)
		if err != nil {
			s.log.Error("cascade failure", "task_id", t.ID, "error", err)
		}
		if n > 0 {
			s.log.Info("cascade failed dependents", "task_id", t.ID, "role", t.Role, "count", n)
		}
	}
}

// releaseDependents wakes dispatchers for dependents that became eligible
// when t completed.
func (s *Service) releaseDependents(ctx context.Context, t *scheduler.Task) error {
	ids, err := s.store.Dependents(ctx, t.ID)
	if err != nil || len(ids) == 0 {
		return err
	}
	got, err := s.store.GetTasks(ctx, ids)
	if err != nil {
		return err
	}

	var pending []*scheduler.Task
	for _, id := range ids {
		if d, ok := got[id]; ok && d.Status == scheduler.TaskPending {
			pending = append(pending, d)
		}
	}
	res, err := s.resolver.ResolveAll(ctx, pending)
	if err != nil {
		return err
	}

	now := s.now()
	woken := make(map[string]bool)
	for _, d := range pending {
		if res[d.ID].State != scheduler.Eligible || d.BackingOff(now) {
			continue
		}
		s.publish(events.TopicTask, events.TaskReadyEvent{ID: d.ID, Role: d.Role, Timestamp: now})
		if !woken[d.Role] {
			woken[d.Role] = true
			s.wake(ctx, d.Role)
		}
	}
	return nil
}

type cascadeItem struct {
	task  *scheduler.Task
	depth int
}

// cascadeFail fails every pending or awaiting_approval task that depends,
// directly or transitively, on root. The walk is breadth-first with a
// visited set and stops at MaxCascadeDepth. Returns the number of tasks
// failed.
func (s *Service) cascadeFail(ctx context.Context, root *scheduler.Task) (int, error) {
	visited := map[string]bool{root.ID: true}
	queue := []cascadeItem{{task: root}}
	failed := 0

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if item.depth >= s.cfg.MaxCascadeDepth {
			s.log.Warn("cascade depth cap reached", "task_id", item.task.ID, "depth", item.depth)
			continue
		}

		ids, err := s.store.Dependents(ctx, item.task.ID)
		if err != nil {
			return failed, fmt.Errorf("loading dependents of %s: %w", item.task.ID, err)
		}
		for _, id := range ids {
			if visited[id] {
				continue
			}
			visited[id] = true

			t, ok, err := s.failForDependency(ctx, id, item.task.ID, dependencyError(item.task), item.depth+1)
			if err != nil {
				s.log.Error("cascade fail dependent", "task_id", id, "failed_by", item.task.ID, "error", err)
				continue
			}
			if ok {
				failed++
				queue = append(queue, cascadeItem{task: t, depth: item.depth + 1})
			}
		}
	}
	return failed, nil
}

// failForDependency fails a pending or awaiting_approval task with error
// type dependency_failed. ok is false when the task was in any other
// status and was left alone.
func (s *Service) failForDependency(ctx context.Context, id, failedBy, msg string, depth int) (*scheduler.Task, bool, error) {
	now := s.now()
	t, err := s.update(ctx, id, func(t *scheduler.Task) error {
		if t.Status != scheduler.TaskPending && t.Status != scheduler.TaskAwaitingApproval {
			return errNoop
		}
		if err := scheduler.Transition(t, scheduler.TaskFailed, now); err != nil {
			return err
		}
		t.Error = scheduler.TruncateError(msg, s.cfg.MaxErrorLength)
		t.ErrorType = scheduler.ErrorDependencyFailed
		t.NextRetryAt = nil
		return nil
	})
	if errors.Is(err, errNoop) {
		return t, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.recorder.TaskCascadeFailed(t.Role)
	s.publish(events.TopicTask, events.TaskCascadeFailedEvent{
		ID:        t.ID,
		Role:      t.Role,
		FailedBy:  failedBy,
		Depth:     depth,
		Timestamp: now,
	})
	s.log.Info("task failed by dependency", "task_id", t.ID, "role", t.Role, "failed_by", failedBy, "depth", depth)
	return t, true, nil
}

// failBlocked fails a task the resolver found blocked by a failed
// dependency and cascades from it.
func (s *Service) failBlocked(ctx context.Context, id string, res scheduler.Resolution, depth int) (bool, error) {
	msg := res.Reason
	if upstream, err := s.store.GetTask(ctx, res.FailedBy); err == nil {
		msg = dependencyError(upstream)
	} else if !errors.Is(err, scheduler.ErrTaskNotFound) {
		return false, err
	}

	t, ok, err := s.failForDependency(ctx, id, res.FailedBy, msg, depth)
	if err != nil || !ok {
		return false, err
	}
	if _, err := s.cascadeFail(ctx, t); err != nil {
		return true, err
	}
	return true, nil
}

// settle re-resolves a task that just became pending: it is failed when a
// dependency already failed, and dispatchers are woken when it is
// eligible.
func (s *Service) settle(ctx context.Context, t *scheduler.Task) (*scheduler.Task, error) {
	res, err := s.resolver.Resolve(ctx, t)
	if err != nil {
		return nil, err
	}
	switch res.State {
	case scheduler.BlockedFailed:
		if _, err := s.failBlocked(ctx, t.ID, res, 0); err != nil {
			return nil, err
		}
		return s.store.GetTask(ctx, t.ID)
	case scheduler.Eligible:
		if t.Status == scheduler.TaskPending && !t.BackingOff(s.now()) {
			s.wake(ctx, t.Role)
		}
	}
	return t, nil
}

func dependencyError(upstream *scheduler.Task) string {
	detail := upstream.Error
	if detail == "" {
		detail = string(upstream.Status)
	}
	return fmt.Sprintf("dependency %s failed: %s", upstream.ID, detail)
}
