package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/dreamteam/internal/events"
	"github.com/aristath/dreamteam/internal/persistence"
	"github.com/aristath/dreamteam/internal/scheduler"
)

// ClaimNext atomically moves up to max eligible pending tasks of role to
// active and returns them in dispatch order. role "" claims any role.
// An empty result means nothing is eligible.
func (s *Service) ClaimNext(ctx context.Context, role string, max int) ([]*scheduler.Task, error) {
	if max <= 0 {
		max = 1
	}

	now := s.now()
	start := time.Now()
	claimed, err := s.store.ClaimNext(ctx, persistence.ClaimRequest{Role: role, Max: max, Now: now})
	if err != nil {
		return nil, fmt.Errorf("claiming tasks: %w", err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	s.recorder.TasksClaimed(role, len(claimed), time.Since(start))
	for _, t := range claimed {
		s.publish(events.TopicTask, events.TaskClaimedEvent{
			ID:        t.ID,
			Role:      t.Role,
			Attempt:   t.RetryCount,
			Timestamp: now,
		})
		s.log.Debug("task claimed", "task_id", t.ID, "role", t.Role, "attempt", t.RetryCount)
	}
	return claimed, nil
}
