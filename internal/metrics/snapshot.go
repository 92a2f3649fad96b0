// Package metrics computes queue snapshots and exports Prometheus metrics.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/aristath/dreamteam/internal/scheduler"
)

// Snapshot is an immutable point-in-time view of the queue. Role "" is the
// global snapshot.
type Snapshot struct {
	ID          string                       `json:"id"`
	Role        string                       `json:"role"`
	TakenAt     time.Time                    `json:"taken_at"`
	Window      time.Duration                `json:"window"`
	QueueDepth  map[scheduler.TaskStatus]int `json:"queue_depth"`
	Completed   int                          `json:"completed"`
	Failed      int                          `json:"failed"`
	P50Ms       int64                        `json:"p50_ms"`
	P95Ms       int64                        `json:"p95_ms"`
	P99Ms       int64                        `json:"p99_ms"`
	SuccessRate float64                      `json:"success_rate"`
	ErrorTypes  map[scheduler.ErrorType]int  `json:"error_types"`
}

// Aggregate builds a snapshot from the tasks that finished in the window
// ending at now and the current queue depth. Pending and active tasks that
// were retried after a failure in the window add their last error type to
// ErrorTypes without counting as failed. Tasks outside the window or role
// are ignored.
func Aggregate(role string, depth map[scheduler.TaskStatus]int, tasks []*scheduler.Task, now time.Time, window time.Duration) *Snapshot {
	snap := &Snapshot{
		Role:       role,
		TakenAt:    now,
		Window:     window,
		QueueDepth: make(map[scheduler.TaskStatus]int, len(scheduler.AllStatuses)),
		ErrorTypes: make(map[scheduler.ErrorType]int),
	}
	for _, st := range scheduler.AllStatuses {
		snap.QueueDepth[st] = depth[st]
	}

	since := now.Add(-window)
	var durations []int64
	for _, t := range tasks {
		if role != "" && t.Role != role {
			continue
		}
		if retriedFailure(t, since, now) {
			snap.ErrorTypes[t.ErrorType]++
			continue
		}
		if t.CompletedAt == nil || t.CompletedAt.Before(since) || t.CompletedAt.After(now) {
			continue
		}
		switch t.Status {
		case scheduler.TaskCompleted:
			snap.Completed++
			durations = append(durations, t.DurationMs)
		case scheduler.TaskFailed:
			snap.Failed++
			et := t.ErrorType
			if et == scheduler.ErrorNone {
				et = scheduler.ErrorUnknown
			}
			snap.ErrorTypes[et]++
		}
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	snap.P50Ms = Percentile(durations, 50)
	snap.P95Ms = Percentile(durations, 95)
	snap.P99Ms = Percentile(durations, 99)
	if total := snap.Completed + snap.Failed; total > 0 {
		snap.SuccessRate = float64(snap.Completed) / float64(total)
	}
	return snap
}

func retriedFailure(t *scheduler.Task, since, now time.Time) bool {
	if t.Status != scheduler.TaskPending && t.Status != scheduler.TaskActive {
		return false
	}
	if t.RetryCount == 0 || t.ErrorType == scheduler.ErrorNone {
		return false
	}
	return !t.UpdatedAt.Before(since) && !t.UpdatedAt.After(now)
}

// Percentile returns the nearest-rank percentile p of sorted values, or 0
// for an empty slice.
func Percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// FailureRate returns failed / (completed + failed), or 0.
func (s *Snapshot) FailureRate() float64 {
	total := s.Completed + s.Failed
	if total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(total)
}
