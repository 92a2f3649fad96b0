package events

import (
	"time"

	"github.com/aristath/dreamteam/internal/scheduler"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicQueue = "queue"
)

// Event type constants
const (
	EventTypeTaskCreated        = "task.created"
	EventTypeTaskClaimed        = "task.claimed"
	EventTypeTaskCompleted      = "task.completed"
	EventTypeTaskFailed         = "task.failed"
	EventTypeTaskRetryScheduled = "task.retry_scheduled"
	EventTypeTaskRequeued       = "task.requeued"
	EventTypeTaskCancelled      = "task.cancelled"
	EventTypeTaskCascadeFailed  = "task.cascade_failed"
	EventTypeTaskReady          = "task.ready"
	EventTypeQueueHealth        = "queue.health"
)

// TaskCreatedEvent is published when a task is stored.
type TaskCreatedEvent struct {
	ID        string
	Role      string
	Status    scheduler.TaskStatus
	Timestamp time.Time
}

func (e TaskCreatedEvent) EventType() string { return EventTypeTaskCreated }
func (e TaskCreatedEvent) TaskID() string    { return e.ID }

// TaskClaimedEvent is published when a task becomes active.
type TaskClaimedEvent struct {
	ID        string
	Role      string
	Attempt   int // RetryCount at claim time
	Timestamp time.Time
}

func (e TaskClaimedEvent) EventType() string { return EventTypeTaskClaimed }
func (e TaskClaimedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Role      string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails permanently.
type TaskFailedEvent struct {
	ID        string
	Role      string
	Error     string
	ErrorType scheduler.ErrorType
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskRetryScheduledEvent is published when a failed attempt is requeued
// with backoff.
type TaskRetryScheduledEvent struct {
	ID          string
	Role        string
	RetryCount  int
	ErrorType   scheduler.ErrorType
	NextRetryAt time.Time
	Timestamp   time.Time
}

func (e TaskRetryScheduledEvent) EventType() string { return EventTypeTaskRetryScheduled }
func (e TaskRetryScheduledEvent) TaskID() string    { return e.ID }

// TaskRequeuedEvent is published when the watchdog reclaims a stuck task.
type TaskRequeuedEvent struct {
	ID        string
	Role      string
	Reason    string
	Final     bool // No retries left; the task failed
	Timestamp time.Time
}

func (e TaskRequeuedEvent) EventType() string { return EventTypeTaskRequeued }
func (e TaskRequeuedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when an operator cancels a task.
type TaskCancelledEvent struct {
	ID        string
	Role      string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// TaskCascadeFailedEvent is published when a task fails because a
// dependency failed or was cancelled.
type TaskCascadeFailedEvent struct {
	ID        string
	Role      string
	FailedBy  string
	Depth     int
	Timestamp time.Time
}

func (e TaskCascadeFailedEvent) EventType() string { return EventTypeTaskCascadeFailed }
func (e TaskCascadeFailedEvent) TaskID() string    { return e.ID }

// TaskReadyEvent is published when a dependency completion makes a task
// eligible.
type TaskReadyEvent struct {
	ID        string
	Role      string
	Timestamp time.Time
}

func (e TaskReadyEvent) EventType() string { return EventTypeTaskReady }
func (e TaskReadyEvent) TaskID() string    { return e.ID }

// QueueHealthEvent is published after each watchdog sweep.
type QueueHealthEvent struct {
	Counts    map[scheduler.TaskStatus]int
	Stuck     int
	Stale     int
	Alerts    []string
	Timestamp time.Time
}

func (e QueueHealthEvent) EventType() string { return EventTypeQueueHealth }
func (e QueueHealthEvent) TaskID() string    { return "" }
