package scheduler

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"           // Waiting for dependencies, backoff or a claimer
	TaskAwaitingApproval TaskStatus = "awaiting_approval" // Gated until an operator approves
	TaskActive           TaskStatus = "active"            // Claimed by exactly one caller
	TaskCompleted        TaskStatus = "completed"         // Finished successfully
	TaskFailed           TaskStatus = "failed"            // Finished with error, no retries left
	TaskCancelled        TaskStatus = "cancelled"         // Stopped by an operator
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TaskStatus{
	TaskPending,
	TaskAwaitingApproval,
	TaskActive,
	TaskCompleted,
	TaskFailed,
	TaskCancelled,
}

// IsTerminal reports whether no further transitions are possible
// without an explicit operator retry.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// Task represents a unit of schedulable work.
type Task struct {
	ID       string          `json:"id"`   // Unique identifier, immutable
	Role     string          `json:"role"` // Executor category; opaque to the scheduler
	Status   TaskStatus      `json:"status"`
	Priority int             `json:"priority"` // Higher is dispatched first
	Payload  json.RawMessage `json:"payload,omitempty"`

	DependsOn []string `json:"depends_on,omitempty"`

	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"` // Truncated
	ErrorType ErrorType       `json:"error_type,omitempty"`

	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"` // Set only while backing off
	IsRetryable bool       `json:"retryable"`

	TimeoutSeconds  int        `json:"timeout_seconds,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationMs      int64      `json:"duration_ms,omitempty"`

	ApprovalRequired bool       `json:"approval_required,omitempty"`
	ApprovedBy       string     `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is bumped by the store on every write; writers compare it
	// to detect conflicting updates.
	Version int64 `json:"version"`
}

// Timeout returns the execution budget for the task.
func (t *Task) Timeout(fallback time.Duration) time.Duration {
	if t.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// BackingOff reports whether the task is pending but must not be claimed yet.
func (t *Task) BackingOff(now time.Time) bool {
	return t.Status == TaskPending && t.NextRetryAt != nil && t.NextRetryAt.After(now)
}

// Gated reports whether the task still needs approval before dispatch.
func (t *Task) Gated() bool {
	return t.ApprovalRequired && t.ApprovedAt == nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	cp.NextRetryAt = cloneTime(t.NextRetryAt)
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.LastHeartbeatAt = cloneTime(t.LastHeartbeatAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.ApprovedAt = cloneTime(t.ApprovedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
