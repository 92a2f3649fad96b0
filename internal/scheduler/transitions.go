package scheduler

import (
	"fmt"
	"time"
)

// transitions is the complete state machine. Any status change not listed
// here is rejected by Transition.
var transitions = map[TaskStatus][]TaskStatus{
	TaskPending:          {TaskActive, TaskFailed, TaskCancelled},
	TaskAwaitingApproval: {TaskPending, TaskFailed, TaskCancelled},
	TaskActive:           {TaskCompleted, TaskFailed, TaskPending, TaskCancelled},
	TaskFailed:           {TaskPending},
	TaskCompleted:        {},
	TaskCancelled:        {},
}

// CanTransition reports whether from -> to is an allowed status change.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the task to the given status, stamping UpdatedAt and
// keeping CompletedAt set exactly while the status is terminal.
func Transition(task *Task, to TaskStatus, now time.Time) error {
	if !CanTransition(task.Status, to) {
		return fmt.Errorf("%w: task %s from %s to %s", ErrInvalidTransition, task.ID, task.Status, to)
	}

	task.Status = to
	task.UpdatedAt = now
	if to.IsTerminal() {
		task.CompletedAt = TimePtr(now)
	} else {
		task.CompletedAt = nil
	}
	return nil
}

// InitialStatus returns the creation status for a task.
func InitialStatus(approvalRequired bool) TaskStatus {
	if approvalRequired {
		return TaskAwaitingApproval
	}
	return TaskPending
}
