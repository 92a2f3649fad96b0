package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := map[TaskStatus][]TaskStatus{
		TaskPending:          {TaskActive, TaskFailed, TaskCancelled},
		TaskAwaitingApproval: {TaskPending, TaskFailed, TaskCancelled},
		TaskActive:           {TaskCompleted, TaskFailed, TaskPending, TaskCancelled},
		TaskFailed:           {TaskPending},
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTransitionStampsCompletedAt(t *testing.T) {
	now := time.Unix(500, 0)
	task := &Task{ID: "t", Status: TaskActive}

	if err := Transition(task, TaskCompleted, now); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if task.CompletedAt == nil || !task.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v, want %v", task.CompletedAt, now)
	}
	if !task.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", task.UpdatedAt, now)
	}

	err := Transition(task, TaskActive, now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed -> active error = %v, want ErrInvalidTransition", err)
	}
	if task.Status != TaskCompleted {
		t.Errorf("rejected transition changed status to %s", task.Status)
	}

	failed := &Task{ID: "f", Status: TaskFailed, CompletedAt: &now}
	if err := Transition(failed, TaskPending, now); err != nil {
		t.Fatalf("failed -> pending: %v", err)
	}
	if failed.CompletedAt != nil {
		t.Errorf("CompletedAt should be cleared when leaving a terminal status")
	}
}

func TestInitialStatus(t *testing.T) {
	if InitialStatus(true) != TaskAwaitingApproval {
		t.Errorf("approval required should start awaiting_approval")
	}
	if InitialStatus(false) != TaskPending {
		t.Errorf("no approval should start pending")
	}
}

func TestTaskCloneIsDeep(t *testing.T) {
	now := time.Unix(1, 0)
	orig := &Task{ID: "a", DependsOn: []string{"x"}, Payload: []byte(`{"k":1}`), StartedAt: &now}
	cp := orig.Clone()

	cp.DependsOn[0] = "y"
	cp.Payload[0] = '['
	*cp.StartedAt = now.Add(time.Hour)

	if orig.DependsOn[0] != "x" || orig.Payload[0] != '{' || !orig.StartedAt.Equal(now) {
		t.Errorf("mutating the clone changed the original: %+v", orig)
	}
}
