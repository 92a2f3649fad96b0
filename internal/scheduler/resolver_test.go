package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// fakeLookup is an in-memory TaskLookup.
type fakeLookup struct {
	tasks map[string]*Task
	calls int
}

func newFakeLookup(tasks ...*Task) *fakeLookup {
	f := &fakeLookup{tasks: make(map[string]*Task)}
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeLookup) GetTasks(_ context.Context, ids []string) (map[string]*Task, error) {
	f.calls++
	out := make(map[string]*Task, len(ids))
	for _, id := range ids {
		if t, ok := f.tasks[id]; ok {
			out[id] = t.Clone()
		}
	}
	return out, nil
}

func (f *fakeLookup) ListTasks(_ context.Context, filter TaskFilter) ([]*Task, error) {
	var out []*Task
	for _, t := range f.tasks {
		if filter.Role != "" && t.Role != filter.Role {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, t.Status) {
			continue
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

func containsStatus(list []TaskStatus, s TaskStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func task(id string, status TaskStatus, deps ...string) *Task {
	return &Task{ID: id, Role: "coder", Status: status, DependsOn: deps, CreatedAt: time.Unix(0, 0)}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		tasks     []*Task
		target    string
		wantState ResolutionState
		failedBy  string
	}{
		{
			name:      "no dependencies",
			tasks:     []*Task{task("a", TaskPending)},
			target:    "a",
			wantState: Eligible,
		},
		{
			name:      "completed dependency",
			tasks:     []*Task{task("a", TaskCompleted), task("b", TaskPending, "a")},
			target:    "b",
			wantState: Eligible,
		},
		{
			name:      "duplicated completed edge",
			tasks:     []*Task{task("a", TaskCompleted), task("b", TaskPending, "a", "a")},
			target:    "b",
			wantState: Eligible,
		},
		{
			name:      "active dependency",
			tasks:     []*Task{task("a", TaskActive), task("b", TaskPending, "a")},
			target:    "b",
			wantState: BlockedPending,
		},
		{
			name:      "failed dependency",
			tasks:     []*Task{task("a", TaskFailed), task("b", TaskPending, "a")},
			target:    "b",
			wantState: BlockedFailed,
			failedBy:  "a",
		},
		{
			name:      "cancelled dependency",
			tasks:     []*Task{task("a", TaskCancelled), task("b", TaskPending, "a")},
			target:    "b",
			wantState: BlockedFailed,
			failedBy:  "a",
		},
		{
			name:      "missing dependency",
			tasks:     []*Task{task("b", TaskPending, "ghost")},
			target:    "b",
			wantState: BlockedFailed,
			failedBy:  "ghost",
		},
		{
			name: "transitively failed",
			tasks: []*Task{
				task("a", TaskFailed),
				task("b", TaskPending, "a"),
				task("c", TaskPending, "b"),
			},
			target:    "c",
			wantState: BlockedFailed,
			failedBy:  "a",
		},
		{
			name: "one completed one pending",
			tasks: []*Task{
				task("a", TaskCompleted),
				task("b", TaskPending),
				task("c", TaskPending, "a", "b"),
			},
			target:    "c",
			wantState: BlockedPending,
		},
		{
			name: "completed task with failed dependency",
			tasks: []*Task{
				task("a", TaskFailed),
				task("b", TaskCompleted, "a"),
			},
			target:    "b",
			wantState: BlockedFailed,
			failedBy:  "a",
		},
		{
			name: "cycle in stored data",
			tasks: []*Task{
				task("a", TaskPending, "b"),
				task("b", TaskPending, "a"),
			},
			target:    "a",
			wantState: BlockedPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := newFakeLookup(tt.tasks...)
			r := NewResolver(lookup, 0)

			res, err := r.Resolve(context.Background(), lookup.tasks[tt.target])
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if res.State != tt.wantState {
				t.Errorf("state = %s, want %s (reason %q)", res.State, tt.wantState, res.Reason)
			}
			if res.FailedBy != tt.failedBy {
				t.Errorf("FailedBy = %q, want %q", res.FailedBy, tt.failedBy)
			}
		})
	}
}

func TestResolveDepthCap(t *testing.T) {
	// chain t0 <- t1 <- ... <- t9 with t0 failed; a cap of 3 cannot see it.
	var tasks []*Task
	tasks = append(tasks, task("t0", TaskFailed))
	for i := 1; i < 10; i++ {
		tasks = append(tasks, task(fmt.Sprintf("t%d", i), TaskPending, fmt.Sprintf("t%d", i-1)))
	}
	lookup := newFakeLookup(tasks...)

	shallow := NewResolver(lookup, 3)
	res, err := shallow.Resolve(context.Background(), lookup.tasks["t9"])
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.State != BlockedPending {
		t.Errorf("capped state = %s, want blocked_pending", res.State)
	}

	deep := NewResolver(lookup, 0)
	res, err = deep.Resolve(context.Background(), lookup.tasks["t9"])
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.State != BlockedFailed || res.FailedBy != "t0" {
		t.Errorf("uncapped = %s by %q, want blocked_failed by t0", res.State, res.FailedBy)
	}
}

func TestEligibleOrderingAndGates(t *testing.T) {
	now := time.Unix(1000, 0)
	base := time.Unix(0, 0)
	future := now.Add(time.Minute)

	tasks := []*Task{
		{ID: "low", Role: "coder", Status: TaskPending, Priority: 1, CreatedAt: base},
		{ID: "high-late", Role: "coder", Status: TaskPending, Priority: 5, CreatedAt: base.Add(2 * time.Second)},
		{ID: "high-early", Role: "coder", Status: TaskPending, Priority: 5, CreatedAt: base.Add(time.Second)},
		{ID: "backoff", Role: "coder", Status: TaskPending, Priority: 9, NextRetryAt: &future, CreatedAt: base},
		{ID: "gated", Role: "coder", Status: TaskPending, Priority: 9, ApprovalRequired: true, CreatedAt: base},
		{ID: "blocked", Role: "coder", Status: TaskPending, Priority: 9, DependsOn: []string{"low"}, CreatedAt: base},
		{ID: "reviewer", Role: "reviewer", Status: TaskPending, Priority: 9, CreatedAt: base},
	}
	r := NewResolver(newFakeLookup(tasks...), 0)

	got, err := r.Eligible(context.Background(), "coder", now, 0)
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	want := []string{"high-early", "high-late", "low"}
	if len(got) != len(want) {
		t.Fatalf("got %d tasks, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, id)
		}
	}

	limited, err := r.Eligible(context.Background(), "coder", now, 1)
	if err != nil {
		t.Fatalf("Eligible limit: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "high-early" {
		t.Errorf("limit 1 = %v, want [high-early]", limited)
	}
}

func TestResolveAllSharesFetches(t *testing.T) {
	lookup := newFakeLookup(
		task("root", TaskCompleted),
		task("a", TaskPending, "root"),
		task("b", TaskPending, "root"),
		task("c", TaskPending, "root"),
	)
	r := NewResolver(lookup, 0)

	roots := []*Task{lookup.tasks["a"], lookup.tasks["b"], lookup.tasks["c"]}
	res, err := r.ResolveAll(context.Background(), roots)
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if res[id].State != Eligible {
			t.Errorf("%s = %s, want eligible", id, res[id].State)
		}
	}
	if lookup.calls != 1 {
		t.Errorf("GetTasks called %d times, want 1", lookup.calls)
	}
}

func TestClosure(t *testing.T) {
	lookup := newFakeLookup(
		task("root", TaskFailed),
		task("mid", TaskFailed, "root"),
		task("leaf", TaskFailed, "mid", "mid"),
	)
	r := NewResolver(lookup, 0)

	tree, err := r.Closure(context.Background(), []string{"leaf"}, 0)
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	if len(tree.Nodes) != 3 {
		t.Fatalf("got %d nodes, want 3", len(tree.Nodes))
	}
	if n := tree.Node("root"); n == nil || n.Depth != 2 {
		t.Errorf("root node = %+v, want depth 2", n)
	}
	if tree.Truncated || len(tree.Cycles) != 0 || len(tree.Missing) != 0 {
		t.Errorf("unexpected tree flags: %+v", tree)
	}
}

func TestClosureCycleAndCap(t *testing.T) {
	lookup := newFakeLookup(
		task("a", TaskPending, "b"),
		task("b", TaskPending, "c"),
		task("c", TaskPending, "a", "ghost"),
	)
	r := NewResolver(lookup, 0)

	tree, err := r.Closure(context.Background(), []string{"a"}, 0)
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	if len(tree.Nodes) != 3 {
		t.Errorf("got %d nodes, want 3", len(tree.Nodes))
	}
	if len(tree.Cycles) != 1 {
		t.Errorf("cycles = %v, want one back edge", tree.Cycles)
	}
	if len(tree.Missing) != 1 || tree.Missing[0] != "ghost" {
		t.Errorf("missing = %v, want [ghost]", tree.Missing)
	}

	capped, err := r.Closure(context.Background(), []string{"a"}, 1)
	if err != nil {
		t.Fatalf("Closure capped: %v", err)
	}
	if !capped.Truncated || len(capped.Nodes) != 2 {
		t.Errorf("capped tree = %d nodes truncated=%v, want 2 nodes truncated", len(capped.Nodes), capped.Truncated)
	}
}
