package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// DefaultMaxDepth caps dependency traversals when no depth is configured.
const DefaultMaxDepth = 64

// ResolutionState is the dependency verdict for a task.
type ResolutionState string

const (
	Eligible       ResolutionState = "eligible"
	BlockedPending ResolutionState = "blocked_pending"
	BlockedFailed  ResolutionState = "blocked_failed"
)

// Resolution explains a ResolutionState.
type Resolution struct {
	State ResolutionState `json:"state"`
	// Waiting lists direct dependencies that are not completed yet.
	Waiting []string `json:"waiting,omitempty"`
	// FailedBy is the failed, cancelled or missing task that makes the
	// task unrunnable. Empty unless State is BlockedFailed.
	FailedBy string `json:"failed_by,omitempty"`
	// Reason is a human-readable explanation for BlockedFailed.
	Reason string `json:"reason,omitempty"`
}

// TaskFilter selects tasks from a store.
type TaskFilter struct {
	Statuses       []TaskStatus
	Role           string
	CompletedSince *time.Time // completed_at >= CompletedSince
	UpdatedSince   *time.Time // updated_at >= UpdatedSince
	RetryDue       *time.Time // next_retry_at set and <= RetryDue
	CreatedBefore  *time.Time
	Limit          int
}

// TaskLookup is the read side of the task store used by the resolver.
type TaskLookup interface {
	GetTasks(ctx context.Context, ids []string) (map[string]*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
}

// Resolver determines whether tasks' prerequisites are satisfied.
type Resolver struct {
	lookup   TaskLookup
	maxDepth int
}

// NewResolver creates a resolver. maxDepth <= 0 uses DefaultMaxDepth.
func NewResolver(lookup TaskLookup, maxDepth int) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{lookup: lookup, maxDepth: maxDepth}
}

// Resolve returns the resolution of a single task.
func (r *Resolver) Resolve(ctx context.Context, task *Task) (Resolution, error) {
	res, err := r.ResolveAll(ctx, []*Task{task})
	if err != nil {
		return Resolution{}, err
	}
	return res[task.ID], nil
}

// ResolveAll resolves many tasks sharing one dependency fetch.
func (r *Resolver) ResolveAll(ctx context.Context, tasks []*Task) (map[string]Resolution, error) {
	w := newResolveWalk(r.maxDepth)
	for _, t := range tasks {
		w.known[t.ID] = t
	}
	if err := r.preload(ctx, w, tasks); err != nil {
		return nil, err
	}

	out := make(map[string]Resolution, len(tasks))
	for _, t := range tasks {
		out[t.ID] = w.resolve(t, 0)
	}
	return out, nil
}

// preload fetches the dependency closure of tasks level by level. Only
// the dependencies of non-terminal, non-active tasks past the first level
// can change a verdict, so the walk stops there.
func (r *Resolver) preload(ctx context.Context, w *resolveWalk, tasks []*Task) error {
	frontier := tasks
	fetched := make(map[string]bool)
	for depth := 0; depth <= r.maxDepth && len(frontier) > 0; depth++ {
		var want []string
		for _, t := range frontier {
			for _, depID := range t.DependsOn {
				if _, ok := w.known[depID]; ok || fetched[depID] {
					continue
				}
				fetched[depID] = true
				want = append(want, depID)
			}
		}
		if len(want) == 0 {
			return nil
		}

		got, err := r.lookup.GetTasks(ctx, want)
		if err != nil {
			return fmt.Errorf("loading dependencies: %w", err)
		}
		frontier = nil
		for _, id := range want {
			t, ok := got[id]
			if !ok {
				w.missing[id] = true
				continue
			}
			w.known[id] = t
			if t.Status == TaskPending || t.Status == TaskAwaitingApproval {
				frontier = append(frontier, t)
			}
		}
	}
	return nil
}

type resolveWalk struct {
	known    map[string]*Task
	missing  map[string]bool
	memo     map[string]Resolution
	onPath   map[string]bool
	maxDepth int
}

func newResolveWalk(maxDepth int) *resolveWalk {
	return &resolveWalk{
		known:    make(map[string]*Task),
		missing:  make(map[string]bool),
		memo:     make(map[string]Resolution),
		onPath:   make(map[string]bool),
		maxDepth: maxDepth,
	}
}

func (w *resolveWalk) resolve(task *Task, depth int) Resolution {
	if res, ok := w.memo[task.ID]; ok {
		return res
	}
	if w.onPath[task.ID] {
		// Cyclic input: never eligible, never cascade-failed on this
		// evidence alone.
		return Resolution{State: BlockedPending}
	}
	w.onPath[task.ID] = true
	defer delete(w.onPath, task.ID)

	res := Resolution{State: Eligible}
	for _, depID := range task.DependsOn {
		if w.missing[depID] {
			return w.store(task.ID, Resolution{
				State:    BlockedFailed,
				FailedBy: depID,
				Reason:   fmt.Sprintf("dependency %s does not exist", depID),
			})
		}
		dep, ok := w.known[depID]
		if !ok {
			// Beyond the traversal cap.
			res.State = BlockedPending
			res.Waiting = append(res.Waiting, depID)
			continue
		}

		switch dep.Status {
		case TaskCompleted:
			continue
		case TaskFailed, TaskCancelled:
			return w.store(task.ID, Resolution{
				State:    BlockedFailed,
				FailedBy: depID,
				Reason:   fmt.Sprintf("dependency %s %s", depID, dep.Status),
			})
		case TaskPending, TaskAwaitingApproval:
			if depth < w.maxDepth {
				if upstream := w.resolve(dep, depth+1); upstream.State == BlockedFailed {
					return w.store(task.ID, Resolution{
						State:    BlockedFailed,
						FailedBy: upstream.FailedBy,
						Reason:   fmt.Sprintf("dependency %s blocked: %s", depID, upstream.Reason),
					})
				}
			}
		}
		res.State = BlockedPending
		res.Waiting = append(res.Waiting, depID)
	}
	return w.store(task.ID, res)
}

func (w *resolveWalk) store(id string, res Resolution) Resolution {
	w.memo[id] = res
	return res
}

// Eligible returns pending tasks whose dependencies are all completed and
// that are neither gated nor backing off, ordered by priority desc then
// created_at asc. role "" matches every role; limit <= 0 means no limit.
func (r *Resolver) Eligible(ctx context.Context, role string, now time.Time, limit int) ([]*Task, error) {
	pending, err := r.lookup.ListTasks(ctx, TaskFilter{Statuses: []TaskStatus{TaskPending}, Role: role})
	if err != nil {
		return nil, fmt.Errorf("listing pending tasks: %w", err)
	}

	candidates := pending[:0:0]
	for _, t := range pending {
		if t.Gated() || t.BackingOff(now) {
			continue
		}
		candidates = append(candidates, t)
	}

	res, err := r.ResolveAll(ctx, candidates)
	if err != nil {
		return nil, err
	}

	var eligible []*Task
	for _, t := range candidates {
		if res[t.ID].State == Eligible {
			eligible = append(eligible, t)
		}
	}
	SortByDispatchOrder(eligible)
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

// SortByDispatchOrder orders tasks by priority desc, created_at asc, id asc.
func SortByDispatchOrder(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
