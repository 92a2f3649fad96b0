package scheduler

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
)

// DAG is an in-memory dependency graph used to validate a set of tasks
// before they are written to the store. Dependencies on tasks outside the
// graph are allowed when the caller's lookup reports them as existing.
type DAG struct {
	tasks      map[string]*Task
	order      []string            // insertion order, for stable errors
	dependents map[string][]string // taskID -> tasks that depend on it
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// AddTask adds a task to the DAG. Returns error if task ID already exists.
func (d *DAG) AddTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("%w: empty task id", ErrValidation)
	}
	if _, exists := d.tasks[task.ID]; exists {
		return fmt.Errorf("%w: task with ID %q already exists", ErrValidation, task.ID)
	}

	d.tasks[task.ID] = task
	d.order = append(d.order, task.ID)
	for _, depID := range task.DependsOn {
		d.dependents[depID] = append(d.dependents[depID], task.ID)
	}
	return nil
}

// Len returns the number of tasks in the graph.
func (d *DAG) Len() int {
	return len(d.tasks)
}

// Dependents returns the direct dependents of id inside the graph.
func (d *DAG) Dependents(id string) []string {
	return append([]string(nil), d.dependents[id]...)
}

// Validate checks that every dependency resolves either inside the graph or
// through external, and that the graph is acyclic. Returns the task IDs in
// dependency order (dependencies first).
func (d *DAG) Validate(external func(id string) bool) ([]string, error) {
	for _, taskID := range d.order {
		for _, depID := range d.tasks[taskID].DependsOn {
			if depID == taskID {
				return nil, fmt.Errorf("%w: task %q depends on itself", ErrCycle, taskID)
			}
			if _, inGraph := d.tasks[depID]; inGraph {
				continue
			}
			if external == nil || !external(depID) {
				return nil, fmt.Errorf("%w: task %q depends on non-existent task %q", ErrMissingDependency, taskID, depID)
			}
		}
	}

	// Edge (dep, task) means dep must come before task. External
	// dependencies are already in the store and cannot close a cycle.
	var edges []toposort.Edge
	for _, taskID := range d.order {
		internal := 0
		for _, depID := range d.tasks[taskID].DependsOn {
			if _, inGraph := d.tasks[depID]; inGraph {
				edges = append(edges, toposort.Edge{depID, taskID})
				internal++
			}
		}
		if internal == 0 {
			edges = append(edges, toposort.Edge{nil, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := make([]string, 0, len(d.tasks))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(d.tasks) {
		missing := d.unsorted(order)
		return nil, fmt.Errorf("%w: tasks %v are unreachable in dependency order", ErrCycle, missing)
	}
	return order, nil
}

func (d *DAG) unsorted(order []string) []string {
	found := make(map[string]bool, len(order))
	for _, id := range order {
		found[id] = true
	}
	var missing []string
	for id := range d.tasks {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}
