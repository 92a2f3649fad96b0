// Package executor defines the contract between the scheduler and the
// collaborators that perform work.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aristath/dreamteam/internal/scheduler"
)

// ErrDetached is returned by an Executor that has handed the task to an
// out-of-band worker. The supervisor reports nothing; the worker must call
// Complete or Fail itself, and the watchdog reclaims the task otherwise.
var ErrDetached = errors.New("execution detached")

// ErrNoExecutor is returned by Router when no executor serves a role.
var ErrNoExecutor = errors.New("no executor for role")

// Executor performs a claimed task. The context carries the task's
// execution budget. Errors may be classified with scheduler.WithType.
type Executor interface {
	Execute(ctx context.Context, task *scheduler.Task) (json.RawMessage, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, task *scheduler.Task) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, task *scheduler.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Router dispatches to a per-role executor, with an optional fallback.
type Router struct {
	mu       sync.RWMutex
	byRole   map[string]Executor
	fallback Executor
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{byRole: make(map[string]Executor)}
}

// Handle registers exec for role. An empty role sets the fallback.
func (r *Router) Handle(role string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role == "" {
		r.fallback = exec
		return
	}
	r.byRole[role] = exec
}

// Roles returns the roles with a dedicated executor.
func (r *Router) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.byRole))
	for role := range r.byRole {
		roles = append(roles, role)
	}
	return roles
}

func (r *Router) Execute(ctx context.Context, task *scheduler.Task) (json.RawMessage, error) {
	r.mu.RLock()
	exec, ok := r.byRole[task.Role]
	if !ok {
		exec = r.fallback
	}
	r.mu.RUnlock()

	if exec == nil {
		return nil, scheduler.WithType(fmt.Errorf("%w: %s", ErrNoExecutor, task.Role), scheduler.ErrorValidation)
	}
	return exec.Execute(ctx, task)
}
