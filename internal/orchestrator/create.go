package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/dreamteam/internal/events"
	"github.com/aristath/dreamteam/internal/scheduler"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// CreateRequest describes a task to create. Zero values take the
// configured defaults.
type CreateRequest struct {
	ID               string          `json:"id,omitempty"` // Generated when empty
	Role             string          `json:"role"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Priority         int             `json:"priority,omitempty"`
	DependsOn        []string        `json:"depends_on,omitempty"`
	ApprovalRequired bool            `json:"approval_required,omitempty"`
	MaxRetries       *int            `json:"max_retries,omitempty"`
	Retryable        *bool           `json:"retryable,omitempty"`
	TimeoutSeconds   int             `json:"timeout_seconds,omitempty"`
}

// BatchItem is one task of a CreateBatch call. DependsOn entries name
// either the Key of another item in the batch or an existing task id.
type BatchItem struct {
	Key string `json:"key"`
	CreateRequest
}

// CreateTask validates and stores one task. Dependencies must already
// exist. A task whose dependency has already failed is stored and then
// failed immediately with error type dependency_failed.
func (s *Service) CreateTask(ctx context.Context, req CreateRequest) (*scheduler.Task, error) {
	now := s.now()
	task, err := s.newTask(req, now)
	if err != nil {
		return nil, err
	}

	if len(task.DependsOn) > 0 {
		existing, err := s.store.GetTasks(ctx, task.DependsOn)
		if err != nil {
			return nil, fmt.Errorf("checking dependencies: %w", err)
		}
		for _, depID := range task.DependsOn {
			if _, ok := existing[depID]; !ok {
				return nil, fmt.Errorf("%w: task %s depends on %s", scheduler.ErrMissingDependency, task.ID, depID)
			}
		}
	}

	if err := s.store.CreateTasks(ctx, []*scheduler.Task{task}); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	s.afterCreate(ctx, []*scheduler.Task{task})
	return s.store.GetTask(ctx, task.ID)
}

// CreateBatch validates a set of tasks as one DAG and stores them in a
// single transaction. Tasks are returned in input order.
func (s *Service) CreateBatch(ctx context.Context, items []BatchItem) ([]*scheduler.Task, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty batch", scheduler.ErrValidation)
	}

	now := s.now()
	keyToID := make(map[string]string, len(items))
	for i, item := range items {
		key := item.Key
		if key == "" {
			return nil, fmt.Errorf("%w: batch item %d has no key", scheduler.ErrValidation, i)
		}
		if _, dup := keyToID[key]; dup {
			return nil, fmt.Errorf("%w: duplicate batch key %q", scheduler.ErrValidation, key)
		}
		id := item.ID
		if id == "" {
			id = uuid.NewString()
		}
		keyToID[key] = id
	}

	dag := scheduler.NewDAG()
	tasks := make([]*scheduler.Task, 0, len(items))
	var external []string
	for _, item := range items {
		req := item.CreateRequest
		req.ID = keyToID[item.Key]
		deps := make([]string, 0, len(req.DependsOn))
		for _, ref := range req.DependsOn {
			if id, ok := keyToID[ref]; ok {
				deps = append(deps, id)
				continue
			}
			deps = append(deps, ref)
			external = append(external, ref)
		}
		req.DependsOn = deps

		task, err := s.newTask(req, now)
		if err != nil {
			return nil, fmt.Errorf("batch item %q: %w", item.Key, err)
		}
		if err := dag.AddTask(task); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	var existing map[string]*scheduler.Task
	if len(external) > 0 {
		var err error
		existing, err = s.store.GetTasks(ctx, external)
		if err != nil {
			return nil, fmt.Errorf("checking dependencies: %w", err)
		}
	}
	order, err := dag.Validate(func(id string) bool {
		_, ok := existing[id]
		return ok
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	sorted := make([]*scheduler.Task, 0, len(order))
	for _, id := range order {
		sorted = append(sorted, byID[id])
	}
	if err := s.store.CreateTasks(ctx, sorted); err != nil {
		return nil, fmt.Errorf("creating batch: %w", err)
	}
	s.afterCreate(ctx, sorted)

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	stored, err := s.store.GetTasks(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*scheduler.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := stored[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// newTask validates req and builds the task to insert.
func (s *Service) newTask(req CreateRequest, now time.Time) (*scheduler.Task, error) {
	role := strings.TrimSpace(req.Role)
	if role == "" {
		return nil, fmt.Errorf("%w: role is required", scheduler.ErrValidation)
	}
	if len(req.Payload) > 0 && !sonic.Valid(req.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", scheduler.ErrValidation)
	}
	if req.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: timeout_seconds must not be negative", scheduler.ErrValidation)
	}

	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries must not be negative", scheduler.ErrValidation)
		}
		maxRetries = *req.MaxRetries
	}
	retryable := true
	if req.Retryable != nil {
		retryable = *req.Retryable
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	// Duplicate edges collapse to one.
	seen := make(map[string]bool, len(req.DependsOn))
	var deps []string
	for _, depID := range req.DependsOn {
		if depID == "" {
			return nil, fmt.Errorf("%w: empty dependency id", scheduler.ErrValidation)
		}
		if depID == id {
			return nil, fmt.Errorf("%w: task %q depends on itself", scheduler.ErrCycle, id)
		}
		if seen[depID] {
			continue
		}
		seen[depID] = true
		deps = append(deps, depID)
	}

	return &scheduler.Task{
		ID:               id,
		Role:             role,
		Status:           scheduler.InitialStatus(req.ApprovalRequired),
		Priority:         req.Priority,
		Payload:          req.Payload,
		DependsOn:        deps,
		MaxRetries:       maxRetries,
		IsRetryable:      retryable,
		TimeoutSeconds:   req.TimeoutSeconds,
		ApprovalRequired: req.ApprovalRequired,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// afterCreate publishes creation and settles tasks whose dependencies
// already decided their fate.
func (s *Service) afterCreate(ctx context.Context, tasks []*scheduler.Task) {
	now := s.now()
	for _, t := range tasks {
		s.recorder.TaskCreated(t.Role)
		s.publish(events.TopicTask, events.TaskCreatedEvent{ID: t.ID, Role: t.Role, Status: t.Status, Timestamp: now})
		s.log.Info("task created", "task_id", t.ID, "role", t.Role, "status", t.Status, "depends_on", len(t.DependsOn))
	}

	res, err := s.resolver.ResolveAll(ctx, tasks)
	if err != nil {
		s.log.Error("resolve new tasks", "error", err)
		return
	}
	woken := make(map[string]bool)
	for _, t := range tasks {
		r := res[t.ID]
		switch {
		case r.State == scheduler.BlockedFailed:
			if _, err := s.failBlocked(ctx, t.ID, r, 0); err != nil {
				s.log.Error("fail blocked task", "task_id", t.ID, "error", err)
			}
		case r.State == scheduler.Eligible && t.Status == scheduler.TaskPending && !woken[t.Role]:
			woken[t.Role] = true
			s.wake(ctx, t.Role)
		}
	}
}
