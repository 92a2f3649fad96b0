package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/dreamteam/internal/orchestrator"
	"github.com/aristath/dreamteam/internal/scheduler"
)

type completeRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
	// StartedAt binds the report to one attempt; omitted reports apply
	// to whatever attempt is active.
	StartedAt *time.Time `json:"started_at,omitempty"`
}

type failRequest struct {
	Error     string     `json:"error"`
	ErrorType string     `json:"error_type,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

type claimRequest struct {
	Role string `json:"role"`
	Max  int    `json:"max"`
}

type tasksResponse struct {
	Tasks []*scheduler.Task `json:"tasks"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	task, err := h.svc.CreateTask(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var items []orchestrator.BatchItem
	if err := decode(r, &items); err != nil {
		h.writeError(w, r, err)
		return
	}
	tasks, err := h.svc.CreateBatch(r.Context(), items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, tasksResponse{Tasks: tasks})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := scheduler.TaskFilter{Role: q.Get("role")}
	for _, s := range splitList(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, scheduler.TaskStatus(s))
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", scheduler.ErrValidation))
			return
		}
		filter.Limit = n
	}
	tasks, err := h.svc.ListTasks(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tasksResponse{Tasks: orEmpty(tasks)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	var task *scheduler.Task
	var err error
	if req.StartedAt != nil {
		task, err = h.svc.CompleteAttempt(r.Context(), id, *req.StartedAt, req.Result)
	} else {
		task, err = h.svc.Complete(r.Context(), id, req.Result)
	}
	h.respondTask(w, r, task, err)
}

func (h *Handler) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	errType := scheduler.ParseErrorType(req.ErrorType)
	var task *scheduler.Task
	var err error
	if req.StartedAt != nil {
		task, err = h.svc.FailAttempt(r.Context(), id, *req.StartedAt, req.Error, errType)
	} else {
		task, err = h.svc.Fail(r.Context(), id, req.Error, errType)
	}
	h.respondTask(w, r, task, err)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Retry(r.Context(), r.PathValue("id"))
	h.respondTask(w, r, task, err)
}

func (h *Handler) handleForceRetry(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.ForceRetry(r.Context(), r.PathValue("id"))
	h.respondTask(w, r, task, err)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	task, err := h.svc.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	h.respondTask(w, r, task, err)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Heartbeat(r.Context(), r.PathValue("id"))
	h.respondTask(w, r, task, err)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approver string `json:"approver"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	task, err := h.svc.Approve(r.Context(), r.PathValue("id"), req.Approver)
	h.respondTask(w, r, task, err)
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	tasks, err := h.svc.ClaimNext(r.Context(), req.Role, req.Max)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tasksResponse{Tasks: orEmpty(tasks)})
}

func (h *Handler) handleTree(w http.ResponseWriter, r *http.Request) {
	tree, err := h.svc.GetDependencyTree(r.Context(), splitList(r.URL.Query().Get("ids")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tree)
}

func (h *Handler) respondTask(w http.ResponseWriter, r *http.Request, task *scheduler.Task, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

// splitList parses a comma-separated query value, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
