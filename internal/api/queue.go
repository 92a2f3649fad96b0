package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/aristath/dreamteam/internal/orchestrator"
	"github.com/aristath/dreamteam/internal/scheduler"
)

type blockedResponse struct {
	Tasks []orchestrator.BlockedTask `json:"tasks"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.svc.GetQueueHealth(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, health)
}

func (h *Handler) handleBlocked(w http.ResponseWriter, r *http.Request) {
	blocked, err := h.svc.GetBlocked(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, blockedResponse{Tasks: orEmpty(blocked)})
}

func (h *Handler) handleStale(w http.ResponseWriter, r *http.Request) {
	stale, err := h.svc.GetStale(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, blockedResponse{Tasks: orEmpty(stale)})
}

func (h *Handler) handleStuck(w http.ResponseWriter, r *http.Request) {
	stuck, err := h.svc.GetStuck(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tasksResponse{Tasks: orEmpty(stuck)})
}

func (h *Handler) handleRetryable(w http.ResponseWriter, r *http.Request) {
	due, err := h.svc.GetRetryable(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tasksResponse{Tasks: orEmpty(due)})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetMetricsSnapshot(r.Context(), r.URL.Query().Get("role"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleTrend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var window time.Duration
	if v := q.Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			h.writeError(w, r, fmt.Errorf("%w: window must be a duration like 6h", scheduler.ErrValidation))
			return
		}
		window = d
	}
	trend, err := h.svc.GetMetricsTrend(r.Context(), q.Get("role"), window)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		Snapshots any `json:"snapshots"`
	}{Snapshots: orEmpty(trend)})
}
