package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/aristath/dreamteam/internal/persistence"
	"github.com/aristath/dreamteam/internal/scheduler"
)

// errorBody is the JSON body of every non-2xx response.
type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		h.log.Error("encode response", "error", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError maps service errors onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrValidation),
		errors.Is(err, scheduler.ErrCycle),
		errors.Is(err, scheduler.ErrMissingDependency):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrTaskNotFound),
		errors.Is(err, persistence.ErrNoSnapshot):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidTransition),
		errors.Is(err, scheduler.ErrConflict),
		errors.Is(err, scheduler.ErrNotRetryable),
		errors.Is(err, scheduler.ErrAlreadyTerminal),
		errors.Is(err, scheduler.ErrAttemptSuperseded):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: reading body: %v", scheduler.ErrValidation, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", scheduler.ErrValidation, err)
	}
	return nil
}
