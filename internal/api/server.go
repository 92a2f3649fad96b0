// Package api exposes the orchestrator over HTTP/JSON.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aristath/dreamteam/internal/events"
	"github.com/aristath/dreamteam/internal/orchestrator"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Handler serves the task API.
type Handler struct {
	svc     *orchestrator.Service
	bus     *events.EventBus
	metrics http.Handler
	log     *slog.Logger
}

// NewHandler creates a handler. bus and metrics may be nil, which disables
// the event stream and /metrics.
func NewHandler(svc *orchestrator.Service, bus *events.EventBus, metrics http.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, bus: bus, metrics: metrics, log: logger}
}

// RegisterRoutes registers the API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/tasks", h.handleCreate)
	mux.HandleFunc("GET /v1/tasks", h.handleList)
	mux.HandleFunc("POST /v1/tasks/batch", h.handleCreateBatch)
	mux.HandleFunc("GET /v1/tasks/{id}", h.handleGet)
	mux.HandleFunc("POST /v1/tasks/{id}/complete", h.handleComplete)
	mux.HandleFunc("POST /v1/tasks/{id}/fail", h.handleFail)
	mux.HandleFunc("POST /v1/tasks/{id}/retry", h.handleRetry)
	mux.HandleFunc("POST /v1/tasks/{id}/force-retry", h.handleForceRetry)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /v1/tasks/{id}/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("POST /v1/tasks/{id}/approve", h.handleApprove)
	mux.HandleFunc("POST /v1/claim", h.handleClaim)
	mux.HandleFunc("GET /v1/tree", h.handleTree)

	mux.HandleFunc("GET /v1/queue/health", h.handleHealth)
	mux.HandleFunc("GET /v1/queue/blocked", h.handleBlocked)
	mux.HandleFunc("GET /v1/queue/stale", h.handleStale)
	mux.HandleFunc("GET /v1/queue/stuck", h.handleStuck)
	mux.HandleFunc("GET /v1/queue/retryable", h.handleRetryable)
	mux.HandleFunc("GET /v1/metrics/snapshot", h.handleSnapshot)
	mux.HandleFunc("GET /v1/metrics/trend", h.handleTrend)

	if h.bus != nil {
		mux.HandleFunc("GET /v1/events", h.handleEvents)
	}
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// Routes returns a mux with every route registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}
