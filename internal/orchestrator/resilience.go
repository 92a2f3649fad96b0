package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/dreamteam/internal/executor"
	"github.com/aristath/dreamteam/internal/scheduler"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures the per-role circuit breakers.
type BreakerConfig struct {
	MaxRequests         uint32        // Trial requests allowed while half-open
	OpenTimeout         time.Duration // Time spent open before going half-open
	ConsecutiveFailures uint32        // Failures in a row that trip the breaker
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// CircuitBreakerRegistry manages per-role circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      BreakerConfig
	log      *slog.Logger
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(cfg BreakerConfig, logger *slog.Logger) *CircuitBreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg,
		log:      logger,
	}
}

// Get returns the circuit breaker for the given role.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(role string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[role]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        role,
		MaxRequests: r.cfg.MaxRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Warn("circuit breaker state change", "role", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: executorHealthy,
	})
	r.breakers[role] = cb
	return cb
}

// State returns the breaker state for role without creating a breaker.
func (r *CircuitBreakerRegistry) State(role string) (gobreaker.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[role]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return cb.State(), true
}

// executorHealthy decides which executor errors count against the breaker.
// Shutdown cancellation, detached tasks and bad input are not failures of
// the executor itself.
func executorHealthy(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, executor.ErrDetached),
		scheduler.Classify(err) == scheduler.ErrorValidation:
		return true
	}
	return false
}
