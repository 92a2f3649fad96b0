package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/dreamteam/internal/executor"
	"github.com/aristath/dreamteam/internal/scheduler"
)

// reportTimeout bounds the outcome write after a run, which must happen
// even while the dispatcher is shutting down.
const reportTimeout = 10 * time.Second

// Outcome describes how a supervised run ended.
type Outcome struct {
	Task      *scheduler.Task // Task after the report; nil when nothing was written
	Err       error           // Execution or report error
	ErrorType scheduler.ErrorType
	Detached  bool // The executor took over reporting
	Abandoned bool // Shutdown interrupted the run; the watchdog reclaims it
}

// Supervisor runs claimed tasks through an executor with a deadline and a
// per-role circuit breaker, and reports exactly one outcome per attempt.
type Supervisor struct {
	svc      *Service
	exec     executor.Executor
	breakers *CircuitBreakerRegistry
	log      *slog.Logger
}

// NewSupervisor creates a supervisor. A nil registry gets default breakers.
func NewSupervisor(svc *Service, exec executor.Executor, breakers *CircuitBreakerRegistry, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(DefaultBreakerConfig(), logger)
	}
	return &Supervisor{svc: svc, exec: exec, breakers: breakers, log: logger}
}

type execResult struct {
	out json.RawMessage
	err error
}

// Run executes a claimed task. The executor is abandoned, not awaited, once
// the task's timeout passes; the attempt is then failed with error type
// timeout. Reports are bound to the attempt's StartedAt, so an attempt the
// watchdog already reclaimed cannot overwrite the newer one.
func (s *Supervisor) Run(ctx context.Context, task *scheduler.Task) Outcome {
	if task.Status != scheduler.TaskActive || task.StartedAt == nil {
		return Outcome{Err: fmt.Errorf("%w: task %s was not claimed", scheduler.ErrInvalidTransition, task.ID)}
	}
	attempt := *task.StartedAt
	timeout := task.Timeout(s.svc.cfg.DefaultTimeout)
	logger := s.log.With("task_id", task.ID, "role", task.Role, "attempt", task.RetryCount)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cb := s.breakers.Get(task.Role)
	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- execResult{err: scheduler.WithType(fmt.Errorf("executor panic: %v", p), scheduler.ErrorAgent)}
			}
		}()
		v, err := cb.Execute(func() (interface{}, error) {
			return s.exec.Execute(runCtx, task.Clone())
		})
		out, _ := v.(json.RawMessage)
		done <- execResult{out: out, err: err}
	}()

	var res execResult
	select {
	case res = <-done:
	case <-runCtx.Done():
		select {
		case res = <-done:
		default:
			res = execResult{err: runCtx.Err()}
		}
	}

	if errors.Is(res.err, executor.ErrDetached) {
		logger.Debug("task detached from supervisor")
		return Outcome{Detached: true}
	}
	if res.err != nil && ctx.Err() != nil {
		logger.Warn("run abandoned on shutdown", "error", res.err)
		return Outcome{Abandoned: true, Err: res.err}
	}

	reportCtx, cancelReport := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancelReport()

	if res.err == nil {
		t, err := s.svc.CompleteAttempt(reportCtx, task.ID, attempt, res.out)
		if err != nil {
			logger.Warn("completion report rejected", "error", err)
		}
		return Outcome{Task: t, Err: err}
	}

	errType := scheduler.Classify(res.err)
	msg := res.err.Error()
	if errors.Is(res.err, context.DeadlineExceeded) {
		errType = scheduler.ErrorTimeout
		msg = fmt.Sprintf("execution exceeded timeout of %s", timeout)
	}
	logger.Warn("task execution failed", "error_type", errType, "error", msg)

	t, err := s.svc.FailAttempt(reportCtx, task.ID, attempt, msg, errType)
	if err != nil {
		logger.Warn("failure report rejected", "error", err)
		return Outcome{Task: t, Err: err, ErrorType: errType}
	}
	return Outcome{Task: t, Err: res.err, ErrorType: errType}
}
