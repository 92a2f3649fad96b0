package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/dreamteam/internal/executor"
	"github.com/aristath/dreamteam/internal/scheduler"
)

func (h *harness) supervisor(exec executor.Executor, breakers *CircuitBreakerRegistry) *Supervisor {
	return NewSupervisor(h.svc, exec, breakers, discardLogger())
}

func (h *harness) createAndClaim(t *testing.T, req CreateRequest) *scheduler.Task {
	t.Helper()
	h.create(t, req)
	return h.claimOne(t, req.Role)
}

func TestSupervisorCompletes(t *testing.T) {
	h := newHarness(t)
	sup := h.supervisor(executor.Func(func(ctx context.Context, task *scheduler.Task) (json.RawMessage, error) {
		return json.RawMessage(`{"echo":` + string(task.Payload) + `}`), nil
	}), nil)

	task := h.createAndClaim(t, CreateRequest{ID: "ok", Role: "r", Payload: json.RawMessage(`7`)})
	out := sup.Run(context.Background(), task)
	if out.Err != nil {
		t.Fatalf("Run: %v", out.Err)
	}
	if out.Task.Status != scheduler.TaskCompleted || string(out.Task.Result) != `{"echo":7}` {
		t.Fatalf("task = %s result %s", out.Task.Status, out.Task.Result)
	}
}

func TestSupervisorClassifiesFailure(t *testing.T) {
	h := newHarness(t)
	sup := h.supervisor(executor.Func(func(context.Context, *scheduler.Task) (json.RawMessage, error) {
		return nil, scheduler.WithType(errors.New("lint failed"), scheduler.ErrorTool)
	}), nil)

	task := h.createAndClaim(t, CreateRequest{ID: "bad", Role: "r", MaxRetries: intPtr(0)})
	out := sup.Run(context.Background(), task)
	if out.ErrorType != scheduler.ErrorTool {
		t.Fatalf("ErrorType = %s, want tool_error", out.ErrorType)
	}
	if out.Task.Status != scheduler.TaskFailed || out.Task.Error != "lint failed" {
		t.Fatalf("task = %s %q", out.Task.Status, out.Task.Error)
	}
}

func TestSupervisorTimeoutAbandonsExecutor(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DefaultTimeout = 50 * time.Millisecond })
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// Ignores its context, like a hung collaborator.
	sup := h.supervisor(executor.Func(func(context.Context, *scheduler.Task) (json.RawMessage, error) {
		<-release
		return nil, nil
	}), nil)

	task := h.createAndClaim(t, CreateRequest{ID: "hung", Role: "r"})
	start := time.Now()
	out := sup.Run(context.Background(), task)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Run waited %s for a hung executor", elapsed)
	}
	if out.ErrorType != scheduler.ErrorTimeout {
		t.Fatalf("ErrorType = %s, want timeout", out.ErrorType)
	}
	if out.Task.Status != scheduler.TaskPending || out.Task.ErrorType != scheduler.ErrorTimeout || out.Task.RetryCount != 1 {
		t.Fatalf("task = %s %s rc %d, want pending timeout rc 1", out.Task.Status, out.Task.ErrorType, out.Task.RetryCount)
	}
}

func TestSupervisorDetached(t *testing.T) {
	h := newHarness(t)
	sup := h.supervisor(executor.Func(func(context.Context, *scheduler.Task) (json.RawMessage, error) {
		return nil, executor.ErrDetached
	}), nil)

	task := h.createAndClaim(t, CreateRequest{ID: "ext", Role: "r"})
	out := sup.Run(context.Background(), task)
	if !out.Detached || out.Task != nil {
		t.Fatalf("outcome = %+v, want detached without report", out)
	}
	if got := h.get(t, "ext"); got.Status != scheduler.TaskActive {
		t.Fatalf("status = %s, want active until the external worker reports", got.Status)
	}

	// The external worker reports for the attempt it was handed.
	done, err := h.svc.CompleteAttempt(context.Background(), "ext", *task.StartedAt, json.RawMessage(`"later"`))
	if err != nil || done.Status != scheduler.TaskCompleted {
		t.Fatalf("CompleteAttempt = %v, %v", done, err)
	}
}

func TestSupervisorBreakerOpens(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	breakers := NewCircuitBreakerRegistry(BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute}, discardLogger())
	sup := h.supervisor(executor.Func(func(context.Context, *scheduler.Task) (json.RawMessage, error) {
		calls.Add(1)
		return nil, scheduler.WithType(errors.New("model overloaded"), scheduler.ErrorAgent)
	}), breakers)

	var last Outcome
	for i := 0; i < 3; i++ {
		task := h.createAndClaim(t, CreateRequest{ID: fmt.Sprintf("t%d", i), Role: "llm", MaxRetries: intPtr(0)})
		last = sup.Run(context.Background(), task)
	}
	if calls.Load() != 2 {
		t.Fatalf("executor called %d times, want 2 before the breaker opened", calls.Load())
	}
	if last.ErrorType != scheduler.ErrorExternalService {
		t.Fatalf("ErrorType with open breaker = %s, want external_service", last.ErrorType)
	}
}

func TestSupervisorRecoversPanic(t *testing.T) {
	h := newHarness(t)
	sup := h.supervisor(executor.Func(func(context.Context, *scheduler.Task) (json.RawMessage, error) {
		panic("nil map")
	}), nil)

	task := h.createAndClaim(t, CreateRequest{ID: "p", Role: "r", MaxRetries: intPtr(0)})
	out := sup.Run(context.Background(), task)
	if out.ErrorType != scheduler.ErrorAgent || out.Task.Status != scheduler.TaskFailed {
		t.Fatalf("outcome = %s, task %s", out.ErrorType, out.Task.Status)
	}
}

func TestSupervisorShutdownLeavesTaskActive(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	sup := h.supervisor(executor.Func(func(ctx context.Context, _ *scheduler.Task) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), nil)

	task := h.createAndClaim(t, CreateRequest{ID: "s", Role: "r"})
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan Outcome, 1)
	go func() { result <- sup.Run(ctx, task) }()
	<-started
	cancel()

	out := <-result
	if !out.Abandoned {
		t.Fatalf("outcome = %+v, want abandoned", out)
	}
	if got := h.get(t, "s"); got.Status != scheduler.TaskActive || got.RetryCount != 0 {
		t.Fatalf("task = %s rc %d, want untouched active", got.Status, got.RetryCount)
	}
}

func TestSupervisorRejectsUnclaimedTask(t *testing.T) {
	h := newHarness(t)
	sup := h.supervisor(executor.Func(func(context.Context, *scheduler.Task) (json.RawMessage, error) {
		t.Fatal("executor called for an unclaimed task")
		return nil, nil
	}), nil)

	task := h.create(t, CreateRequest{ID: "u", Role: "r"})
	if out := sup.Run(context.Background(), task); !errors.Is(out.Err, scheduler.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", out.Err)
	}
}

func TestSupervisorLateReportAfterRequeueIsDropped(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	sup := h.supervisor(executor.Func(func(context.Context, *scheduler.Task) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`"stale result"`), nil
	}), nil)

	first := h.createAndClaim(t, CreateRequest{ID: "slow", Role: "r", TimeoutSeconds: 60})
	result := make(chan Outcome, 1)
	go func() { result <- sup.Run(context.Background(), first) }()
	<-started

	// The watchdog reclaims the attempt while the executor is still busy.
	h.clock.Advance(5 * time.Minute)
	report, err := h.svc.SweepStuck(context.Background())
	if err != nil || report.Requeued != 1 {
		t.Fatalf("SweepStuck = %+v, %v, want one requeue", report, err)
	}
	h.clock.Advance(time.Minute)
	second := h.claimOne(t, "r")

	close(release)
	out := <-result
	if !errors.Is(out.Err, scheduler.ErrAttemptSuperseded) || out.Task != nil {
		t.Fatalf("outcome = %+v, want superseded report without a task", out)
	}

	got := h.get(t, "slow")
	if got.Status != scheduler.TaskActive || got.Result != nil {
		t.Fatalf("task = %s result %s, want the second attempt untouched", got.Status, got.Result)
	}
	if !got.StartedAt.Equal(*second.StartedAt) || got.RetryCount != 1 {
		t.Fatalf("task started %v rc %d, want second attempt %v rc 1", got.StartedAt, got.RetryCount, second.StartedAt)
	}
}
