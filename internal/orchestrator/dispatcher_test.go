package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/dreamteam/internal/executor"
	"github.com/aristath/dreamteam/internal/scheduler"
)

// runDispatcher starts d and stops it when the test ends.
func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	h := newHarness(t)

	var running, peak atomic.Int32
	var mu sync.Mutex
	executed := map[string]int{}
	exec := executor.Func(func(_ context.Context, task *scheduler.Task) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)

		mu.Lock()
		executed[task.ID]++
		mu.Unlock()
		return nil, nil
	})

	const total = 10
	for i := 0; i < total; i++ {
		h.create(t, CreateRequest{ID: fmt.Sprintf("job-%02d", i), Role: "builder"})
	}

	d := NewDispatcher(DispatcherConfig{Role: "builder", Concurrency: 3, PollInterval: 10 * time.Millisecond},
		h.svc, h.supervisor(exec, nil), h.notifier, discardLogger())
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(executed) == total
	}, 5*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, peak.Load(), int32(3))
	mu.Lock()
	for id, n := range executed {
		assert.Equal(t, 1, n, "task %s executed %d times", id, n)
	}
	mu.Unlock()

	require.Eventually(t, func() bool {
		counts, err := h.store.CountByStatus(context.Background(), "")
		return err == nil && counts[scheduler.TaskCompleted] == total
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcherRunsChainInOrder(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var order []string
	exec := executor.Func(func(_ context.Context, task *scheduler.Task) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return json.RawMessage(`"ok"`), nil
	})

	h.create(t, CreateRequest{ID: "a", Role: "dev"})
	h.create(t, CreateRequest{ID: "b", Role: "dev", DependsOn: []string{"a"}})
	h.create(t, CreateRequest{ID: "c", Role: "dev", DependsOn: []string{"b"}})

	// A long poll interval leaves dependency release wakeups to drive progress.
	d := NewDispatcher(DispatcherConfig{Concurrency: 2, PollInterval: time.Hour},
		h.svc, h.supervisor(exec, nil), h.notifier, discardLogger())
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		return h.get(t, "c").Status == scheduler.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestDispatcherOnOutcome(t *testing.T) {
	h := newHarness(t)
	outcomes := make(chan Outcome, 1)
	exec := executor.Func(func(context.Context, *scheduler.Task) (json.RawMessage, error) {
		return nil, nil
	})

	h.create(t, CreateRequest{ID: "x", Role: "qa"})
	d := NewDispatcher(DispatcherConfig{
		Role:         "qa",
		PollInterval: 10 * time.Millisecond,
		OnOutcome:    func(_ *scheduler.Task, out Outcome) { outcomes <- out },
	}, h.svc, h.supervisor(exec, nil), nil, discardLogger())
	runDispatcher(t, d)

	select {
	case out := <-outcomes:
		require.NoError(t, out.Err)
		assert.Equal(t, scheduler.TaskCompleted, out.Task.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome reported")
	}
}

func TestDispatcherServes(t *testing.T) {
	tests := []struct {
		role, woken string
		want        bool
	}{
		{"", "any", true},
		{"dev", "dev", true},
		{"dev", "", true},
		{"dev", "qa", false},
	}
	for _, tt := range tests {
		d := &Dispatcher{cfg: DispatcherConfig{Role: tt.role}}
		if got := d.serves(tt.woken); got != tt.want {
			t.Errorf("serves(%q) for %q = %v, want %v", tt.woken, tt.role, got, tt.want)
		}
	}
}

func TestDispatcherHoldsClaimsWhileBreakerOpen(t *testing.T) {
	h := newHarness(t)
	breakers := NewCircuitBreakerRegistry(BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Hour}, discardLogger())
	cb := breakers.Get("ops")
	for i := 0; i < 2; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("agent down") })
	}

	exec := executor.Func(func(context.Context, *scheduler.Task) (json.RawMessage, error) {
		return nil, nil
	})
	h.create(t, CreateRequest{ID: "held", Role: "ops"})
	d := NewDispatcher(DispatcherConfig{Role: "ops"}, h.svc, h.supervisor(exec, breakers), nil, discardLogger())

	var g errgroup.Group
	n, err := d.dispatch(context.Background(), &g)
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	assert.Zero(t, n)

	task := h.get(t, "held")
	assert.Equal(t, scheduler.TaskPending, task.Status)
	assert.Zero(t, task.RetryCount)
}
