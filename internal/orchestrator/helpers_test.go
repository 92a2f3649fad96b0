package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aristath/dreamteam/internal/coordination"
	"github.com/aristath/dreamteam/internal/events"
	"github.com/aristath/dreamteam/internal/metrics"
	"github.com/aristath/dreamteam/internal/persistence"
	"github.com/aristath/dreamteam/internal/scheduler"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc      *Service
	store    *persistence.SQLStore
	clock    *fakeClock
	bus      *events.EventBus
	notifier *coordination.LocalNotifier
	recorder *metrics.Recorder
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig uses deterministic one-second backoff doubling per retry.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = scheduler.RetryConfig{
		InitialInterval:     time.Second,
		MaxInterval:         time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0,
	}
	return cfg
}

// newHarness builds a Service over an in-memory store with a fake clock.
func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := testConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		store:    store,
		clock:    newFakeClock(),
		bus:      events.NewEventBus(),
		notifier: coordination.NewLocalNotifier(),
		recorder: metrics.NewRecorder(),
	}
	t.Cleanup(h.bus.Close)
	h.svc = NewService(store, cfg, Options{
		Notifier: h.notifier,
		Bus:      h.bus,
		Recorder: h.recorder,
		Logger:   discardLogger(),
		Clock:    h.clock.Now,
	})
	return h
}

func (h *harness) create(t *testing.T, req CreateRequest) *scheduler.Task {
	t.Helper()
	task, err := h.svc.CreateTask(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateTask(%+v): %v", req, err)
	}
	return task
}

func (h *harness) get(t *testing.T, id string) *scheduler.Task {
	t.Helper()
	task, err := h.svc.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%s): %v", id, err)
	}
	return task
}

// claimOne claims exactly one task of role and fails the test otherwise.
func (h *harness) claimOne(t *testing.T, role string) *scheduler.Task {
	t.Helper()
	claimed, err := h.svc.ClaimNext(context.Background(), role, 1)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("ClaimNext(%q) returned %d tasks, want 1", role, len(claimed))
	}
	return claimed[0]
}

func (h *harness) claimNone(t *testing.T, role string) {
	t.Helper()
	claimed, err := h.svc.ClaimNext(context.Background(), role, 10)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("ClaimNext(%q) returned %v, want nothing", role, taskIDs(claimed))
	}
}

func intPtr(n int) *int { return &n }

func boolPtr(b bool) *bool { return &b }

func taskIDs(tasks []*scheduler.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

// drain returns every event buffered on sub without blocking.
func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countEvents(evs []events.Event, eventType string) int {
	n := 0
	for _, ev := range evs {
		if ev.EventType() == eventType {
			n++
		}
	}
	return n
}
