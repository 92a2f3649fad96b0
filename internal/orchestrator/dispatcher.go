package orchestrator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/dreamteam/internal/coordination"
	"github.com/aristath/dreamteam/internal/scheduler"
)

// DispatcherConfig configures a dispatcher.
type DispatcherConfig struct {
	Role         string        // Role to claim; "" claims any role
	Concurrency  int           // Max concurrent tasks (default 4)
	PollInterval time.Duration // Claim interval without wakeups (default 1s)

	// OnOutcome, when set, is called after every supervised run.
	OnOutcome func(task *scheduler.Task, out Outcome)
}

// Dispatcher claims eligible tasks and runs them through a Supervisor with
// bounded concurrency. It claims on a poll interval, when a notifier
// reports work for its role, and whenever a slot frees up.
type Dispatcher struct {
	cfg      DispatcherConfig
	svc      *Service
	sup      *Supervisor
	notifier coordination.Notifier
	log      *slog.Logger
	inFlight atomic.Int64
	kick     chan struct{}
}

// NewDispatcher creates a dispatcher. notifier may be nil.
func NewDispatcher(cfg DispatcherConfig, svc *Service, sup *Supervisor, notifier coordination.Notifier, logger *slog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		svc:      svc,
		sup:      sup,
		notifier: notifier,
		log:      logger.With("dispatcher", roleLabel(cfg.Role)),
		kick:     make(chan struct{}, 1),
	}
}

// InFlight returns the number of tasks currently being supervised.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// Run dispatches until ctx is cancelled, then waits for in-flight runs to
// return. Supervisors abandon their executors on cancellation, so the
// wait is bounded.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wake <-chan string
	if d.notifier != nil {
		ch, unsubscribe, err := d.notifier.Subscribe(ctx)
		if err != nil {
			d.log.Warn("wakeup subscription failed, polling only", "error", err)
		} else {
			wake = ch
			defer unsubscribe()
		}
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)

	d.log.Info("dispatcher started", "concurrency", d.cfg.Concurrency, "poll_interval", d.cfg.PollInterval)
	for {
		if _, err := d.dispatch(ctx, &g); err != nil && ctx.Err() == nil {
			d.log.Error("dispatch failed", "error", err)
		}
		if !d.wait(ctx, ticker.C, &wake) {
			break
		}
	}

	_ = g.Wait()
	d.log.Info("dispatcher stopped")
	return nil
}

// wait blocks until the next dispatch trigger. Returns false on shutdown.
func (d *Dispatcher) wait(ctx context.Context, tick <-chan time.Time, wake *<-chan string) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-tick:
			return true
		case <-d.kick:
			return true
		case role, ok := <-*wake:
			if !ok {
				*wake = nil
				continue
			}
			if d.serves(role) {
				return true
			}
		}
	}
}

// dispatch claims as many tasks as there are free slots and starts them.
func (d *Dispatcher) dispatch(ctx context.Context, g *errgroup.Group) (int, error) {
	free := d.cfg.Concurrency - d.InFlight()
	if free <= 0 {
		return 0, nil
	}
	// Claimed tasks would fail fast against an open breaker and burn retries.
	if d.cfg.Role != "" {
		if state, ok := d.sup.breakers.State(d.cfg.Role); ok && state == gobreaker.StateOpen {
			d.log.Debug("breaker open, skipping claim")
			return 0, nil
		}
	}

	tasks, err := d.svc.ClaimNext(ctx, d.cfg.Role, free)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		d.inFlight.Add(1)
		d.svc.recorder.InFlight(t.Role, 1)
		g.Go(func() error {
			defer func() {
				d.inFlight.Add(-1)
				d.svc.recorder.InFlight(t.Role, -1)
				d.signal()
			}()
			out := d.sup.Run(ctx, t)
			if d.cfg.OnOutcome != nil {
				d.cfg.OnOutcome(t, out)
			}
			return nil
		})
	}
	return len(tasks), nil
}

func (d *Dispatcher) signal() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) serves(role string) bool {
	return d.cfg.Role == "" || role == "" || role == d.cfg.Role
}

func roleLabel(role string) string {
	if role == "" {
		return "*"
	}
	return role
}
