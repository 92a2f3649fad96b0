package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/dreamteam/internal/coordination"
)

// Lease names for sweeps that must run in one process at a time.
const (
	watchdogLease = "watchdog"
	metricsLease  = "metrics"
)

// DaemonConfig configures the background loops.
type DaemonConfig struct {
	WatchdogInterval time.Duration // Stuck-task sweep (default 10s)
	RetryInterval    time.Duration // Due-retry wakeups (default 5s)
	MetricsInterval  time.Duration // Snapshot recording (default 1m)
	LeaseTTL         time.Duration // Lease on singleton sweeps (default 30s)
}

// Daemon runs dispatchers and the periodic sweeps until its context ends.
type Daemon struct {
	cfg         DaemonConfig
	svc         *Service
	dispatchers []*Dispatcher
	locker      coordination.Locker
	log         *slog.Logger
}

// NewDaemon creates a daemon. A nil locker gets an in-process one.
func NewDaemon(cfg DaemonConfig, svc *Service, dispatchers []*Dispatcher, locker coordination.Locker, logger *slog.Logger) *Daemon {
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if locker == nil {
		locker = coordination.NewLocalLocker(time.Now)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{cfg: cfg, svc: svc, dispatchers: dispatchers, locker: locker, log: logger}
}

// Run blocks until ctx is cancelled and every loop has returned.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, disp := range d.dispatchers {
		g.Go(func() error { return disp.Run(gctx) })
	}

	g.Go(func() error {
		return d.every(gctx, "watchdog", d.cfg.WatchdogInterval, d.leased(watchdogLease, func(ctx context.Context) error {
			_, err := d.svc.SweepStuck(ctx)
			return err
		}))
	})
	g.Go(func() error {
		return d.every(gctx, "retry", d.cfg.RetryInterval, func(ctx context.Context) error {
			n, err := d.svc.SweepRetryable(ctx)
			if n > 0 {
				d.log.Debug("retries due", "count", n)
			}
			return err
		})
	})
	g.Go(func() error {
		return d.every(gctx, "metrics", d.cfg.MetricsInterval, d.leased(metricsLease, func(ctx context.Context) error {
			_, err := d.svc.RecordPerRole(ctx)
			return err
		}))
	})

	d.log.Info("daemon started", "dispatchers", len(d.dispatchers))
	err := g.Wait()
	d.log.Info("daemon stopped")
	return err
}

// leased wraps fn so it is skipped when another process holds the lease.
func (d *Daemon) leased(name string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ran, err := coordination.WithLease(ctx, d.locker, name, d.cfg.LeaseTTL, fn)
		if err == nil && !ran {
			d.log.Debug("sweep skipped, lease held elsewhere", "lease", name)
		}
		return err
	}
}

// every runs fn on each tick. Failures are logged and the loop continues.
func (d *Daemon) every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("sweep failed", "loop", name, "error", err)
			}
		}
	}
}
