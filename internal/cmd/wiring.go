package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aristath/dreamteam/internal/config"
	"github.com/aristath/dreamteam/internal/coordination"
	"github.com/aristath/dreamteam/internal/events"
	"github.com/aristath/dreamteam/internal/executor"
	"github.com/aristath/dreamteam/internal/metrics"
	"github.com/aristath/dreamteam/internal/orchestrator"
	"github.com/aristath/dreamteam/internal/persistence"
	"github.com/aristath/dreamteam/internal/scheduler"
)

// fallbackRole is the executors key that serves roles without their own entry.
const fallbackRole = "*"

// runtime is the set of collaborators behind one Service.
type runtime struct {
	store    *persistence.SQLStore
	rdb      *redis.Client
	notifier coordination.Notifier
	locker   coordination.Locker
	bus      *events.EventBus
	recorder *metrics.Recorder
	svc      *orchestrator.Service
}

// openRuntime opens the store and, when enabled, Redis, then builds the
// Service over them.
func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	store, err := persistence.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}

	rt := &runtime{
		store:    store,
		bus:      events.NewEventBus(),
		recorder: metrics.NewRecorder(),
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			rt.bus.Close()
			store.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		rt.rdb = rdb
		rt.notifier = coordination.NewRedisNotifier(rdb)
		rt.locker = coordination.NewRedisLocker(rdb)
	} else {
		rt.notifier = coordination.NewLocalNotifier()
		rt.locker = coordination.NewLocalLocker(time.Now)
	}

	rt.svc = orchestrator.NewService(store, orchestratorConfig(cfg), orchestrator.Options{
		Notifier: rt.notifier,
		Bus:      rt.bus,
		Recorder: rt.recorder,
		Logger:   logger,
	})
	return rt, nil
}

// Close releases the event bus, Redis and the store.
func (rt *runtime) Close() error {
	rt.bus.Close()
	if rt.rdb != nil {
		rt.rdb.Close()
	}
	return rt.store.Close()
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	s := cfg.Scheduler
	return orchestrator.Config{
		DefaultTimeout:    s.DefaultTimeout(),
		DefaultMaxRetries: s.DefaultMaxRetries,
		Retry: scheduler.RetryConfig{
			InitialInterval:     s.RetryInitial(),
			MaxInterval:         s.RetryMax(),
			Multiplier:          s.RetryMultiplier,
			RandomizationFactor: s.RetryJitter,
		},
		HeartbeatGrace:        s.HeartbeatGrace(),
		MaxHeartbeatExtension: s.MaxHeartbeatExtension(),
		StaleAfter:            s.StaleAfter(),
		MaxCascadeDepth:       s.MaxCascadeDepth,
		MaxDependencyDepth:    s.MaxDependencyDepth,
		MaxErrorLength:        s.MaxErrorLength,
		MetricsWindow:         cfg.Metrics.Window(),
		TrendLimit:            cfg.Metrics.TrendLimit,
		HighFailureRate:       s.HighFailureRate,
	}
}

func breakerConfig(cfg *config.Config) orchestrator.BreakerConfig {
	return orchestrator.BreakerConfig{
		MaxRequests:         uint32(cfg.Breaker.HalfOpenRequests),
		OpenTimeout:         cfg.Breaker.OpenTimeout(),
		ConsecutiveFailures: uint32(cfg.Breaker.ConsecutiveFailures),
	}
}

func daemonConfig(cfg *config.Config) orchestrator.DaemonConfig {
	return orchestrator.DaemonConfig{
		WatchdogInterval: cfg.Daemon.WatchdogInterval(),
		RetryInterval:    cfg.Daemon.RetryInterval(),
		MetricsInterval:  cfg.Daemon.MetricsInterval(),
		LeaseTTL:         cfg.Daemon.LeaseTTL(),
	}
}

// dispatcherConfigs returns one dispatcher per configured role, or a single
// dispatcher serving every role when none are listed.
func dispatcherConfigs(cfg *config.Config) []orchestrator.DispatcherConfig {
	roles := cfg.Dispatcher.Roles
	if len(roles) == 0 {
		roles = []string{""}
	}
	out := make([]orchestrator.DispatcherConfig, 0, len(roles))
	for _, role := range roles {
		out = append(out, orchestrator.DispatcherConfig{
			Role:         role,
			Concurrency:  cfg.Dispatcher.Concurrency,
			PollInterval: cfg.Dispatcher.PollInterval(),
		})
	}
	return out
}

// buildRouter registers a CommandExecutor per configured role. The "*"
// entry serves every role without its own.
func buildRouter(cfg *config.Config, pm *executor.ProcessManager) (*executor.Router, error) {
	router := executor.NewRouter()
	roles := make([]string, 0, len(cfg.Executors))
	for role := range cfg.Executors {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	for _, role := range roles {
		exec, err := executor.NewCommandExecutor(cfg.Executors[role].Command, pm)
		if err != nil {
			return nil, fmt.Errorf("executor %q: %w", role, err)
		}
		if role == fallbackRole {
			role = ""
		}
		router.Handle(role, exec)
	}
	return router, nil
}
