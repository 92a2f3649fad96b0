package config

import "github.com/spf13/viper"

// DefaultConfig returns the built-in configuration: a local SQLite store,
// one dispatcher for every role and no Redis.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    ".dreamteam/dreamteam.db",
		},
		Scheduler: SchedulerConfig{
			DefaultTimeoutSeconds:        300,
			DefaultMaxRetries:            3,
			RetryInitialMs:               5000,
			RetryMaxMs:                   600000,
			RetryMultiplier:              2.0,
			RetryJitter:                  0.2,
			HeartbeatGraceSeconds:        60,
			MaxHeartbeatExtensionSeconds: 1800,
			StaleAfterSeconds:            3600,
			MaxCascadeDepth:              64,
			MaxDependencyDepth:           64,
			MaxErrorLength:               2000,
			HighFailureRate:              0.5,
		},
		Dispatcher: DispatcherConfig{
			Roles:          []string{},
			Concurrency:    4,
			PollIntervalMs: 1000,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeoutSeconds:  30,
			HalfOpenRequests:    3,
		},
		Daemon: DaemonConfig{
			WatchdogIntervalSeconds: 10,
			RetryIntervalSeconds:    5,
			MetricsIntervalSeconds:  60,
			LeaseTTLSeconds:         30,
		},
		Metrics: MetricsConfig{
			WindowMinutes: 60,
			TrendLimit:    288,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:8420",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Executors: map[string]ExecutorConfig{},
	}
}

// setDefaults registers every default on v. Environment overrides only
// apply to keys viper knows about, so every scalar key is listed.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)

	v.SetDefault("scheduler.default_timeout_seconds", d.Scheduler.DefaultTimeoutSeconds)
	v.SetDefault("scheduler.default_max_retries", d.Scheduler.DefaultMaxRetries)
	v.SetDefault("scheduler.retry_initial_ms", d.Scheduler.RetryInitialMs)
	v.SetDefault("scheduler.retry_max_ms", d.Scheduler.RetryMaxMs)
	v.SetDefault("scheduler.retry_multiplier", d.Scheduler.RetryMultiplier)
	v.SetDefault("scheduler.retry_jitter", d.Scheduler.RetryJitter)
	v.SetDefault("scheduler.heartbeat_grace_seconds", d.Scheduler.HeartbeatGraceSeconds)
	v.SetDefault("scheduler.max_heartbeat_extension_seconds", d.Scheduler.MaxHeartbeatExtensionSeconds)
	v.SetDefault("scheduler.stale_after_seconds", d.Scheduler.StaleAfterSeconds)
	v.SetDefault("scheduler.max_cascade_depth", d.Scheduler.MaxCascadeDepth)
	v.SetDefault("scheduler.max_dependency_depth", d.Scheduler.MaxDependencyDepth)
	v.SetDefault("scheduler.max_error_length", d.Scheduler.MaxErrorLength)
	v.SetDefault("scheduler.high_failure_rate", d.Scheduler.HighFailureRate)

	v.SetDefault("dispatcher.roles", d.Dispatcher.Roles)
	v.SetDefault("dispatcher.concurrency", d.Dispatcher.Concurrency)
	v.SetDefault("dispatcher.poll_interval_ms", d.Dispatcher.PollIntervalMs)

	v.SetDefault("breaker.consecutive_failures", d.Breaker.ConsecutiveFailures)
	v.SetDefault("breaker.open_timeout_seconds", d.Breaker.OpenTimeoutSeconds)
	v.SetDefault("breaker.half_open_requests", d.Breaker.HalfOpenRequests)

	v.SetDefault("daemon.watchdog_interval_seconds", d.Daemon.WatchdogIntervalSeconds)
	v.SetDefault("daemon.retry_interval_seconds", d.Daemon.RetryIntervalSeconds)
	v.SetDefault("daemon.metrics_interval_seconds", d.Daemon.MetricsIntervalSeconds)
	v.SetDefault("daemon.lease_ttl_seconds", d.Daemon.LeaseTTLSeconds)

	v.SetDefault("metrics.window_minutes", d.Metrics.WindowMinutes)
	v.SetDefault("metrics.trend_limit", d.Metrics.TrendLimit)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("http.addr", d.HTTP.Addr)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
}
