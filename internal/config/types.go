package config

import "time"

// Config is the top-level configuration.
type Config struct {
	Store      StoreConfig               `mapstructure:"store" json:"store"`
	Scheduler  SchedulerConfig           `mapstructure:"scheduler" json:"scheduler"`
	Dispatcher DispatcherConfig          `mapstructure:"dispatcher" json:"dispatcher"`
	Breaker    BreakerConfig             `mapstructure:"breaker" json:"breaker"`
	Daemon     DaemonConfig              `mapstructure:"daemon" json:"daemon"`
	Metrics    MetricsConfig             `mapstructure:"metrics" json:"metrics"`
	Redis      RedisConfig               `mapstructure:"redis" json:"redis"`
	HTTP       HTTPConfig                `mapstructure:"http" json:"http"`
	Logging    LoggingConfig             `mapstructure:"logging" json:"logging"`
	Executors  map[string]ExecutorConfig `mapstructure:"executors" json:"executors,omitempty"`
}

// StoreConfig selects the task store.
type StoreConfig struct {
	Driver string `mapstructure:"driver" json:"driver"` // "sqlite" or "postgres"
	DSN    string `mapstructure:"dsn" json:"dsn"`       // File path for sqlite, connection string for postgres
}

// SchedulerConfig holds task lifecycle policy.
type SchedulerConfig struct {
	DefaultTimeoutSeconds        int     `mapstructure:"default_timeout_seconds" json:"default_timeout_seconds"`
	DefaultMaxRetries            int     `mapstructure:"default_max_retries" json:"default_max_retries"`
	RetryInitialMs               int     `mapstructure:"retry_initial_ms" json:"retry_initial_ms"`
	RetryMaxMs                   int     `mapstructure:"retry_max_ms" json:"retry_max_ms"`
	RetryMultiplier              float64 `mapstructure:"retry_multiplier" json:"retry_multiplier"`
	RetryJitter                  float64 `mapstructure:"retry_jitter" json:"retry_jitter"`
	HeartbeatGraceSeconds        int     `mapstructure:"heartbeat_grace_seconds" json:"heartbeat_grace_seconds"`
	MaxHeartbeatExtensionSeconds int     `mapstructure:"max_heartbeat_extension_seconds" json:"max_heartbeat_extension_seconds"`
	StaleAfterSeconds            int     `mapstructure:"stale_after_seconds" json:"stale_after_seconds"`
	MaxCascadeDepth              int     `mapstructure:"max_cascade_depth" json:"max_cascade_depth"`
	MaxDependencyDepth           int     `mapstructure:"max_dependency_depth" json:"max_dependency_depth"`
	MaxErrorLength               int     `mapstructure:"max_error_length" json:"max_error_length"`
	HighFailureRate              float64 `mapstructure:"high_failure_rate" json:"high_failure_rate"`
}

// DispatcherConfig configures the in-process dispatchers.
type DispatcherConfig struct {
	// Roles gets one dispatcher each. Empty runs a single dispatcher for
	// every role.
	Roles          []string `mapstructure:"roles" json:"roles"`
	Concurrency    int      `mapstructure:"concurrency" json:"concurrency"`
	PollIntervalMs int      `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
}

// BreakerConfig configures the per-role circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures int `mapstructure:"consecutive_failures" json:"consecutive_failures"`
	OpenTimeoutSeconds  int `mapstructure:"open_timeout_seconds" json:"open_timeout_seconds"`
	HalfOpenRequests    int `mapstructure:"half_open_requests" json:"half_open_requests"`
}

// DaemonConfig sets the background sweep intervals.
type DaemonConfig struct {
	WatchdogIntervalSeconds int `mapstructure:"watchdog_interval_seconds" json:"watchdog_interval_seconds"`
	RetryIntervalSeconds    int `mapstructure:"retry_interval_seconds" json:"retry_interval_seconds"`
	MetricsIntervalSeconds  int `mapstructure:"metrics_interval_seconds" json:"metrics_interval_seconds"`
	LeaseTTLSeconds         int `mapstructure:"lease_ttl_seconds" json:"lease_ttl_seconds"`
}

// MetricsConfig configures snapshot aggregation.
type MetricsConfig struct {
	WindowMinutes int `mapstructure:"window_minutes" json:"window_minutes"`
	TrendLimit    int `mapstructure:"trend_limit" json:"trend_limit"`
}

// RedisConfig enables cross-process leases and wakeups.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"password,omitempty"`
	DB       int    `mapstructure:"db" json:"db"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" json:"addr"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // text or json
	File   string `mapstructure:"file" json:"file,omitempty"`
}

// ExecutorConfig maps a role to the command that runs its tasks.
type ExecutorConfig struct {
	Command []string `mapstructure:"command" json:"command"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// DefaultTimeout returns the timeout for tasks without their own.
func (c SchedulerConfig) DefaultTimeout() time.Duration { return seconds(c.DefaultTimeoutSeconds) }

// RetryInitial returns the first retry delay.
func (c SchedulerConfig) RetryInitial() time.Duration {
	return time.Duration(c.RetryInitialMs) * time.Millisecond
}

// RetryMax returns the retry delay cap.
func (c SchedulerConfig) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxMs) * time.Millisecond
}

func (c SchedulerConfig) HeartbeatGrace() time.Duration { return seconds(c.HeartbeatGraceSeconds) }

func (c SchedulerConfig) MaxHeartbeatExtension() time.Duration {
	return seconds(c.MaxHeartbeatExtensionSeconds)
}

func (c SchedulerConfig) StaleAfter() time.Duration { return seconds(c.StaleAfterSeconds) }

// PollInterval returns the claim interval without wakeups.
func (c DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c BreakerConfig) OpenTimeout() time.Duration { return seconds(c.OpenTimeoutSeconds) }

func (c DaemonConfig) WatchdogInterval() time.Duration { return seconds(c.WatchdogIntervalSeconds) }
func (c DaemonConfig) RetryInterval() time.Duration    { return seconds(c.RetryIntervalSeconds) }
func (c DaemonConfig) MetricsInterval() time.Duration  { return seconds(c.MetricsIntervalSeconds) }
func (c DaemonConfig) LeaseTTL() time.Duration         { return seconds(c.LeaseTTLSeconds) }

// Window returns the trailing window for snapshots.
func (c MetricsConfig) Window() time.Duration { return time.Duration(c.WindowMinutes) * time.Minute }
