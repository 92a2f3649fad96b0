package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError is a single invalid config value.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every problem found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:", len(e))
	for _, err := range e {
		sb.WriteString("\n  ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the accepted logging.level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks c and returns every invalid value found.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}
	positive := func(field string, n int) {
		if n <= 0 {
			add(field, n, "must be positive")
		}
	}

	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			add("store.dsn", c.Store.DSN, "required for postgres")
		}
	default:
		add("store.driver", c.Store.Driver, "must be sqlite or postgres")
	}

	s := c.Scheduler
	positive("scheduler.default_timeout_seconds", s.DefaultTimeoutSeconds)
	if s.DefaultMaxRetries < 0 {
		add("scheduler.default_max_retries", s.DefaultMaxRetries, "must not be negative")
	}
	positive("scheduler.retry_initial_ms", s.RetryInitialMs)
	if s.RetryMaxMs < s.RetryInitialMs {
		add("scheduler.retry_max_ms", s.RetryMaxMs, "must be at least retry_initial_ms")
	}
	if s.RetryMultiplier < 1 {
		add("scheduler.retry_multiplier", s.RetryMultiplier, "must be at least 1")
	}
	if s.RetryJitter < 0 || s.RetryJitter >= 1 {
		add("scheduler.retry_jitter", s.RetryJitter, "must be in [0, 1)")
	}
	positive("scheduler.heartbeat_grace_seconds", s.HeartbeatGraceSeconds)
	if s.MaxHeartbeatExtensionSeconds < 0 {
		add("scheduler.max_heartbeat_extension_seconds", s.MaxHeartbeatExtensionSeconds, "must not be negative")
	}
	positive("scheduler.stale_after_seconds", s.StaleAfterSeconds)
	positive("scheduler.max_cascade_depth", s.MaxCascadeDepth)
	positive("scheduler.max_dependency_depth", s.MaxDependencyDepth)
	positive("scheduler.max_error_length", s.MaxErrorLength)
	if s.HighFailureRate <= 0 || s.HighFailureRate > 1 {
		add("scheduler.high_failure_rate", s.HighFailureRate, "must be in (0, 1]")
	}

	positive("dispatcher.concurrency", c.Dispatcher.Concurrency)
	positive("dispatcher.poll_interval_ms", c.Dispatcher.PollIntervalMs)
	for _, role := range c.Dispatcher.Roles {
		if strings.TrimSpace(role) == "" {
			add("dispatcher.roles", c.Dispatcher.Roles, "must not contain empty roles")
			break
		}
	}

	positive("breaker.consecutive_failures", c.Breaker.ConsecutiveFailures)
	positive("breaker.open_timeout_seconds", c.Breaker.OpenTimeoutSeconds)
	positive("breaker.half_open_requests", c.Breaker.HalfOpenRequests)

	positive("daemon.watchdog_interval_seconds", c.Daemon.WatchdogIntervalSeconds)
	positive("daemon.retry_interval_seconds", c.Daemon.RetryIntervalSeconds)
	positive("daemon.metrics_interval_seconds", c.Daemon.MetricsIntervalSeconds)
	positive("daemon.lease_ttl_seconds", c.Daemon.LeaseTTLSeconds)

	positive("metrics.window_minutes", c.Metrics.WindowMinutes)
	positive("metrics.trend_limit", c.Metrics.TrendLimit)

	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis.addr", c.Redis.Addr, "required when redis is enabled")
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of "+strings.Join(ValidLogLevels(), ", "))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		add("logging.format", c.Logging.Format, "must be text or json")
	}

	roles := make([]string, 0, len(c.Executors))
	for role := range c.Executors {
		roles = append(roles, role)
	}
	slices.Sort(roles)
	for _, role := range roles {
		if len(c.Executors[role].Command) == 0 {
			add("executors."+role+".command", c.Executors[role].Command, "must not be empty")
		}
	}
	return errs
}
