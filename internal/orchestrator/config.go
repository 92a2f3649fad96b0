package orchestrator

import (
	"time"

	"github.com/aristath/dreamteam/internal/scheduler"
)

// Config holds scheduling knobs for the Service.
type Config struct {
	DefaultTimeout        time.Duration // Used when a task has no TimeoutSeconds
	DefaultMaxRetries     int
	Retry                 scheduler.RetryConfig
	HeartbeatGrace        time.Duration // Heartbeat freshness window for active tasks
	MaxHeartbeatExtension time.Duration // Heartbeats cannot extend a task past timeout + this
	StaleAfter            time.Duration
	MaxCascadeDepth       int
	MaxDependencyDepth    int
	MaxErrorLength        int

	MetricsWindow   time.Duration
	TrendLimit      int
	HighFailureRate float64 // Alert threshold on the trailing window, 0..1
}

// DefaultConfig returns the default scheduling configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:        5 * time.Minute,
		DefaultMaxRetries:     3,
		Retry:                 scheduler.DefaultRetryConfig(),
		HeartbeatGrace:        time.Minute,
		MaxHeartbeatExtension: 30 * time.Minute,
		StaleAfter:            time.Hour,
		MaxCascadeDepth:       scheduler.DefaultMaxDepth,
		MaxDependencyDepth:    scheduler.DefaultMaxDepth,
		MaxErrorLength:        2000,
		MetricsWindow:         time.Hour,
		TrendLimit:            288,
		HighFailureRate:       0.5,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = def.HeartbeatGrace
	}
	if c.MaxHeartbeatExtension <= 0 {
		c.MaxHeartbeatExtension = def.MaxHeartbeatExtension
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.MaxCascadeDepth <= 0 {
		c.MaxCascadeDepth = def.MaxCascadeDepth
	}
	if c.MaxDependencyDepth <= 0 {
		c.MaxDependencyDepth = def.MaxDependencyDepth
	}
	if c.MaxErrorLength <= 0 {
		c.MaxErrorLength = def.MaxErrorLength
	}
	if c.MetricsWindow <= 0 {
		c.MetricsWindow = def.MetricsWindow
	}
	if c.TrendLimit <= 0 {
		c.TrendLimit = def.TrendLimit
	}
	if c.HighFailureRate <= 0 || c.HighFailureRate > 1 {
		c.HighFailureRate = def.HighFailureRate
	}
	return c
}
