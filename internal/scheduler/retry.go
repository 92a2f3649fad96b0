package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures exponential backoff between retry attempts.
type RetryConfig struct {
	InitialInterval     time.Duration // Delay before the first retry
	MaxInterval         time.Duration // Cap on a single delay
	Multiplier          float64       // Growth factor per attempt
	RandomizationFactor float64       // Jitter factor, 0 disables jitter
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     5 * time.Second,
		MaxInterval:         10 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.2,
	}
}

// Decision is the outcome of RetryPolicy.Decide.
type Decision struct {
	Retry       bool
	Delay       time.Duration
	NextRetryAt time.Time
}

// RetryPolicy decides whether a failed attempt is retried or final.
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy creates a RetryPolicy, filling zero fields from defaults.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.RandomizationFactor < 0 {
		cfg.RandomizationFactor = 0
	}
	return &RetryPolicy{cfg: cfg}
}

// Decide returns PermanentFail (Retry=false) when the task opted out of
// retries or has used its budget, otherwise a retry after Backoff(RetryCount).
func (p *RetryPolicy) Decide(task *Task, now time.Time) Decision {
	if !task.IsRetryable || task.RetryCount >= task.MaxRetries {
		return Decision{}
	}
	delay := p.Backoff(task.RetryCount)
	return Decision{
		Retry:       true,
		Delay:       delay,
		NextRetryAt: now.Add(delay),
	}
}

// Backoff returns the delay before retry number retryCount+1.
func (p *RetryPolicy) Backoff(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval
	b.Multiplier = p.cfg.Multiplier
	b.RandomizationFactor = p.cfg.RandomizationFactor
	b.MaxElapsedTime = 0 // Bounded by MaxRetries, not wall time
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// ApplyRetry moves a failed attempt back to pending per the decision.
// The caller records Error/ErrorType beforehand.
func ApplyRetry(task *Task, d Decision, now time.Time) error {
	if err := Transition(task, TaskPending, now); err != nil {
		return err
	}
	task.RetryCount++
	task.NextRetryAt = TimePtr(d.NextRetryAt)
	task.StartedAt = nil
	task.LastHeartbeatAt = nil
	return nil
}
