// Package resilience holds the retry policy, transient error classification,
// and circuit breakers shared by model, storage, and queue clients.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy describes exponential backoff with jitter. The zero value is usable
// and picks up DefaultPolicy values.
type Policy struct {
	// MaxAttempts counts the first call. 1 disables retries.
	MaxAttempts int

	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps any single wait.
	MaxDelay time.Duration

	// Multiplier grows the delay between consecutive retries.
	Multiplier float64

	// Jitter is the fraction of the delay randomized in both directions.
	Jitter float64

	// Retryable decides which errors are retried. Defaults to IsTransient.
	Retryable func(err error) bool

	// OnRetry runs before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.25,
	}
}

// FromSettings builds a policy from flat config values; non-positive values
// keep the defaults.
func FromSettings(maxAttempts, baseDelayMs, maxDelayMs int, multiplier, jitter float64) Policy {
	p := DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if baseDelayMs > 0 {
		p.BaseDelay = time.Duration(baseDelayMs) * time.Millisecond
	}
	if maxDelayMs > 0 {
		p.MaxDelay = time.Duration(maxDelayMs) * time.Millisecond
	}
	if multiplier > 0 {
		p.Multiplier = multiplier
	}
	if jitter >= 0 {
		p.Jitter = jitter
	}
	return p
}

// WithLogger returns a copy of p that logs each retry.
func (p Policy) WithLogger(logger *zap.Logger, component, op string) Policy {
	p.OnRetry = LogRetries(logger, component, op)
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are used up, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for calls that return a value.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var zero T
	var err error
	for attempt := 1; ; attempt++ {
		var val T
		val, err = fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || !p.Retryable(err) || attempt >= p.MaxAttempts {
			return zero, err
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	delay = math.Min(delay, float64(p.MaxDelay))

	if p.Jitter > 0 {
		spread := delay * p.Jitter
		delay += (rand.Float64()*2 - 1) * spread
	}
	return time.Duration(math.Max(delay, 0))
}

// LogRetries returns an OnRetry hook that logs at warn level.
func LogRetries(logger *zap.Logger, component, op string) func(int, time.Duration, error) {
	if logger == nil {
		logger = zap.L()
	}
	return func(attempt int, delay time.Duration, err error) {
		logger.Warn("retrying call",
			zap.String("component", component),
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
