// Package retry provides exponential backoff with jitter for backing-store
// connects and lock polling.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry configuration constants.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 50 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
	DefaultJitterFactor   = 0.25
)

// Config contains retry configuration parameters.
type Config struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// JitterFactor randomises each backoff by ±factor (0..1).
	JitterFactor float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

func (c *Config) initial() time.Duration {
	if c == nil || c.InitialBackoff <= 0 {
		return DefaultInitialBackoff
	}
	return c.InitialBackoff
}

func (c *Config) max() time.Duration {
	if c == nil || c.MaxBackoff <= 0 {
		return DefaultMaxBackoff
	}
	return c.MaxBackoff
}

func (c *Config) jitter() float64 {
	if c == nil || c.JitterFactor < 0 {
		return 0
	}
	return math.Min(c.JitterFactor, 1)
}

// Backoff returns the delay before retry number attempt (0-based).
func (c *Config) Backoff(attempt int) time.Duration {
	return CalculateBackoff(attempt, c.initial(), c.max(), c.jitter())
}

// ShouldRetryFunc determines if an error should trigger a retry.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before each retry attempt.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Options contains optional retry behaviour.
type Options struct {
	// ShouldRetry returns false for permanent errors. Nil retries everything.
	ShouldRetry ShouldRetryFunc
	OnRetry     OnRetryFunc
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done.
func Do(ctx context.Context, cfg *Config, fn func() error, opts *Options) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if opts != nil && opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		backoff := cfg.Backoff(attempt)
		if opts != nil && opts.OnRetry != nil {
			opts.OnRetry(attempt+1, lastErr, backoff)
		}
		if err := Sleep(ctx, backoff); err != nil {
			return err
		}
	}

	return lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CalculateBackoff computes initial*2^attempt capped at max, with ±jitter.
func CalculateBackoff(attempt int, initial, max time.Duration, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	if jitter > 0 {
		//nolint:gosec // G404: jitter does not need cryptographic randomness
		backoff += backoff * jitter * (2*rand.Float64() - 1)
	}
	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}
