// Package resilience provides the retry and circuit-breaker primitives
// used to wrap outbound calls to the license manager and delivery sinks.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures exponential backoff with jitter.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, fraction of delay randomized
}

// DefaultRetryConfig is the general-purpose backoff that
// DeliveryRetryConfig starts from.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// DeliveryRetryConfig caps at 5 attempts, per the report-delivery retry
// contract (§8).
func DeliveryRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 5
	cfg.MaxDelay = 2 * time.Minute
	return cfg
}

// LicenseAdmitRetryConfig bounds how long JM retries a license-manager
// admission check that keeps reporting UNAVAILABLE before failing the
// job fast instead (§4.3, §8).
func LicenseAdmitRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Retry executes fn with exponential backoff, stopping early if ctx is
// cancelled or fn succeeds.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(addJitter(delay, cfg.Jitter)):
			}
			delay = nextDelay(delay, cfg)
		}
	}
	return lastErr
}

func nextDelay(current time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
