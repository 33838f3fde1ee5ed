package broker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/tradehive/tradehive/internal/faults"
)

// RetryConfig bounds the retry loop around venue calls.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         float64 // fraction of the backoff randomized, 0 disables
}

// DefaultRetryConfig returns the settings used for live venues.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.2,
	}
}

// WithRetry runs fn, retrying only failures the fault taxonomy marks
// retryable: RATE_LIMITED and transient provider errors. Auth failures and
// invalid input surface immediately, and the loop stops as soon as the
// context is done.
func WithRetry(ctx context.Context, cfg RetryConfig, op string, fn func() error) error {
	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s canceled during retry backoff: %w", op, ctx.Err())
			case <-time.After(jittered(backoff, cfg.Jitter)):
			}
			backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !faults.IsRetryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxRetries+1, lastErr)
}

func jittered(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	spread := float64(d) * frac
	return time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
}
