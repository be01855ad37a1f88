package utils

import (
	"context"
	"fmt"
	"time"
)

type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

var DefaultRetryConfig = RetryConfig{
	MaxRetries:     5,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
}

// RetryWithBackoff runs fn until it succeeds, the retries are exhausted or
// ctx is done, sleeping an exponentially growing backoff between attempts.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, name string, fn func() error) error {
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			Debugf("Retry", "%s: attempt %d/%d after %v", name, attempt, cfg.MaxRetries, backoff)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", name, cfg.MaxRetries+1, lastErr)
}
