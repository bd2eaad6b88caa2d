package embedder

import (
	"context"
	"time"
)

// retryConfig configures exponential backoff for whole-batch retries.
type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
}

// retryWithBackoff executes fn up to maxAttempts times with exponential
// backoff between attempts. Context cancellation stops retrying
// immediately.
func retryWithBackoff[T any](ctx context.Context, cfg retryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	backoff := cfg.baseDelay

	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt == cfg.maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * cfg.multiplier)
			if backoff > cfg.maxDelay {
				backoff = cfg.maxDelay
			}
		}
	}
	return zero, lastErr
}
