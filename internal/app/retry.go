package app

import (
	"context"
	"math/rand"
	"time"

	"circulator/pkg/store"
)

const (
	defaultMaxAttempts = 4
	retryBaseDelay     = 25 * time.Millisecond
	retryJitterFactor  = 0.3
)

// runTx executes fn through the store's unit of work, retrying with
// exponential backoff when the transaction lost a storage-level race
// (deadlock, lock timeout, serialization failure). Business-rule errors
// fail fast: OutOfStock is OutOfStock no matter how often you ask.
func (a *App) runTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			jitter := time.Duration(rand.Float64() * float64(delay) * retryJitterFactor)
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = a.store.WithTx(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !store.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
