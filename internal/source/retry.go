package source

import (
	"context"
	"time"
)

const maxAttempts = 5

// sleepBackoff waits 1s, 2s, 4s, 8s... before the given retry attempt,
// or returns early when the context is cancelled.
func sleepBackoff(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<(attempt-1)) * time.Second
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
