package queue

import (
	"context"
	"time"
)

// maxBackoff caps exponential growth of retry delays.
const maxBackoff = 5 * time.Minute

// backoffDelay returns the wait before attempt n (0-based retry count).
func backoffDelay(n int, base time.Duration, expo bool) time.Duration {
	if base <= 0 {
		return 0
	}
	if !expo {
		return base
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// SleepOrDone waits for the duration or returns early on context
// cancellation.
func SleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
