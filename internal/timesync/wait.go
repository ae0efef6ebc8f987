package timesync

import (
	"context"
	"time"
)

// spinWindow is how long before a deadline WaitUntil stops sleeping and
// starts spinning. Timer wake-up jitter is a few milliseconds, more than a
// training message can tolerate.
const spinWindow = 2 * time.Millisecond

// WaitUntil blocks until deadline. It sleeps until spinWindow before the
// deadline and busy-waits for the rest, occupying a thread for that time.
// Only the training send path uses it.
func WaitUntil(ctx context.Context, deadline time.Time) error {
	if d := time.Until(deadline) - spinWindow; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Timestamp converts t to the peripheral's 32-bit millisecond timestamp.
// The value wraps about every 49 days; the peripheral only compares nearby
// values.
func Timestamp(t time.Time) uint32 {
	return uint32(t.UnixMilli())
}
