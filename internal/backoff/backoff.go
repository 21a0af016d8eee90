// Package backoff computes retry delays.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// ExponentialJitter returns base·2^(attempt-1) capped at max, with ±20%
// jitter. attempt starts at 1.
func ExponentialJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	f := float64(base) * math.Pow(2, float64(attempt-1))
	d := max
	if f < float64(max) {
		d = time.Duration(f)
	}

	j := time.Duration(float64(d) * 0.2)
	if j <= 0 {
		return d
	}
	return d - j + time.Duration(rand.Int64N(int64(2*j)))
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter
// case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
