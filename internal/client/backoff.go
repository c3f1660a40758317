package client

import (
	"math/rand"
	"time"
)

// Backoff returns the delay before reconnect attempt number attempt
// (zero-based): base × 2^attempt capped at max, plus uniform jitter of up to
// a quarter of the delay. The jitter bound keeps the sequence non-decreasing
// across consecutive failures until the cap.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}

	delay := max
	// Shift overflows past 62 bits; anything that far is beyond max anyway.
	if attempt < 62 {
		if d := base << uint(attempt); d > 0 && d < max {
			delay = d
		}
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
