package client

import (
	"testing"
	"time"
)

// TestBackoffBounds verifies each delay stays within its jitter envelope
func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	base := time.Second
	max := 30 * time.Second

	for attempt := 0; attempt < 10; attempt++ {
		pure := base << uint(attempt)
		if pure > max || pure <= 0 {
			pure = max
		}

		for i := 0; i < 50; i++ {
			got := Backoff(attempt, base, max)
			if got < pure {
				t.Fatalf("attempt %d: delay %v below %v", attempt, got, pure)
			}
			if got > pure+pure/4 {
				t.Fatalf("attempt %d: delay %v above jitter envelope %v", attempt, got, pure+pure/4)
			}
		}
	}
}

// TestBackoffNonDecreasing verifies consecutive failures never shorten the
// delay up to the ceiling
func TestBackoffNonDecreasing(t *testing.T) {
	t.Parallel()

	base := 500 * time.Millisecond
	max := 16 * time.Second

	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		got := Backoff(attempt, base, max)
		if got < prev {
			t.Fatalf("attempt %d: delay %v shorter than previous %v", attempt, got, prev)
		}
		// Next iteration compares against this attempt's floor, not its
		// jittered value, matching the non-decreasing guarantee.
		floor := base << uint(attempt)
		if floor > max {
			floor = max
		}
		prev = floor
	}
}

// TestBackoffLargeAttemptCapped verifies huge attempt counts settle at max
func TestBackoffLargeAttemptCapped(t *testing.T) {
	t.Parallel()

	max := 30 * time.Second
	got := Backoff(100, time.Second, max)
	if got < max || got > max+max/4 {
		t.Errorf("delay %v outside [%v, %v]", got, max, max+max/4)
	}
}

// TestBackoffDefaults verifies degenerate configuration is tolerated
func TestBackoffDefaults(t *testing.T) {
	t.Parallel()

	if got := Backoff(0, 0, 0); got < time.Second {
		t.Errorf("delay %v below default base", got)
	}
	if got := Backoff(3, 10*time.Second, time.Second); got < 10*time.Second {
		t.Errorf("delay %v below base when max < base", got)
	}
}
