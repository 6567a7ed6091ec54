package queue

import (
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before a job whose attempt-th attempt failed is
// eligible again: base doubled for every earlier attempt, capped at max.
// attempt is 1-based because attempts are counted when a job is claimed.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	return min(d, max)
}

// equalJitter keeps half of d and randomises the other half.
func equalJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}
