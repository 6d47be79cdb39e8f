package resilience

import (
	"math/rand"
	"time"
)

// maxBackoffShift caps the doubling so large attempt counts cannot overflow.
const maxBackoffShift = 16

// Backoff returns base doubled per attempt after the first, spread by
// ±jitter (0.2 means ±20%).
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	d := base << shift
	if jitter <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * jitter * float64(d)
	return d + time.Duration(spread)
}
