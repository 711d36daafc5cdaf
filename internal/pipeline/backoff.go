package pipeline

import (
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter returns an exponential backoff for the given retry count,
// capped at max, with half-window jitter to spread thundering retries.
func backoffWithJitter(base, max time.Duration, retry int) time.Duration {
	if retry <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(retry-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
