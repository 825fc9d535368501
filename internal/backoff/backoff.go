// Package backoff computes exponential backoff with jitter for restart
// scheduling.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes the delay curve.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// Factor is the exponential growth factor per attempt.
	Factor float64

	// Jitter in [0, 1] randomizes the delay upward by up to that fraction.
	Jitter float64
}

// DefaultPolicy doubles from the given initial delay up to a minute.
func DefaultPolicy(initial time.Duration) Policy {
	if initial <= 0 {
		initial = time.Second
	}
	return Policy{
		Initial: initial,
		Max:     time.Minute,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay returns the backoff for the given attempt. Attempts start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delayWithRand exists so tests can pin the random value.
func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if max := float64(p.Max); p.Max > 0 && total > max {
		total = max
	}
	return time.Duration(total).Round(time.Millisecond)
}
