package engine

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before retry number n (1-based) of a queue item.
// Delays grow by Factor from Initial, are capped at Max and then spread by
// ±Jitter so devices that failed together do not retry together.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// Delay returns the wait before retry n.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(b.Initial) * math.Pow(b.Factor, float64(n-1))
	if d > float64(b.Max) || math.IsInf(d, 0) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}
