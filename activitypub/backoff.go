package activitypub

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays that grow geometrically up to Cap. Jitter
// adds up to that fraction of the delay. It is limited to Multiplier-1 so
// later delays are never shorter than earlier ones.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     float64
}

// Delay returns the wait after the given number of failed attempts.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := max(b.Multiplier, 1)
	delay := float64(b.Base) * math.Pow(mult, float64(attempt-1))

	if jitter := min(b.Jitter, mult-1); jitter > 0 {
		delay += delay * jitter * rand.Float64()
	}
	if delay >= float64(b.Cap) || math.IsInf(delay, 0) {
		return b.Cap
	}
	return time.Duration(delay)
}
