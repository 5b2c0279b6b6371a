package autosave

import (
	"math"
	"time"
)

// Backoff computes exponential retry delays: Initial, Initial*Multiplier, ...
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	// MaxRetries caps the number of retries; zero disables retrying.
	MaxRetries int
}

// NextDelay returns the delay before retry number attempt (0-based) and
// whether another retry is allowed.
func (b Backoff) NextDelay(attempt int) (time.Duration, bool) {
	if attempt >= b.MaxRetries {
		return 0, false
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(b.Initial) * math.Pow(mult, float64(attempt))), true
}
