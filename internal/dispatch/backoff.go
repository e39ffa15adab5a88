package dispatch

import (
	"math/rand"
	"time"
)

// NextDelay computes the backoff before the next attempt, given the number
// of attempts already made (1-based): base * 2^(attempt-1), capped per step,
// with +/- jitterPct applied so retries across tenants don't herd.
func NextDelay(attempt int, base, cap time.Duration, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	if jitterPct > 0 {
		j := 1 + (rand.Float64()*2-1)*jitterPct
		if j < 0.1 {
			j = 0.1
		}
		d = time.Duration(float64(d) * j)
	}
	return d
}
