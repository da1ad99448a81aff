package coordinator

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Base doubling per attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter in [0,1] removes up to that fraction of the delay at random.
	Jitter float64
	// Rand returns values in [0,1); nil uses math/rand/v2.
	Rand func() float64
}

// DefaultBackoff is used when no backoff is configured.
var DefaultBackoff = Backoff{Base: time.Second, Max: 5 * time.Minute, Jitter: 0.2}

// Delay returns the un-jittered delay before retrying after attempt (1-based).
// It is non-decreasing in attempt and never exceeds Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		next := d * 2
		if next <= d {
			d = math.MaxInt64
			break
		}
		d = next
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Next returns the jittered delay for attempt.
func (b Backoff) Next(attempt int) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter <= 0 || d <= 0 {
		return d
	}
	j := b.Jitter
	if j > 1 {
		j = 1
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	return d - time.Duration(r()*j*float64(d))
}
