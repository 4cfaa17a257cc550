package matching

import (
	"math/rand"
	"time"
)

// BackoffPolicy describes the jittered exponential retry schedule shared
// by findMatch and confirm pollers. Delays grow by Multiplier per attempt,
// capped at MaxDelay, with +/- Jitter applied so a burst of clients does
// not retry in lockstep.
type BackoffPolicy struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Jitter        float64 // fraction of the delay, e.g. 0.5 = +/-50%
	MaxAttempts   int     // 0 = unlimited
	GlobalTimeout time.Duration
}

// DefaultBackoffPolicy returns the production polling schedule: 1.5s base,
// growing 1.5x per attempt up to 8s, half-width jitter, give up after 2
// minutes of searching.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:     1500 * time.Millisecond,
		MaxDelay:      8 * time.Second,
		Multiplier:    1.5,
		Jitter:        0.5,
		MaxAttempts:   0,
		GlobalTimeout: 2 * time.Minute,
	}
}

// Delay returns the pause before retry number attempt (0-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	if d < 0 {
		d = 0
	}
	if max := float64(p.MaxDelay) * (1 + p.Jitter); d > max {
		d = max
	}
	return time.Duration(d)
}

// Exhausted reports whether the policy allows another retry given the
// attempt count and the time the polling began.
func (p BackoffPolicy) Exhausted(attempt int, startedAt time.Time) bool {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return true
	}
	if p.GlobalTimeout > 0 && time.Since(startedAt) >= p.GlobalTimeout {
		return true
	}
	return false
}
