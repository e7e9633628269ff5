// Package reconnect implements backoff strategies, the reconnection
// policy, and the health monitor of spec.md §4.9.
package reconnect

import (
	"time"

	"lukechampine.com/frand"
)

// BackoffStrategy computes the delay before reconnect attempt n (0-based),
// per spec.md §4.9.
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// Exponential is base·multiplier^attempt, capped at max.
type Exponential struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	d := float64(e.Base)
	for i := 0; i < attempt; i++ {
		d *= e.Multiplier
	}
	delay := time.Duration(d)
	if e.Max > 0 && delay > e.Max {
		delay = e.Max
	}
	return delay
}

// Constant always returns the same delay.
type Constant struct {
	Delay_ time.Duration
}

func (c Constant) Delay(int) time.Duration { return c.Delay_ }

// Linear is base + attempt*increment, capped at max.
type Linear struct {
	Base      time.Duration
	Increment time.Duration
	Max       time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	delay := l.Base + time.Duration(attempt)*l.Increment
	if l.Max > 0 && delay > l.Max {
		delay = l.Max
	}
	return delay
}

// None always returns zero delay, the ".none" preset of spec.md §4.9.
type None struct{}

func (None) Delay(int) time.Duration { return 0 }

// Jittered wraps a BackoffStrategy, applying uniform jitter in
// [-factor, +factor] × delay, per spec.md §4.9. Uses frand (the teacher's
// CSPRNG of choice) rather than math/rand, consistent with the rest of the
// module's randomness sourcing (nonces, ephemeral keys).
type Jittered struct {
	Inner  BackoffStrategy
	Factor float64 // in [0, 1]
}

func (j Jittered) Delay(attempt int) time.Duration {
	base := j.Inner.Delay(attempt)
	if base <= 0 || j.Factor <= 0 {
		return base
	}
	// frand.Intn draws from [0, n); map to [-factor, +factor].
	const precision = 1 << 20
	r := frand.Intn(2 * precision)
	offset := (float64(r)/precision - 1) * j.Factor
	delay := time.Duration(float64(base) * (1 + offset))
	if delay < 0 {
		delay = 0
	}
	return delay
}
