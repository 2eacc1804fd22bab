// Package backoff implements the BackoffTimer and RetryPolicy
// components of the controller engine (spec section 4.1).
//
// Design Notes:
//   - Timer variants are small stateless value types; swapping one
//     in has no shared-state implications (unlike the *Fn config
//     slots, which are hot-swappable at runtime).
//   - JitterExponential seeds its own rand.Rand so callers don't
//     fight over the global source under concurrent retries.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Timer computes the delay before the next retry attempt, given the
// zero-based attempt index.
type Timer interface {
	Delay(attempt int) time.Duration
}

type fixedTimer struct{ d time.Duration }

// Fixed always waits d, regardless of attempt.
func Fixed(d time.Duration) Timer { return fixedTimer{d: d} }

func (f fixedTimer) Delay(attempt int) time.Duration { return f.d }

type linearTimer struct{ base, limit time.Duration }

// Linear waits base*(attempt+1), capped at limit.
func Linear(base, limit time.Duration) Timer {
	return linearTimer{base: base, limit: limit}
}

func (l linearTimer) Delay(attempt int) time.Duration {
	d := l.base * time.Duration(attempt+1)
	if d > l.limit {
		return l.limit
	}
	return d
}

type exponentialTimer struct{ base, limit time.Duration }

// Exponential waits base*2^attempt, capped at limit.
func Exponential(base, limit time.Duration) Timer {
	return exponentialTimer{base: base, limit: limit}
}

func (e exponentialTimer) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.base) * math.Pow(2, float64(attempt)))
	if d > e.limit || d < 0 {
		return e.limit
	}
	return d
}

type jitterExponentialTimer struct {
	base, limit time.Duration
	rnd         *rand.Rand
}

// JitterExponential waits min(base*2^attempt, limit) scaled by a
// uniform factor in [0,1).
func JitterExponential(base, limit time.Duration) Timer {
	return &jitterExponentialTimer{
		base:  base,
		limit: limit,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (j *jitterExponentialTimer) Delay(attempt int) time.Duration {
	capped := time.Duration(float64(j.base) * math.Pow(2, float64(attempt)))
	if capped > j.limit || capped < 0 {
		capped = j.limit
	}
	return time.Duration(float64(capped) * j.rnd.Float64())
}
