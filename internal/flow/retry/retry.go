// Package retry computes the retry schedule for a failed flow step: a
// constant-delay phase followed by an exponential phase, capped by max
// attempts and a hard maximum interval.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/flowforge/engine/internal/domain"
)

// MaxInterval is the hard ceiling on any computed retry delay, per §4.3.
const MaxInterval = 6 * time.Hour

// HardAttemptCap bounds fail_count regardless of policy, per §4.3/§8.
const HardAttemptCap = 1000

// Decision is the outcome of evaluating a retry policy against the attempts
// already consumed.
type Decision struct {
	ShouldRetry  bool
	NextAttempt  int
	Interval     time.Duration
}

// Next computes next_retry(policy, fail_count). fail_count is the number of
// attempts already consumed for the currently executing step (before this
// failure is counted). A nil policy never retries.
func Next(policy *domain.RetryPolicy, failCount int) Decision {
	if policy == nil {
		return Decision{ShouldRetry: false}
	}
	if failCount >= policy.MaxAttempts || failCount >= HardAttemptCap {
		return Decision{ShouldRetry: false}
	}

	var interval time.Duration
	if failCount < policy.ConstantAttempts {
		interval = time.Duration(policy.ConstantSeconds) * time.Second
	} else {
		exponent := failCount - policy.ConstantAttempts
		base := policy.ExponentialBase
		if base <= 1 {
			base = 2
		}
		mult := policy.ExponentialMultiplierSeconds
		if mult <= 0 {
			mult = 1
		}
		seconds := float64(mult) * math.Pow(base, float64(exponent))
		if seconds > MaxInterval.Seconds() {
			// Clamp before converting: a huge float overflows Duration.
			seconds = MaxInterval.Seconds()
		}
		interval = time.Duration(seconds * float64(time.Second))
		if policy.Jitter {
			interval = jitter(interval)
		}
	}

	if interval > MaxInterval {
		interval = MaxInterval
	}
	if interval < 0 {
		interval = 0
	}

	return Decision{ShouldRetry: true, NextAttempt: failCount + 1, Interval: interval}
}

// jitter spreads interval by +/-20% to avoid thundering-herd retries across
// many flows that failed at the same moment.
func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delta := base.Seconds() * 0.2
	low := base.Seconds() - delta
	high := base.Seconds() + delta
	if low < 0 {
		low = 0
	}
	v := low + rand.Float64()*(high-low)
	return time.Duration(v * float64(time.Second))
}
