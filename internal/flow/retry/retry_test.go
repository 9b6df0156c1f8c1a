package retry

import (
	"testing"
	"time"

	"github.com/flowforge/engine/internal/domain"
)

func TestNextNilPolicyNeverRetries(t *testing.T) {
	d := Next(nil, 0)
	if d.ShouldRetry {
		t.Fatalf("expected no retry for nil policy")
	}
}

func TestNextConstantPhase(t *testing.T) {
	p := &domain.RetryPolicy{ConstantAttempts: 2, ConstantSeconds: 5, MaxAttempts: 5}
	d := Next(p, 0)
	if !d.ShouldRetry || d.Interval != 5*time.Second {
		t.Fatalf("expected constant 5s retry, got %+v", d)
	}
	d = Next(p, 1)
	if !d.ShouldRetry || d.Interval != 5*time.Second {
		t.Fatalf("expected constant 5s retry on second attempt, got %+v", d)
	}
}

func TestNextExponentialPhaseMonotonic(t *testing.T) {
	p := &domain.RetryPolicy{
		ConstantAttempts:             1,
		ConstantSeconds:              1,
		ExponentialMultiplierSeconds: 1,
		ExponentialBase:              2,
		MaxAttempts:                  10,
	}
	prev := time.Duration(0)
	for k := 1; k < 8; k++ {
		d := Next(p, k)
		if !d.ShouldRetry {
			t.Fatalf("expected retry at attempt %d", k)
		}
		if d.Interval < prev {
			t.Fatalf("interval not monotonic non-decreasing at attempt %d: %v < %v", k, d.Interval, prev)
		}
		prev = d.Interval
	}
}

func TestNextCappedAtMaxInterval(t *testing.T) {
	p := &domain.RetryPolicy{
		ExponentialMultiplierSeconds: 1,
		ExponentialBase:              2,
		MaxAttempts:                  1000,
	}
	d := Next(p, 60) // 2^60 seconds, must clamp
	if !d.ShouldRetry || d.Interval != MaxInterval {
		t.Fatalf("expected interval capped at %v, got %+v", MaxInterval, d)
	}
}

func TestNextStopsAtMaxAttempts(t *testing.T) {
	p := &domain.RetryPolicy{MaxAttempts: 2}
	if d := Next(p, 1); !d.ShouldRetry {
		t.Fatalf("expected retry available below max attempts")
	}
	if d := Next(p, 2); d.ShouldRetry {
		t.Fatalf("expected no retry at max attempts")
	}
}

func TestNextZeroMaxAttemptsGoesStraightToFailure(t *testing.T) {
	p := &domain.RetryPolicy{MaxAttempts: 0}
	if d := Next(p, 0); d.ShouldRetry {
		t.Fatalf("expected no retry when max_attempts=0")
	}
}

func TestNextHardAttemptCap(t *testing.T) {
	p := &domain.RetryPolicy{MaxAttempts: 100000}
	if d := Next(p, HardAttemptCap); d.ShouldRetry {
		t.Fatalf("expected hard cap to stop retries at %d", HardAttemptCap)
	}
}
