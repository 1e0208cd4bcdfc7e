package retry

import (
	"errors"
	"testing"
	"time"

	"commerce-outbox/internal/models"
)

func fixedPolicy() Policy {
	p := NewPolicy(2*time.Second, time.Hour, 24*time.Hour)
	p.rand = func() float64 { return 0 } // deterministic: no jitter
	return p
}

func TestDecidePermanentFailsImmediately(t *testing.T) {
	p := fixedPolicy()
	d := p.Decide(0, 5, time.Now(), models.Permanent(errors.New("invalid payload")))
	if d.Action != ActionFail {
		t.Fatalf("expected fail, got %s", d.Action)
	}
}

func TestDecideRetryableBackoffMonotone(t *testing.T) {
	p := fixedPolicy()
	created := time.Now()
	var prev time.Duration
	for attempts := 0; attempts < 4; attempts++ {
		d := p.Decide(attempts, 5, created, models.Retryable(errors.New("timeout")))
		if d.Action != ActionRetry {
			t.Fatalf("attempt %d: expected retry, got %s", attempts, d.Action)
		}
		if d.Delay < prev {
			t.Fatalf("attempt %d: delay %s shrank below %s", attempts, d.Delay, prev)
		}
		prev = d.Delay
	}
	if want := 16 * time.Second; prev != want {
		t.Fatalf("expected final delay %s, got %s", want, prev)
	}
}

func TestDecideRetryableCapsAtMaxDelay(t *testing.T) {
	p := fixedPolicy()
	d := p.Decide(20, 100, time.Now(), models.Retryable(errors.New("timeout")))
	if d.Action != ActionRetry {
		t.Fatalf("expected retry, got %s", d.Action)
	}
	if d.Delay != time.Hour {
		t.Fatalf("expected capped delay 1h, got %s", d.Delay)
	}
}

func TestDecideAttemptExhaustionDeadLetters(t *testing.T) {
	p := fixedPolicy()
	// Fifth failure of a max_attempts=5 job: attempts before = 4.
	d := p.Decide(4, 5, time.Now(), models.Retryable(errors.New("timeout")))
	if d.Action != ActionDeadLetter {
		t.Fatalf("expected dead letter, got %s", d.Action)
	}
}

func TestDecideRateLimitedHonorsRetryAfter(t *testing.T) {
	p := fixedPolicy()
	// Attempt count is irrelevant for rate limits.
	d := p.Decide(99, 5, time.Now(), models.RateLimited(errors.New("throttled"), 30*time.Second))
	if d.Action != ActionRetry {
		t.Fatalf("expected retry, got %s", d.Action)
	}
	if d.Delay != 30*time.Second {
		t.Fatalf("expected 30s delay, got %s", d.Delay)
	}
}

func TestDecideRateLimitedCeilingDeadLetters(t *testing.T) {
	p := fixedPolicy()
	created := time.Now().Add(-25 * time.Hour)
	d := p.Decide(1, 5, created, models.RateLimited(errors.New("throttled"), 30*time.Second))
	if d.Action != ActionDeadLetter {
		t.Fatalf("expected dead letter past ceiling, got %s", d.Action)
	}
}

func TestDecideCircuitOpenFloorsDelayAtCooldown(t *testing.T) {
	p := fixedPolicy()
	d := p.Decide(0, 5, time.Now(), models.CircuitOpen(errors.New("circuit open"), time.Minute))
	if d.Action != ActionRetry {
		t.Fatalf("expected retry, got %s", d.Action)
	}
	if d.Delay < time.Minute {
		t.Fatalf("expected delay >= breaker cooldown, got %s", d.Delay)
	}
}

func TestJitterStaysWithinFraction(t *testing.T) {
	p := NewPolicy(10*time.Second, time.Hour, 24*time.Hour)
	for i := 0; i < 100; i++ {
		d := p.Backoff(0)
		if d < 10*time.Second || d > 11*time.Second {
			t.Fatalf("jittered delay out of range: %s", d)
		}
	}
}
