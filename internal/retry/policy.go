// Package retry maps a classified handler failure to the next scheduling
// action for the job. The decision is a pure function of the attempt
// bookkeeping and the error kind; all side effects live in the dispatcher.
package retry

import (
	"math"
	"math/rand"
	"time"

	"commerce-outbox/internal/models"
)

// Action is what the dispatcher should do with a failed job.
type Action int

const (
	// ActionRetry reschedules the job after Decision.Delay.
	ActionRetry Action = iota
	// ActionDeadLetter parks the job for manual inspection.
	ActionDeadLetter
	// ActionFail terminally fails the job without DLQ alerting.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Decision is the policy output.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Policy holds the backoff tuning knobs.
type Policy struct {
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff step.
	MaxDelay time.Duration
	// RateLimitCeiling is the absolute window, measured from the job's
	// first attempt, past which rate-limited retries give up.
	RateLimitCeiling time.Duration
	// JitterFraction is the uniform random fraction added to every delay
	// so retries scheduled at the same instant spread out.
	JitterFraction float64

	// rand returns a uniform value in [0,1); replaceable in tests.
	rand func() float64
}

// NewPolicy builds a policy with the standard jitter source.
func NewPolicy(base, max, ceiling time.Duration) Policy {
	return Policy{
		BaseDelay:        base,
		MaxDelay:         max,
		RateLimitCeiling: ceiling,
		JitterFraction:   0.1,
		rand:             rand.Float64,
	}
}

// Decide maps (attempts so far, error kind) to the next action.
// attempts is the count before this failure is recorded; createdAt anchors
// the rate-limit ceiling.
func (p Policy) Decide(attempts, maxAttempts int, createdAt time.Time, out models.Outcome) Decision {
	switch out.Kind {
	case models.ErrorKindPermanent:
		// Malformed data does not get better with repetition.
		return Decision{Action: ActionFail}

	case models.ErrorKindRateLimited:
		if p.RateLimitCeiling > 0 && time.Since(createdAt) > p.RateLimitCeiling {
			return Decision{Action: ActionDeadLetter}
		}
		delay := out.RetryAfter
		if delay <= 0 {
			delay = p.BaseDelay
		}
		return Decision{Action: ActionRetry, Delay: p.withJitter(delay)}

	case models.ErrorKindCircuitOpen:
		// Short-circuited locally: retry like a transient failure, but
		// never before the breaker's cooldown can elapse.
		d := p.decideRetryable(attempts, maxAttempts)
		if d.Action == ActionRetry && d.Delay < out.RetryAfter {
			d.Delay = p.withJitter(out.RetryAfter)
		}
		return d

	default:
		return p.decideRetryable(attempts, maxAttempts)
	}
}

func (p Policy) decideRetryable(attempts, maxAttempts int) Decision {
	if attempts+1 >= maxAttempts {
		return Decision{Action: ActionDeadLetter}
	}
	return Decision{Action: ActionRetry, Delay: p.Backoff(attempts)}
}

// Backoff computes base * 2^attempts with jitter, capped at MaxDelay.
func (p Policy) Backoff(attempts int) time.Duration {
	exp := float64(p.BaseDelay) * math.Pow(2, float64(attempts))
	wait := time.Duration(exp)
	if p.MaxDelay > 0 && wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	return p.withJitter(wait)
}

func (p Policy) withJitter(d time.Duration) time.Duration {
	if p.JitterFraction <= 0 {
		return d
	}
	r := p.rand
	if r == nil {
		r = rand.Float64
	}
	return d + time.Duration(r()*p.JitterFraction*float64(d))
}
