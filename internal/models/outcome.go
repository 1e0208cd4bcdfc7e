package models

import (
	"fmt"
	"time"
)

// ErrorKind classifies a handler failure for retry scheduling.
type ErrorKind int

const (
	// ErrorKindNone means the handler succeeded.
	ErrorKindNone ErrorKind = iota
	// ErrorKindRetryable covers transient network/server errors.
	ErrorKindRetryable
	// ErrorKindRateLimited is explicit upstream throttling with a
	// signaled retry-after delay.
	ErrorKindRateLimited
	// ErrorKindPermanent covers malformed data, missing credentials and
	// policy rejections. Retrying cannot help.
	ErrorKindPermanent
	// ErrorKindCircuitOpen means the call was short-circuited locally
	// before reaching the downstream service.
	ErrorKindCircuitOpen
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindRetryable:
		return "retryable"
	case ErrorKindRateLimited:
		return "rate_limited"
	case ErrorKindPermanent:
		return "permanent"
	case ErrorKindCircuitOpen:
		return "circuit_open"
	default:
		return fmt.Sprintf("error_kind(%d)", int(k))
	}
}

// Outcome is the classified result of one handler execution.
type Outcome struct {
	Kind       ErrorKind
	RetryAfter time.Duration // set for ErrorKindRateLimited and ErrorKindCircuitOpen
	Err        error
}

// Success is the zero-failure outcome.
func Success() Outcome {
	return Outcome{Kind: ErrorKindNone}
}

// Retryable wraps a transient failure.
func Retryable(err error) Outcome {
	return Outcome{Kind: ErrorKindRetryable, Err: err}
}

// RateLimited wraps an explicit throttle signal.
func RateLimited(err error, retryAfter time.Duration) Outcome {
	return Outcome{Kind: ErrorKindRateLimited, Err: err, RetryAfter: retryAfter}
}

// Permanent wraps a failure that retrying cannot fix.
func Permanent(err error) Outcome {
	return Outcome{Kind: ErrorKindPermanent, Err: err}
}

// CircuitOpen wraps a locally short-circuited call. The remaining cooldown
// acts as a floor on the retry delay.
func CircuitOpen(err error, cooldown time.Duration) Outcome {
	return Outcome{Kind: ErrorKindCircuitOpen, Err: err, RetryAfter: cooldown}
}

// ErrorText renders the underlying error for last_error persistence.
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return o.Kind.String()
	}
	return o.Err.Error()
}
