// Package breaker guards outbound calls to external services with a
// per-service circuit breaker. State is shared across all workers in the
// process and mutated under a single mutex; the registry is constructed at
// startup and injected, never a package-level singleton.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"commerce-outbox/internal/telemetry"
)

// ErrOpen is the sentinel for a short-circuited call.
var ErrOpen = errors.New("circuit open")

// OpenError reports a call rejected without invoking the downstream
// function, carrying the cooldown remaining before a probe is allowed.
type OpenError struct {
	Service  string
	Cooldown time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry in %s)", e.Service, e.Cooldown)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// State of one circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type circuit struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
}

// Registry holds one circuit per external service name.
type Registry struct {
	mu        sync.Mutex
	threshold int
	recovery  time.Duration
	services  map[string]*circuit
	log       *logrus.Entry

	now func() time.Time // replaceable in tests
}

// NewRegistry builds a breaker registry with the given failure threshold
// and recovery timeout, shared by every guarded service.
func NewRegistry(threshold int, recovery time.Duration, log *logrus.Logger) *Registry {
	return &Registry{
		threshold: threshold,
		recovery:  recovery,
		services:  make(map[string]*circuit),
		log:       log.WithField("component", "breaker"),
		now:       time.Now,
	}
}

// Guard invokes fn unless the service's circuit is open, in which case it
// returns an *OpenError without touching the downstream at all. Exactly one
// probe call is admitted once the recovery timeout has elapsed. Every
// non-nil error counts as a failure; callers that can tell data rejections
// from downstream failures should use Allow and Record directly.
func (r *Registry) Guard(ctx context.Context, service string, fn func(context.Context) error) error {
	if err := r.Allow(service); err != nil {
		return err
	}
	err := fn(ctx)
	r.Record(service, err == nil)
	return err
}

// Allow admits a call for the service or returns an *OpenError. Every
// admitted call must be followed by exactly one Record.
func (r *Registry) Allow(service string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(service)
	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		remaining := c.openedAt.Add(r.recovery).Sub(r.now())
		if remaining > 0 {
			return &OpenError{Service: service, Cooldown: remaining}
		}
		r.transition(service, c, StateHalfOpen)
		c.probing = true
		return nil
	default: // half-open
		if c.probing {
			return &OpenError{Service: service, Cooldown: r.recovery}
		}
		c.probing = true
		return nil
	}
}

// Record reports the outcome of an admitted call. A failed call that the
// downstream actually answered (a policy or validation rejection) should be
// recorded as a success: only failures to get an answer open the circuit.
func (r *Registry) Record(service string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(service)
	c.probing = false

	if success {
		if c.state != StateClosed {
			r.transition(service, c, StateClosed)
		}
		c.consecutiveFailures = 0
		return
	}

	switch c.state {
	case StateHalfOpen:
		// Probe failed: back to open with a fresh cooldown.
		c.openedAt = r.now()
		r.transition(service, c, StateOpen)
	case StateClosed:
		c.consecutiveFailures++
		if c.consecutiveFailures >= r.threshold {
			c.openedAt = r.now()
			r.transition(service, c, StateOpen)
		}
	}
}

// State returns the current state for a service.
func (r *Registry) State(service string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(service).state
}

// Cooldown returns how long until the named circuit would admit a probe.
// Zero when the circuit is not open.
func (r *Registry) Cooldown(service string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(service)
	if c.state != StateOpen {
		return 0
	}
	remaining := c.openedAt.Add(r.recovery).Sub(r.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (r *Registry) get(service string) *circuit {
	c, ok := r.services[service]
	if !ok {
		c = &circuit{state: StateClosed}
		r.services[service] = c
		telemetry.BreakerState.WithLabelValues(service).Set(float64(StateClosed))
	}
	return c
}

// transition must be called with the mutex held.
func (r *Registry) transition(service string, c *circuit, to State) {
	from := c.state
	c.state = to
	telemetry.BreakerState.WithLabelValues(service).Set(float64(to))
	if to == StateOpen {
		r.log.WithFields(logrus.Fields{
			"service":  service,
			"failures": c.consecutiveFailures,
		}).Warn("circuit opened")
		return
	}
	r.log.WithFields(logrus.Fields{
		"service": service,
		"from":    from.String(),
		"to":      to.String(),
	}).Info("circuit state change")
}
