// Package resilience provides reliability patterns for external service calls.
// Each AI provider adapter owns one Breaker so that a failing provider is
// short-circuited without affecting the others.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker opens after maxFailures consecutive failures and rejects calls
// until timeout has passed, then lets one trial call decide whether to close.
type Breaker struct {
	mu          sync.Mutex
	state       state
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	probing     bool             // a half-open trial call is in flight
	now         func() time.Time // for testing
	onChange    func(from, to string)
}

// NewBreaker creates a circuit breaker that opens after maxFailures consecutive
// failures and stays open for the given timeout before transitioning to half-open.
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// OnStateChange registers fn to be called after every state transition. fn
// runs outside the breaker's lock.
func (b *Breaker) OnStateChange(fn func(from, to string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Execute runs fn unless the circuit is open. While half-open, one trial
// call runs and concurrent callers get ErrCircuitOpen until it settles.
// Permanent errors and the caller's own cancellation count as neither
// success nor failure.
func (b *Breaker) Execute(fn func() error) error {
	allowed, hook := b.allowRequest()
	if hook != nil {
		notify(hook, stateOpen, stateHalfOpen)
	}
	if !allowed {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	from := b.state
	b.probing = false
	switch {
	case err == nil:
		b.onSuccess()
	case errors.Is(err, errPermanent), errors.Is(err, context.Canceled):
		// Says nothing about the remote; a half-open breaker lets the next
		// caller try again.
	default:
		b.onFailure()
	}
	to, hook := b.state, b.onChange
	b.mu.Unlock()

	notify(hook, from, to)
	return err
}

func notify(hook func(from, to string), from, to state) {
	if hook != nil && from != to {
		hook(from.String(), to.String())
	}
}

// State returns "closed", "open" or "half_open".
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		return stateHalfOpen.String()
	}
	return b.state.String()
}

var errPermanent = errors.New("permanent")

type permanentError struct{ err error }

func (e permanentError) Error() string   { return e.err.Error() }
func (e permanentError) Unwrap() []error { return []error{e.err, errPermanent} }

// Permanent marks err as a caller-side failure (bad request, unparseable
// reply) that says nothing about the health of the remote service.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// allowRequest reports whether a call may run. The returned hook is non-nil
// only when this call moved the breaker from open to half-open.
func (b *Breaker) allowRequest() (bool, func(from, to string)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true, nil
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			return false, nil
		}
		b.state = stateHalfOpen
		b.probing = true
		return true, b.onChange
	case stateHalfOpen:
		if b.probing {
			return false, nil
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.maxFailures {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.state = stateClosed
}
