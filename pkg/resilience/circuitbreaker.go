// Package resilience guards calls to optional remote dependencies.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown elapses
	StateOpen
	// StateHalfOpen lets a single probe through
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitBreakerOpen is returned when a call is rejected without being attempted.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithFailurePredicate decides which errors count against the breaker.
// Errors it rejects are returned to the caller and reset the failure count like a success.
func WithFailurePredicate(isFailure func(error) bool) Option {
	return func(cb *CircuitBreaker) {
		if isFailure != nil {
			cb.isFailure = isFailure
		}
	}
}

// OnStateChange registers a callback invoked, outside the lock, after every transition.
func OnStateChange(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) {
		cb.onChange = fn
	}
}

// CircuitBreaker opens after maxFailures consecutive failures and rejects calls
// for cooldown. Once the cooldown elapses one probe is let through: success closes
// the breaker, failure opens it again.
type CircuitBreaker struct {
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time
	isFailure   func(error) bool
	onChange    func(from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a closed breaker. maxFailures below 1 is treated as 1.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration, opts ...Option) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
		isFailure:   func(err error) bool { return err != nil },
		state:       StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the breaker rejects the call.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.acquire()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(probe, err != nil && cb.isFailure(err))
	return err
}

func (cb *CircuitBreaker) acquire() (bool, error) {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return false, nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			cb.mu.Unlock()
			return false, ErrCircuitBreakerOpen
		}
		cb.probing = true
		notify := cb.transition(StateHalfOpen)
		cb.mu.Unlock()
		notify()
		return true, nil
	default:
		defer cb.mu.Unlock()
		if cb.probing {
			return false, ErrCircuitBreakerOpen
		}
		cb.probing = true
		return true, nil
	}
}

func (cb *CircuitBreaker) record(probe, failed bool) {
	cb.mu.Lock()
	notify := func() {}
	switch {
	case probe:
		cb.probing = false
		if failed {
			cb.openedAt = cb.now()
			notify = cb.transition(StateOpen)
		} else {
			cb.failures = 0
			notify = cb.transition(StateClosed)
		}
	case cb.state != StateClosed:
		// a call admitted before the breaker opened
	case failed:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.openedAt = cb.now()
			notify = cb.transition(StateOpen)
		}
	default:
		cb.failures = 0
	}
	cb.mu.Unlock()
	notify()
}

// transition must be called with mu held; the returned func runs the callback.
func (cb *CircuitBreaker) transition(to State) func() {
	from := cb.state
	cb.state = to
	if to != StateClosed {
		cb.failures = 0
	}
	if cb.onChange == nil || from == to {
		return func() {}
	}
	return func() { cb.onChange(from, to) }
}

// GetState returns the current state. An open breaker whose cooldown elapsed
// still reports open until the next call.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetFailures returns the consecutive failure count of a closed breaker.
func (cb *CircuitBreaker) GetFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.probing = false
	notify := cb.transition(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()
	notify()
}
