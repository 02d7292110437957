// Package breaker implements a per-worker circuit breaker for the dispatch
// fabric's router.
//
// Each registered worker gets its own CircuitBreaker, created by the
// registry alongside the worker's record. Three states: closed (requests
// flow), open (requests are denied), and half_open (requests are permitted
// again until the next recorded outcome closes or reopens the circuit). The breaker
// holds no knowledge of the worker it protects beyond success/failure
// counts and timestamps - it is a handful of integers behind a mutex.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
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

const (
	// DefaultFailureThreshold is the consecutive-failure count that trips
	// the breaker from closed to open.
	DefaultFailureThreshold = 5
	// DefaultRecoveryTimeout is how long the breaker stays open before
	// permitting a half-open probe.
	DefaultRecoveryTimeout = 30 * time.Second
)

// CircuitBreaker is a per-worker fault detector. Safe for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	recoveryTimeout  time.Duration

	state        State
	failureCount int
	lastFailure  time.Time
}

// New creates a CircuitBreaker with the given thresholds. A zero
// failureThreshold or recoveryTimeout falls back to the package defaults.
func New(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
	}
}

// NewDefault creates a CircuitBreaker with the package default thresholds.
func NewDefault() *CircuitBreaker {
	return New(DefaultFailureThreshold, DefaultRecoveryTimeout)
}

// RecordSuccess clears the failure count and, from half_open, closes the
// circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateClosed
		cb.failureCount = 0
		cb.lastFailure = time.Time{}
	case StateClosed:
		cb.failureCount = 0
	}
}

// RecordFailure increments the failure count and, once the threshold is
// reached (or immediately from half_open), opens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
		}
	}
}

// IsAvailable reports whether the breaker currently permits a request. It
// is a polling accessor with a side effect: when the state is open and the
// recovery timeout has elapsed, it transitions the breaker to half_open
// and returns true. While half_open it keeps returning true until
// RecordSuccess or RecordFailure moves the breaker on.
func (cb *CircuitBreaker) IsAvailable() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.recoveryTimeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	default: // StateHalfOpen
		return true
	}
}

// Reset unconditionally restores the breaker to closed with zero failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.lastFailure = time.Time{}
}

// State returns the current state, for observability (mirrored onto the
// worker record by the caller; the breaker itself has no knowledge of
// workers).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the current consecutive-failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
