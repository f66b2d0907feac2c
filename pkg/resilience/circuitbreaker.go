package resilience

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker is the process-local breaker shared by every inbound
// request. Unlike a simple consecutive-failure counter, it opens when
// failureThreshold terminal failures land within window — a failure outside
// the window no longer counts, matching the "within window" wording in §4.5.
type CircuitBreaker struct {
	failureThreshold int
	window           time.Duration
	recoveryTimeout  time.Duration

	mu             sync.Mutex
	state          CircuitState
	failures       []time.Time
	openedAt       time.Time
	halfOpenInFlight bool
}

func NewCircuitBreaker(failureThreshold int, window, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		window:           window,
		recoveryTimeout:  recoveryTimeout,
		state:            CircuitClosed,
	}
}

// Allow reports whether a new request may proceed, and if so whether it is
// the single half-open probe. Call exactly once per inbound request, before
// touching the session pool.
func (b *CircuitBreaker) Allow() (allowed bool, probe bool) {
	now := time.Now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true, false
	case CircuitOpen:
		if now.Sub(b.openedAt) < b.recoveryTimeout {
			return false, false
		}
		b.state = CircuitHalfOpen
		b.halfOpenInFlight = true
		return true, true
	case CircuitHalfOpen:
		if b.halfOpenInFlight {
			return false, false
		}
		b.halfOpenInFlight = true
		return true, true
	default:
		return true, false
	}
}

// RecordSuccess closes the circuit (from any state).
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.failures = nil
	b.halfOpenInFlight = false
}

// RecordFailure records one terminal failure (an exhausted request). In
// half_open, any failure reopens the circuit and resets the recovery timer.
func (b *CircuitBreaker) RecordFailure() {
	now := time.Now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.state = CircuitOpen
		b.openedAt = now
		b.failures = nil
		b.halfOpenInFlight = false
		return
	}

	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)
	if len(b.failures) >= b.failureThreshold {
		b.state = CircuitOpen
		b.openedAt = now
		b.failures = nil
	}
}

func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
