package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the position of a circuit breaker.
type BreakerState int32

const (
	// BreakerClosed lets every call through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down has passed.
	BreakerOpen
	// BreakerHalfOpen lets calls through to probe for recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker stops calling a failing collaborator for a while after
// maxFailures consecutive failures. After cooldown one probe is allowed; it
// closes the breaker after recovery consecutive successes and reopens it on
// any failure.
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	recovery    int
	logger      *slog.Logger
	now         func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker returns a closed breaker. name appears in transition logs.
func NewCircuitBreaker(name string, maxFailures int, cooldown time.Duration, recovery int, logger *slog.Logger) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if recovery < 1 {
		recovery = 1
	}
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		recovery:    recovery,
		logger:      logger,
		now:         time.Now,
	}
}

// Allow returns ErrCircuitOpen while the breaker is open and its cool-down
// has not passed. Once it has, the breaker moves to half-open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != BreakerOpen {
		return nil
	}
	since := cb.now().Sub(cb.lastFailure)
	if since <= cb.cooldown {
		return fmt.Errorf("%s: %w, last failure %v ago", cb.name, ErrCircuitOpen, since.Round(time.Millisecond))
	}
	cb.transition(BreakerHalfOpen, "cooldown_elapsed")
	cb.successes = 0
	return nil
}

// Call runs fn when the breaker allows it and records the result.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		cb.Failure()
	} else {
		cb.Success()
	}
	return err
}

// Failure records a failed call.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	cb.failures++
	switch {
	case cb.state == BreakerHalfOpen:
		cb.successes = 0
		cb.transition(BreakerOpen, "failure_during_recovery")
	case cb.state == BreakerClosed && cb.failures >= cb.maxFailures:
		cb.transition(BreakerOpen, "max_failures")
	}
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state != BreakerHalfOpen {
		return
	}
	cb.successes++
	if cb.successes >= cb.recovery {
		cb.transition(BreakerClosed, "recovered")
	}
}

// Reset closes the breaker and forgets past failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures, cb.successes = 0, 0
	if cb.state != BreakerClosed {
		cb.transition(BreakerClosed, "reset")
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the number of consecutive failures.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to BreakerState, reason string) {
	from := cb.state
	cb.state = to
	level := slog.LevelInfo
	if to == BreakerOpen {
		level = slog.LevelWarn
	}
	cb.logger.Log(context.Background(), level, "Circuit breaker state transition",
		"breaker", cb.name,
		"from", from,
		"to", to,
		"reason", reason,
		"failure_count", cb.failures)
}
