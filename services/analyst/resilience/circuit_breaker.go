// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
//
// # State Diagram
//
//	   ┌─────────────────────────────────────┐
//	   │                                     │
//	   ▼                                     │
//	CLOSED ──[failure threshold]──► OPEN ───┘
//	   ▲                              │  ▲
//	   │                    [timeout] │  │ [any failure]
//	   └──[success threshold]── HALF_OPEN
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota

	// CircuitOpen means the circuit has tripped and calls are rejected.
	CircuitOpen

	// CircuitHalfOpen means trial calls are admitted to test recovery.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON payloads.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Default breaker thresholds.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultBreakerTimeout   = 60 * time.Second
)

// CircuitBreakerConfig configures circuit breaker behavior.
//
// Zero values are replaced by the defaults in NewCircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is consecutive failures in CLOSED before opening.
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=0"`

	// SuccessThreshold is consecutive successes in HALF_OPEN before closing.
	// Default: 2
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold" validate:"gte=0"`

	// Timeout is how long the breaker stays OPEN after the last failure.
	// Default: 60s
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// DefaultCircuitBreakerConfig returns the default thresholds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: DefaultFailureThreshold,
		SuccessThreshold: DefaultSuccessThreshold,
		Timeout:          DefaultBreakerTimeout,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultBreakerTimeout
	}
	return c
}

// CircuitBreakerStatistics is a read-only snapshot of a breaker.
type CircuitBreakerStatistics struct {
	Name             string        `json:"name"`
	State            CircuitState  `json:"state"`
	FailureCount     int           `json:"failure_count"`
	SuccessCount     int           `json:"success_count"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
	LastFailureTime  time.Time     `json:"last_failure_time"`
}

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock overrides the time source. Used by tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithBreakerLogger sets the logger for state transitions.
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(cb *CircuitBreaker) {
		if logger != nil {
			cb.logger = logger
		}
	}
}

// WithStateChangeHook registers a callback invoked after every transition.
// The hook runs outside the breaker lock.
func WithStateChangeHook(fn func(name string, from, to CircuitState)) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// CircuitBreaker is a per-resource three-state failure gate.
//
// # Description
//
// Stops calls to a failing resource after FailureThreshold consecutive
// failures, rejects calls with CircuitOpenError until Timeout has elapsed
// since the last failure, then admits trial calls in HALF_OPEN until
// SuccessThreshold consecutive successes close it again. One failure in
// HALF_OPEN reopens it.
//
// # Thread Safety
//
// Safe for concurrent use. The mutex guards bookkeeping only; the wrapped
// operation runs outside it, so slow calls do not block other callers.
//
// # Example
//
//	cb := NewCircuitBreaker("llm", DefaultCircuitBreakerConfig())
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return client.Ping(ctx)
//	})
//	if errors.Is(err, ErrCircuitOpen) {
//	    // resource known to be down, degrade
//	}
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	now           func() time.Time
	logger        *slog.Logger
	onStateChange func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a breaker in the CLOSED state.
//
// Inputs:
//   - name: Resource name, used for metrics, logs, and CircuitOpenError.
//   - config: Thresholds. Zero fields take defaults.
//   - opts: Optional clock, logger, and transition hook.
//
// Outputs:
//   - *CircuitBreaker: Ready to use.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		state:  CircuitClosed,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	breakerState.WithLabelValues(name).Set(float64(CircuitClosed))
	return cb
}

// Name returns the resource name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs op if the breaker admits the call and records the outcome.
//
// Inputs:
//   - ctx: Passed to op. A context.Canceled result is not counted as a failure.
//   - op: The remote call.
//
// Outputs:
//   - error: *CircuitOpenError when rejected, otherwise op's error.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if op == nil {
		return ErrNilOperation
	}
	if err := cb.admit(); err != nil {
		return err
	}

	err := op(ctx)
	cb.record(err)
	return err
}

// Call is the value-returning form of CircuitBreaker.Execute.
func Call[T any](ctx context.Context, cb *CircuitBreaker, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	if op == nil {
		return result, ErrNilOperation
	}
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

// admit decides whether a call may proceed, moving OPEN to HALF_OPEN once
// the timeout has elapsed since the last failure.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case CircuitOpen:
		elapsed := cb.now().Sub(cb.lastFailureTime)
		if elapsed <= cb.config.Timeout {
			cb.mu.Unlock()
			breakerRejections.WithLabelValues(cb.name).Inc()
			return &CircuitOpenError{Name: cb.name, RetryAfter: cb.config.Timeout - elapsed}
		}
		cb.state = CircuitHalfOpen
		cb.successCount = 0
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return nil
}

// record updates counters after the wrapped call returned.
func (cb *CircuitBreaker) record(err error) {
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}

	cb.mu.Lock()
	from := cb.state
	if err == nil {
		switch cb.state {
		case CircuitClosed:
			cb.failureCount = 0
		case CircuitHalfOpen:
			cb.successCount++
			if cb.successCount >= cb.config.SuccessThreshold {
				cb.state = CircuitClosed
				cb.failureCount = 0
				cb.successCount = 0
			}
		}
	} else {
		cb.lastFailureTime = cb.now()
		switch cb.state {
		case CircuitClosed:
			cb.failureCount++
			if cb.failureCount >= cb.config.FailureThreshold {
				cb.state = CircuitOpen
			}
		case CircuitHalfOpen:
			cb.state = CircuitOpen
			cb.successCount = 0
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// notify publishes a transition. Called without the lock held.
func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if from == to {
		return
	}
	breakerState.WithLabelValues(cb.name).Set(float64(to))
	breakerTransitions.WithLabelValues(cb.name, from.String(), to.String()).Inc()

	level := slog.LevelInfo
	if to == CircuitOpen {
		level = slog.LevelWarn
	}
	cb.logger.Log(context.Background(), level, "Circuit breaker state change",
		slog.String("breaker", cb.name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// State returns the current state without applying the timeout transition.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) Stats() CircuitBreakerStatistics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStatistics{
		Name:             cb.name,
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		FailureThreshold: cb.config.FailureThreshold,
		SuccessThreshold: cb.config.SuccessThreshold,
		Timeout:          cb.config.Timeout,
		LastFailureTime:  cb.lastFailureTime,
	}
}

// Reset forces the breaker back to CLOSED. Intended for operators and tests.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.mu.Unlock()

	cb.notify(from, CircuitClosed)
}
