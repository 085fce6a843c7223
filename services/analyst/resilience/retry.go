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
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig configures single-operation retry.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero disables retrying. Default: 3
	MaxRetries int `yaml:"max_retries" json:"max_retries" validate:"gte=0,lte=20"`

	// BaseDelay is multiplied by the attempt number to get each wait.
	// Default: 1s
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay" validate:"gte=0"`
}

// DefaultRetryConfig returns sensible defaults for remote calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
	}
}

// Validate checks if the retry configuration is usable.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be non-negative", ErrInvalidConfig)
	}
	if c.BaseDelay < 0 {
		return fmt.Errorf("%w: base_delay must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// Delay returns the wait before retry number attempt (1-based).
//
// The growth is linear in attempt rather than exponential, which bounds the
// worst-case wait to BaseDelay × MaxRetries × (MaxRetries+1) / 2.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.BaseDelay * time.Duration(attempt)
}

// RetryOption customizes a RetryExecutor.
type RetryOption func(*RetryExecutor)

// WithRetryLogger sets the logger for retry attempts.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(r *RetryExecutor) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClassifier replaces the default failure classifier.
func WithClassifier(classify func(error) FailureClass) RetryOption {
	return func(r *RetryExecutor) {
		if classify != nil {
			r.classify = classify
		}
	}
}

// WithSleeper replaces the wait function. Tests use it to avoid real sleeps.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *RetryExecutor) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// RetryExecutor retries one operation on transient failures.
//
// # Description
//
// Runs the operation, and on failure classifies the error. Non-retryable
// errors return immediately. Retryable errors are retried up to MaxRetries
// times, waiting BaseDelay × attempt between attempts. Once the budget is
// spent the last error is returned unchanged.
//
// # Thread Safety
//
// Safe for concurrent use; holds no shared state between calls.
type RetryExecutor struct {
	config   RetryConfig
	classify func(error) FailureClass
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// NewRetryExecutor creates a RetryExecutor.
//
// Inputs:
//   - config: Retry budget and base delay. Must pass Validate.
//   - opts: Optional logger, classifier, and sleeper.
//
// Outputs:
//   - *RetryExecutor: Ready to use.
//   - error: ErrInvalidConfig if config is invalid.
func NewRetryExecutor(config RetryConfig, opts ...RetryOption) (*RetryExecutor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	r := &RetryExecutor{
		config:   config,
		classify: Classify,
		sleep:    sleepContext,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the executor's configuration.
func (r *RetryExecutor) Config() RetryConfig {
	return r.config
}

// ExecuteWithRetry runs op with classified retry.
//
// Description:
//
//	The first call is attempt 0. After each retryable failure the attempt
//	counter advances (1, 2, ...) and the executor waits Delay(attempt)
//	before calling again. The sleep is a suspension point and honors ctx.
//
// Inputs:
//
//	ctx - Cancellation for both op and the waits.
//	operationName - Used in logs.
//	op - The operation. Must not be nil.
//
// Outputs:
//
//	error - nil on success; the last op error when non-retryable or the
//	budget is exhausted; ctx.Err() when cancelled during a wait.
func (r *RetryExecutor) ExecuteWithRetry(ctx context.Context, operationName string, op func(ctx context.Context) error) error {
	if op == nil {
		return ErrNilOperation
	}

	attempt := 0
	for {
		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Debug("Operation succeeded after retry",
					slog.String("operation", operationName),
					slog.Int("retries", attempt),
				)
			}
			return nil
		}

		class := r.classify(err)
		if !class.Retryable() {
			return err
		}

		attempt++
		if attempt > r.config.MaxRetries {
			retryExhausted.Inc()
			r.logger.Warn("Retry budget exhausted",
				slog.String("operation", operationName),
				slog.Int("max_retries", r.config.MaxRetries),
				slog.String("class", class.String()),
				slog.String("error", err.Error()),
			)
			return err
		}

		delay := r.config.Delay(attempt)
		retryAttempts.WithLabelValues(class.String()).Inc()
		r.logger.Warn("Retrying operation",
			slog.String("operation", operationName),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", r.config.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("class", class.String()),
			slog.String("error", err.Error()),
		)

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
}

// Retry is the value-returning form of RetryExecutor.ExecuteWithRetry.
func Retry[T any](ctx context.Context, r *RetryExecutor, operationName string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	if op == nil {
		return result, ErrNilOperation
	}
	err := r.ExecuteWithRetry(ctx, operationName, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

// Guarded runs op through the breaker inside the retry loop.
//
// A CircuitOpenError is non-retryable, so once the breaker trips the
// remaining retry budget is abandoned instead of hammering the resource.
func Guarded[T any](ctx context.Context, r *RetryExecutor, cb *CircuitBreaker, operationName string, op func(ctx context.Context) (T, error)) (T, error) {
	return Retry(ctx, r, operationName, func(ctx context.Context) (T, error) {
		return Call(ctx, cb, op)
	})
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
