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
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for the resilience primitives.
var (
	// ErrCircuitOpen is matched by every CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrInvalidConfig indicates a primitive was constructed with unusable settings.
	ErrInvalidConfig = errors.New("invalid resilience configuration")

	// ErrNilOperation indicates a nil function was handed to a primitive.
	ErrNilOperation = errors.New("operation must not be nil")
)

// CircuitOpenError is returned when a breaker rejects a call without invoking it.
//
// Callers should treat it as "do not even attempt" and degrade rather than
// surface it as a hard failure.
type CircuitOpenError struct {
	// Name is the breaker (resource) that rejected the call.
	Name string

	// RetryAfter is the remaining time before the breaker will admit a probe.
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrCircuitOpen) succeed.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// StatusError carries an HTTP status code from a remote call.
//
// Remote clients in this module wrap non-2xx responses in a StatusError so
// the classifier can inspect the code instead of parsing messages.
type StatusError struct {
	// Code is the HTTP status code.
	Code int

	// Body is a truncated response body, for logs.
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("http %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// NewStatusError builds a StatusError, truncating the body to 256 bytes.
func NewStatusError(code int, body string) *StatusError {
	const maxBody = 256
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &StatusError{Code: code, Body: body}
}
