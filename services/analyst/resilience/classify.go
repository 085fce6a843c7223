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
	"net"
	"regexp"
	"strings"
	"syscall"

	"github.com/sashabaranov/go-openai"
)

// FailureClass is the retry classification of an error.
type FailureClass int

const (
	// ClassNone is reported for a nil error.
	ClassNone FailureClass = iota

	// ClassTimeout covers deadlines and I/O timeouts.
	ClassTimeout

	// ClassRateLimited covers HTTP 429.
	ClassRateLimited

	// ClassServerError covers HTTP 5xx.
	ClassServerError

	// ClassConnectionRefused covers refused TCP connections.
	ClassConnectionRefused

	// ClassCircuitOpen marks breaker rejections. Never retried.
	ClassCircuitOpen

	// ClassCanceled marks caller cancellation. Never retried.
	ClassCanceled

	// ClassNonRetryable is everything else.
	ClassNonRetryable
)

// String returns the metric label for the class.
func (c FailureClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTimeout:
		return "timeout"
	case ClassRateLimited:
		return "rate_limited"
	case ClassServerError:
		return "server_error"
	case ClassConnectionRefused:
		return "connection_refused"
	case ClassCircuitOpen:
		return "circuit_open"
	case ClassCanceled:
		return "canceled"
	default:
		return "non_retryable"
	}
}

// Retryable reports whether the class is one of the transient remote failures.
func (c FailureClass) Retryable() bool {
	switch c {
	case ClassTimeout, ClassRateLimited, ClassServerError, ClassConnectionRefused:
		return true
	default:
		return false
	}
}

// NonRetryable can be implemented by errors that must never be retried,
// regardless of what their message looks like.
type NonRetryable interface {
	NonRetryable() bool
}

var (
	// bareServerStatusPattern matches a standalone 5xx code. Matches that read
	// as positions or sizes are discarded by isServerStatus.
	bareServerStatusPattern = regexp.MustCompile(`\b5\d\d\b`)

	// rateLimitPattern matches a bare 429 status code in an error message.
	rateLimitPattern = regexp.MustCompile(`\b429\b`)

	// incidentalBefore are words that make a following number a position,
	// size, or counter rather than a status code.
	incidentalBefore = map[string]bool{
		"line": true, "lines": true, "col": true, "column": true, "row": true,
		"offset": true, "position": true, "pos": true, "index": true,
		"byte": true, "port": true, "item": true, "items": true, "chunk": true,
		"step": true, "attempt": true, "retry": true, "page": true, "size": true,
	}

	// incidentalAfter are units that make a preceding number a quantity.
	incidentalAfter = map[string]bool{
		"bytes": true, "b": true, "kb": true, "mb": true, "ms": true, "s": true,
		"lines": true, "items": true, "tokens": true, "chars": true, "characters": true,
		"records": true, "rows": true, "files": true,
	}
)

// isServerStatus reports whether m carries a 5xx status code.
func isServerStatus(m string) bool {
	for _, loc := range bareServerStatusPattern.FindAllStringIndex(m, -1) {
		if loc[0] > 0 && strings.ContainsRune(".,-_/", rune(m[loc[0]-1])) {
			continue
		}
		if loc[1] < len(m) && strings.ContainsRune(".,-_", rune(m[loc[1]])) &&
			loc[1]+1 < len(m) && m[loc[1]+1] >= '0' && m[loc[1]+1] <= '9' {
			continue
		}
		before := strings.Fields(strings.TrimRight(m[:loc[0]], " \t:=#"))
		if len(before) > 0 && incidentalBefore[strings.Trim(before[len(before)-1], "([{\"'")] {
			continue
		}
		after := strings.Fields(m[loc[1]:])
		if len(after) > 0 && incidentalAfter[strings.Trim(after[0], ",.;:)]}\"'")] {
			continue
		}
		return true
	}
	return false
}

// Classify inspects err and reports its failure class.
//
// Description:
//
//	Upstream errors are not a closed type set, so classification first checks
//	the typed errors this module knows about (StatusError, go-openai API and
//	request errors, net.Error, ECONNREFUSED, context errors) and then falls
//	back to case-insensitive inspection of the message.
//
// Inputs:
//
//	err - The error to classify. May be nil.
//
// Outputs:
//
//	FailureClass - ClassNone for nil, otherwise the matching class.
//
// Thread Safety: Safe for concurrent use.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassNone
	}

	var nr NonRetryable
	if errors.As(err, &nr) && nr.NonRetryable() {
		return ClassNonRetryable
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ClassCircuitOpen
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ClassConnectionRefused
	}

	if code := statusCode(err); code != 0 {
		if class, ok := classifyStatus(code); ok {
			return class
		}
		return ClassNonRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	return classifyMessage(err.Error())
}

// IsRetryable reports whether err belongs to a retryable class.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// statusCode extracts an HTTP status code from known typed errors.
func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func classifyStatus(code int) (FailureClass, bool) {
	switch {
	case code == 429:
		return ClassRateLimited, true
	case code >= 500 && code <= 599:
		return ClassServerError, true
	case code == 408:
		return ClassTimeout, true
	default:
		return ClassNonRetryable, false
	}
}

func classifyMessage(msg string) FailureClass {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "connection refused"):
		return ClassConnectionRefused
	case strings.Contains(m, "timeout"), strings.Contains(m, "timed out"), strings.Contains(m, "deadline exceeded"):
		return ClassTimeout
	case rateLimitPattern.MatchString(m), strings.Contains(m, "too many requests"), strings.Contains(m, "rate limit"):
		return ClassRateLimited
	case isServerStatus(m),
		strings.Contains(m, "internal server error"),
		strings.Contains(m, "bad gateway"),
		strings.Contains(m, "service unavailable"),
		strings.Contains(m, "gateway timeout"):
		return ClassServerError
	default:
		return ClassNonRetryable
	}
}
