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
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
)

type permanentError struct{}

func (permanentError) Error() string      { return "timeout while validating, but permanent" }
func (permanentError) NonRetryable() bool { return true }

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"nil", nil, ClassNone},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ClassTimeout},
		{"canceled", context.Canceled, ClassCanceled},
		{"circuit open", &CircuitOpenError{Name: "llm"}, ClassCircuitOpen},
		{"status 429", NewStatusError(429, ""), ClassRateLimited},
		{"status 503", NewStatusError(503, ""), ClassServerError},
		{"status 408", NewStatusError(408, ""), ClassTimeout},
		{"status 404", NewStatusError(404, "timeout in body is ignored"), ClassNonRetryable},
		{"openai api 500", &openai.APIError{HTTPStatusCode: 500, Message: "oops"}, ClassServerError},
		{"openai request 429", &openai.RequestError{HTTPStatusCode: 429, Err: errors.New("slow down")}, ClassRateLimited},
		{"openai api 401", &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}, ClassNonRetryable},
		{"econnrefused", &net.OpError{Op: "dial", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}, ClassConnectionRefused},
		{"net timeout", timeoutNetError{}, ClassTimeout},
		{"message refused", errors.New("dial tcp 127.0.0.1:11434: Connection Refused"), ClassConnectionRefused},
		{"message timed out", errors.New("request timed out"), ClassTimeout},
		{"message 429", errors.New("server said 429"), ClassRateLimited},
		{"message rate limit", errors.New("Rate limit reached"), ClassRateLimited},
		{"message status 502", errors.New("unexpected status code: 502"), ClassServerError},
		{"message bad gateway", errors.New("Bad Gateway"), ClassServerError},
		{"message incidental number", errors.New("parse error at line 512"), ClassNonRetryable},
		{"message bare 503", errors.New("upstream returned 503"), ClassServerError},
		{"message bare 500", errors.New("embedding server responded with 500"), ClassServerError},
		{"message error 504", fmt.Errorf("rerank: error=504"), ClassServerError},
		{"message bare 429", errors.New("POST /v1/rerank: 429"), ClassRateLimited},
		{"message size in bytes", errors.New("payload of 512 bytes rejected"), ClassNonRetryable},
		{"message column", errors.New("invalid character at column 501"), ClassNonRetryable},
		{"message version", errors.New("unsupported schema 1.503"), ClassNonRetryable},
		{"message path segment", errors.New("no route for /items/550"), ClassNonRetryable},
		{"explicit non-retryable wins", permanentError{}, ClassNonRetryable},
		{"plain", errors.New("invalid argument"), ClassNonRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestFailureClass_Retryable(t *testing.T) {
	retryable := []FailureClass{ClassTimeout, ClassRateLimited, ClassServerError, ClassConnectionRefused}
	for _, c := range retryable {
		assert.True(t, c.Retryable(), c.String())
	}
	for _, c := range []FailureClass{ClassNone, ClassCircuitOpen, ClassCanceled, ClassNonRetryable} {
		assert.False(t, c.Retryable(), c.String())
	}
}

func TestStatusError_TruncatesBody(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	err := NewStatusError(500, string(long))
	assert.Len(t, err.Body, 256)
	assert.Contains(t, err.Error(), "http 500 Internal Server Error")
}
