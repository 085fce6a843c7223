// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/analyst/services/analyst/resilience"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestRetry(t *testing.T, maxRetries int) *resilience.RetryExecutor {
	t.Helper()
	r, err := resilience.NewRetryExecutor(resilience.RetryConfig{MaxRetries: maxRetries, BaseDelay: time.Millisecond}, resilience.WithSleeper(noSleep))
	require.NoError(t, err)
	return r
}

func TestResilientLLM_RetriesTransientFailures(t *testing.T) {
	calls := 0
	completer := CompleterFunc(func(_ context.Context, prompt string) (string, error) {
		calls++
		if calls < 3 {
			return "", resilience.NewStatusError(http.StatusBadGateway, "")
		}
		return "ok: " + prompt, nil
	})
	breaker := resilience.NewCircuitBreaker("llm", resilience.CircuitBreakerConfig{FailureThreshold: 10})
	r, err := NewResilientLLM(completer, newTestRetry(t, 3), breaker, nil)
	require.NoError(t, err)

	assert.Equal(t, "ok: p", r.Complete(context.Background(), "p"))
	assert.Equal(t, 3, calls)
}

func TestResilientLLM_FailureYieldsEmptyReply(t *testing.T) {
	calls := 0
	completer := CompleterFunc(func(context.Context, string) (string, error) {
		calls++
		return "", resilience.NewStatusError(http.StatusServiceUnavailable, "")
	})
	breaker := resilience.NewCircuitBreaker("llm", resilience.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour})
	r, err := NewResilientLLM(completer, newTestRetry(t, 5), breaker, nil)
	require.NoError(t, err)

	assert.Empty(t, r.Complete(context.Background(), "p"))
	assert.Equal(t, 2, calls, "the open breaker ends the retry loop")

	_, err = r.CompleteErr(context.Background(), "p")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 2, calls)
}

func TestNewResilientLLM_RequiresDependencies(t *testing.T) {
	_, err := NewResilientLLM(nil, newTestRetry(t, 1), resilience.NewCircuitBreaker("x", resilience.CircuitBreakerConfig{}), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewResilientEmbedder(EmbedderFunc(func(context.Context, []string) ([][]float32, error) { return nil, nil }), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestResilientEmbedder_SingleAttemptWithoutRetry(t *testing.T) {
	calls := 0
	inner := EmbedderFunc(func(context.Context, []string) ([][]float32, error) {
		calls++
		return nil, resilience.NewStatusError(http.StatusServiceUnavailable, "")
	})
	e, err := NewResilientEmbedder(inner, nil, resilience.NewCircuitBreaker("embedding", resilience.CircuitBreakerConfig{}))
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	e, err = NewResilientEmbedder(inner, newTestRetry(t, 2), resilience.NewCircuitBreaker("embedding", resilience.CircuitBreakerConfig{FailureThreshold: 10}))
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func newRerankServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "overloaded", status)
			return
		}
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "where is the store", req.Query)

		// Score by reverse position so the ranking inverts the input.
		results := make([]map[string]any, len(req.Documents))
		for i := range req.Documents {
			results[i] = map[string]any{"index": i, "relevance_score": float64(i) / 10}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestReranker_OrdersByScore(t *testing.T) {
	srv := newRerankServer(t, http.StatusOK)
	r, err := NewReranker(RerankConfig{URL: srv.URL}, nil, resilience.NewCircuitBreaker("rerank", resilience.CircuitBreakerConfig{}), nil)
	require.NoError(t, err)

	got := r.Rerank(context.Background(), "where is the store", []string{"a", "b", "c"}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Index)
	assert.Equal(t, 1, got[1].Index)
	assert.InDelta(t, 0.2, got[0].Score, 1e-9)
}

func TestReranker_DegradesToInputOrder(t *testing.T) {
	srv := newRerankServer(t, http.StatusServiceUnavailable)
	breaker := resilience.NewCircuitBreaker("rerank", resilience.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour})
	r, err := NewReranker(RerankConfig{URL: srv.URL}, nil, breaker, nil)
	require.NoError(t, err)

	want := []Ranked{{Index: 0}, {Index: 1}, {Index: 2}}
	assert.Equal(t, want, r.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 0))
	assert.Equal(t, resilience.CircuitOpen, breaker.State())

	// Open breaker: still the input order, no request made.
	assert.Equal(t, want[:1], r.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 1))
}

func TestReranker_Disabled(t *testing.T) {
	r, err := NewReranker(RerankConfig{}, nil, resilience.NewCircuitBreaker("rerank", resilience.CircuitBreakerConfig{}), nil)
	require.NoError(t, err)
	assert.False(t, r.Enabled())
	assert.Equal(t, []Ranked{{Index: 0}, {Index: 1}}, r.Rerank(context.Background(), "q", []string{"a", "b"}, 5))
	assert.Empty(t, r.Rerank(context.Background(), "q", nil, 5))

	_, err = NewReranker(RerankConfig{}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
