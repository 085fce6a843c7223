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
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/analyst/services/analyst/loop"
	"github.com/AleutianAI/analyst/services/analyst/resilience"
)

// ResilientLLM runs a Completer behind a circuit breaker and retry budget
// and adapts it to loop.LLMCaller.
//
// # Description
//
// Each call is attempted through resilience.Guarded: the breaker rejects
// immediately while open, and transient failures are retried with linear
// backoff. A call that still fails is logged and answered with an empty
// string, which the analysis loop treats as a reply with no tool calls and
// no draft.
//
// # Thread Safety
//
// Safe for concurrent use.
type ResilientLLM struct {
	completer Completer
	retry     *resilience.RetryExecutor
	breaker   *resilience.CircuitBreaker
	logger    *slog.Logger
}

// NewResilientLLM wraps completer. All arguments except logger are required.
func NewResilientLLM(completer Completer, retry *resilience.RetryExecutor, breaker *resilience.CircuitBreaker, logger *slog.Logger) (*ResilientLLM, error) {
	if completer == nil || retry == nil || breaker == nil {
		return nil, fmt.Errorf("%w: completer, retry and breaker are required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientLLM{completer: completer, retry: retry, breaker: breaker, logger: logger}, nil
}

// CompleteErr is Complete with the final error exposed.
func (r *ResilientLLM) CompleteErr(ctx context.Context, prompt string) (string, error) {
	return resilience.Guarded(ctx, r.retry, r.breaker, "llm.complete", func(ctx context.Context) (string, error) {
		return r.completer.Complete(ctx, prompt)
	})
}

// Complete implements loop.LLMCaller.
func (r *ResilientLLM) Complete(ctx context.Context, prompt string) string {
	reply, err := r.CompleteErr(ctx, prompt)
	if err == nil {
		return reply
	}

	reason := "error"
	if errors.Is(err, resilience.ErrCircuitOpen) {
		reason = "circuit_open"
	}
	degraded.WithLabelValues("complete", reason).Inc()
	r.logger.Warn("LLM call failed, returning empty reply",
		slog.String("breaker", r.breaker.Name()),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	return ""
}

// ResilientEmbedder runs an Embedder behind the embedding breaker. With a
// nil RetryExecutor it makes one attempt per call; the indexer relies on
// that because the ChunkProcessor already retries each piece.
type ResilientEmbedder struct {
	embedder Embedder
	retry    *resilience.RetryExecutor
	breaker  *resilience.CircuitBreaker
}

// NewResilientEmbedder wraps embedder. retry may be nil.
func NewResilientEmbedder(embedder Embedder, retry *resilience.RetryExecutor, breaker *resilience.CircuitBreaker) (*ResilientEmbedder, error) {
	if embedder == nil || breaker == nil {
		return nil, fmt.Errorf("%w: embedder and breaker are required", ErrInvalidConfig)
	}
	return &ResilientEmbedder{embedder: embedder, retry: retry, breaker: breaker}, nil
}

// Embed implements Embedder.
func (e *ResilientEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	op := func(ctx context.Context) ([][]float32, error) { return e.embedder.Embed(ctx, texts) }
	if e.retry == nil {
		return resilience.Call(ctx, e.breaker, op)
	}
	return resilience.Guarded(ctx, e.retry, e.breaker, "llm.embed", op)
}

var (
	_ loop.LLMCaller = (*ResilientLLM)(nil)
	_ Embedder       = (*ResilientEmbedder)(nil)
	_ Completer      = (*OpenAIClient)(nil)
	_ Embedder       = (*OpenAIClient)(nil)
)
