// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the remote model clients used by the analyst: chat
// completion, embeddings, and reranking, each guarded by its own circuit
// breaker and retry budget.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrEmptyResponse is returned when a model answers with no choices.
	ErrEmptyResponse = errors.New("model returned no choices")

	// ErrInvalidConfig is returned for bad client configuration.
	ErrInvalidConfig = errors.New("invalid llm config")

	// ErrNoAPIKey is returned when no API key could be resolved.
	ErrNoAPIKey = errors.New("no API key configured")
)

// GenerationParams tunes one completion. Nil fields use the server default.
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty" yaml:"stop,omitempty"`
}

// Completer generates text for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Embed implements Embedder.
func (f EmbedderFunc) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}
