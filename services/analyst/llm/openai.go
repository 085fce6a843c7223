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
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var llmTracer = otel.Tracer("analyst.llm")

const (
	// DefaultModel is used when OpenAIConfig.Model is empty.
	DefaultModel = "gpt-4o-mini"

	// DefaultEmbeddingModel is used when OpenAIConfig.EmbeddingModel is empty.
	DefaultEmbeddingModel = "text-embedding-3-small"

	// DefaultRequestTimeout bounds one HTTP round trip.
	DefaultRequestTimeout = 5 * time.Minute
)

// OpenAIConfig configures an OpenAI-compatible endpoint. Ollama, vLLM and
// llama.cpp servers all accept a BaseURL ending in /v1.
type OpenAIConfig struct {
	BaseURL        string           `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	Model          string           `yaml:"model" json:"model"`
	EmbeddingModel string           `yaml:"embedding_model" json:"embedding_model"`
	SystemPrompt   string           `yaml:"system_prompt" json:"system_prompt"`
	Timeout        time.Duration    `yaml:"timeout" json:"timeout" validate:"gte=0"`
	Params         GenerationParams `yaml:"params" json:"params"`
}

func (c OpenAIConfig) withDefaults() OpenAIConfig {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = DefaultEmbeddingModel
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultRequestTimeout
	}
	return c
}

// OpenAIClient talks to an OpenAI-compatible chat and embeddings API.
//
// # Description
//
// The API key never lives in the go-openai config. It stays sealed in a
// SecretKey and is injected per request by the HTTP transport, which is
// also instrumented with otelhttp.
//
// # Thread Safety
//
// Safe for concurrent use.
type OpenAIClient struct {
	client *openai.Client
	config OpenAIConfig
	logger *slog.Logger
}

// NewOpenAIClient creates a client. key may be nil for local servers that
// do not authenticate.
func NewOpenAIClient(cfg OpenAIConfig, key *SecretKey, logger *slog.Logger) (*OpenAIClient, error) {
	cfg = cfg.withDefaults()
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig("")
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = NewAuthorizedClient(key, &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})

	logger.Info("OpenAI-compatible client initialized",
		slog.String("base_url", clientCfg.BaseURL),
		slog.String("model", cfg.Model),
		slog.String("embedding_model", cfg.EmbeddingModel),
		slog.Bool("authenticated", key != nil),
	)
	return &OpenAIClient{client: openai.NewClientWithConfig(clientCfg), config: cfg, logger: logger}, nil
}

// Model returns the chat model name.
func (c *OpenAIClient) Model() string { return c.config.Model }

// Complete sends prompt as a single user message.
//
// Outputs:
//   - string: The first choice's content.
//   - error: The go-openai error unchanged (so resilience.Classify sees the
//     HTTP status), or ErrEmptyResponse.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := llmTracer.Start(ctx, "llm.OpenAIClient.Complete",
		trace.WithAttributes(
			attribute.String("llm.model", c.config.Model),
			attribute.Int("llm.prompt_chars", len(prompt)),
		),
	)
	defer span.End()

	req := openai.ChatCompletionRequest{
		Model:    c.config.Model,
		Messages: c.messages(prompt),
		Stop:     c.config.Params.Stop,
	}
	if p := c.config.Params.Temperature; p != nil {
		req.Temperature = *p
	}
	if p := c.config.Params.TopP; p != nil {
		req.TopP = *p
	}
	if p := c.config.Params.MaxTokens; p != nil {
		req.MaxTokens = *p
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	requestDuration.WithLabelValues("complete").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return "", ErrEmptyResponse
	}

	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	tokensUsed.WithLabelValues("prompt").Add(float64(resp.Usage.PromptTokens))
	tokensUsed.WithLabelValues("completion").Add(float64(resp.Usage.CompletionTokens))
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) messages(prompt string) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if c.config.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: c.config.SystemPrompt})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})
}

// Embed returns one vector per text, ordered by input position.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	ctx, span := llmTracer.Start(ctx, "llm.OpenAIClient.Embed",
		trace.WithAttributes(
			attribute.String("llm.embedding_model", c.config.EmbeddingModel),
			attribute.Int("llm.inputs", len(texts)),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.config.EmbeddingModel),
	})
	requestDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embeddings failed")
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		err := fmt.Errorf("%w: got %d embeddings for %d inputs", ErrEmptyResponse, len(resp.Data), len(texts))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
