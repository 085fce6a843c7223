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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/analyst/services/analyst/resilience"
)

// maxRerankResponseBytes caps how much of a rerank response is read.
const maxRerankResponseBytes = 4 << 20

// RerankConfig configures the rerank endpoint. The API follows the common
// {query, documents, top_n} -> {results: [{index, relevance_score}]} shape
// served by Cohere, Jina, and text-embeddings-inference.
type RerankConfig struct {
	URL     string        `yaml:"url" json:"url" validate:"omitempty,url"`
	Model   string        `yaml:"model" json:"model"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// Ranked is one document position after reranking.
type Ranked struct {
	// Index is the document's position in the input slice.
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Reranker reorders documents by relevance to a query.
//
// # Description
//
// Calls run behind the rerank circuit breaker. Reranking is an optional
// refinement, so any failure (including an open breaker) degrades to the
// input order rather than failing the caller.
//
// # Thread Safety
//
// Safe for concurrent use.
type Reranker struct {
	config  RerankConfig
	client  *http.Client
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

// NewReranker creates a Reranker. An empty URL makes Rerank return the
// input order without network calls.
func NewReranker(cfg RerankConfig, key *SecretKey, breaker *resilience.CircuitBreaker, logger *slog.Logger) (*Reranker, error) {
	if breaker == nil {
		return nil, fmt.Errorf("%w: rerank breaker is required", ErrInvalidConfig)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := NewAuthorizedClient(key, &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
	return &Reranker{config: cfg, client: client, breaker: breaker, logger: logger}, nil
}

// Enabled reports whether a rerank endpoint is configured.
func (r *Reranker) Enabled() bool { return r.config.URL != "" }

// Rerank returns the top documents by relevance, at most topN (all when
// topN <= 0). On any failure it returns the input order with zero scores.
func (r *Reranker) Rerank(ctx context.Context, query string, documents []string, topN int) []Ranked {
	if len(documents) == 0 {
		return []Ranked{}
	}
	if !r.Enabled() {
		return identityRanking(len(documents), topN)
	}

	ranked, err := resilience.Call(ctx, r.breaker, func(ctx context.Context) ([]Ranked, error) {
		return r.call(ctx, query, documents, topN)
	})
	if err != nil {
		reason := "error"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			reason = "circuit_open"
		}
		degraded.WithLabelValues("rerank", reason).Inc()
		r.logger.Warn("Rerank failed, keeping original order",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return identityRanking(len(documents), topN)
	}
	return ranked
}

func (r *Reranker) call(ctx context.Context, query string, documents []string, topN int) ([]Ranked, error) {
	ctx, span := llmTracer.Start(ctx, "llm.Reranker.Rerank",
		trace.WithAttributes(attribute.Int("rerank.documents", len(documents))),
	)
	defer span.End()

	body, err := json.Marshal(rerankRequest{Model: r.config.Model, Query: query, Documents: documents, TopN: topN})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	requestDuration.WithLabelValues("rerank").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rerank request failed")
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRerankResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := resilience.NewStatusError(resp.StatusCode, strings.TrimSpace(string(data)))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var parsed rerankResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	ranked := make([]Ranked, 0, len(parsed.Results))
	seen := make(map[int]bool, len(parsed.Results))
	for _, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(documents) || seen[res.Index] {
			return nil, fmt.Errorf("rerank result index %d invalid for %d documents", res.Index, len(documents))
		}
		seen[res.Index] = true
		ranked = append(ranked, Ranked{Index: res.Index, Score: res.RelevanceScore})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if topN > 0 && len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked, nil
}

func identityRanking(n, topN int) []Ranked {
	if topN > 0 && topN < n {
		n = topN
	}
	out := make([]Ranked, n)
	for i := range out {
		out[i] = Ranked{Index: i}
	}
	return out
}
