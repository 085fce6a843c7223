// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyst

import (
	"time"

	"github.com/AleutianAI/analyst/services/analyst/failures"
	"github.com/AleutianAI/analyst/services/analyst/llm"
	"github.com/AleutianAI/analyst/services/analyst/loop"
	"github.com/AleutianAI/analyst/services/analyst/resilience"
)

// RunRequest is the request body for POST /v1/analyst/run.
type RunRequest struct {
	// AnalysisType selects the template and section rules. Required.
	AnalysisType string `json:"analysis_type" binding:"required"`

	// ContextKey identifies what is analyzed, e.g. a package path. Required.
	ContextKey string `json:"context_key" binding:"required"`

	// PriorContext is free text prepended to every prompt.
	PriorContext string `json:"prior_context"`

	// Todos are open items the report must address.
	Todos []loop.Todo `json:"todos"`
}

// RunResponse is the response for POST /v1/analyst/run.
type RunResponse struct {
	*loop.AnalysisLoopResult

	// DurationMs is the wall time of the run.
	DurationMs int64 `json:"duration_ms"`
}

// IndexRequest is the request body for POST /v1/analyst/index.
type IndexRequest struct {
	Documents []llm.Document `json:"documents" binding:"required,min=1,dive"`
}

// SearchRequest is the request body for POST /v1/analyst/search.
type SearchRequest struct {
	Query string `json:"query" binding:"required"`

	// Limit caps the results. Default: 5, max 50.
	Limit int `json:"limit" binding:"gte=0,lte=50"`
}

// SearchHit is one search result.
type SearchHit struct {
	PieceID string  `json:"piece_id"`
	Source  string  `json:"source"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`

	// RerankScore is the reranker relevance; zero when reranking is
	// disabled or degraded.
	RerankScore float64 `json:"rerank_score"`
}

// SearchResponse is the response for POST /v1/analyst/search.
type SearchResponse struct {
	Query    string      `json:"query"`
	Hits     []SearchHit `json:"hits"`
	Reranked bool        `json:"reranked"`
}

// BreakersResponse is the response for GET /v1/analyst/breakers.
type BreakersResponse struct {
	Breakers []resilience.CircuitBreakerStatistics `json:"breakers"`
}

// FailuresResponse is the response for GET /v1/analyst/failures.
type FailuresResponse struct {
	Records []failures.FailureRecord `json:"records"`
	Count   int                      `json:"count"`
}

// CleanupResponse is the response for DELETE /v1/analyst/failures.
type CleanupResponse struct {
	Status  failures.Status `json:"status"`
	Deleted int             `json:"deleted"`
}

// HealthResponse is the response for GET /v1/analyst/health.
type HealthResponse struct {
	// Status is "healthy", or "degraded" when any breaker is not closed.
	Status   string   `json:"status"`
	Model    string   `json:"model"`
	Types    []string `json:"analysis_types"`
	Uptime   string   `json:"uptime"`
	Degraded []string `json:"degraded,omitempty"`

	// Started is when the service was built.
	Started time.Time `json:"started"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	// Error is a human-readable message.
	Error string `json:"error"`

	// Code is a machine-readable code, e.g. "INVALID_REQUEST".
	Code string `json:"code"`

	// Details carries optional context such as the request id.
	Details string `json:"details,omitempty"`
}
