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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestDuration observes remote call latency.
	//
	// Labels:
	//   - op: complete, embed, rerank
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "analyst_llm_request_duration_seconds",
		Help:    "Duration of remote model requests",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"op"})

	tokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_llm_tokens_total",
		Help: "Tokens reported by the chat completion API",
	}, []string{"kind"})

	// degraded counts calls answered without the remote service.
	//
	// Labels:
	//   - op: complete, rerank
	//   - reason: circuit_open, error
	degraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_llm_degraded_total",
		Help: "Calls that fell back because the remote service failed",
	}, []string{"op", "reason"})

	indexedPieces = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_index_pieces_total",
		Help: "Document pieces processed by the embedding indexer",
	}, []string{"outcome"})
)
