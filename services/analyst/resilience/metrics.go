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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the resilience primitives.
//
// Naming convention: analyst_<subsystem>_<metric>_<unit>. Collectors are
// process-wide registrations; each breaker or batch is told apart by label.
var (
	// breakerState tracks the current state per breaker (0=closed, 1=open, 2=half-open).
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "analyst_circuit_breaker_state",
		Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// breakerTransitions counts state transitions.
	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_circuit_breaker_transitions_total",
		Help: "Total circuit breaker state transitions",
	}, []string{"name", "from", "to"})

	// breakerRejections counts calls rejected while open.
	breakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_circuit_breaker_rejections_total",
		Help: "Total calls rejected by an open circuit breaker",
	}, []string{"name"})

	// retryAttempts counts retries by operation class.
	//
	// The operation name is deliberately not a label: chunk operation names
	// embed item hashes and would explode cardinality.
	retryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_retry_attempts_total",
		Help: "Total retry attempts by failure class",
	}, []string{"class"})

	// retryExhausted counts operations that ran out of retry budget.
	retryExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analyst_retry_exhausted_total",
		Help: "Total operations that exhausted their retry budget",
	})

	// chunkItems counts batch items by final outcome.
	//
	// Labels:
	//   - outcome: success, recovered, failed
	chunkItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_chunk_items_total",
		Help: "Total batch items processed by outcome",
	}, []string{"outcome"})

	// chunkBatchDuration records wall time per ProcessChunks call.
	chunkBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "analyst_chunk_batch_duration_seconds",
		Help:    "Duration of chunked batch processing",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})
)
