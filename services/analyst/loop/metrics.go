// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// loopRuns counts finished runs.
	//
	// Labels:
	//   - analysis_type: requested analysis type
	//   - status: complete, incomplete, skipped, fatal, canceled, error
	loopRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_loop_runs_total",
		Help: "Total analysis loop runs by outcome",
	}, []string{"analysis_type", "status"})

	// loopSteps observes steps taken per run.
	loopSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "analyst_loop_steps",
		Help:    "Steps taken per analysis loop run",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 20, 30},
	})

	// loopToolCalls counts tool calls by canonical name and outcome.
	//
	// Labels:
	//   - outcome: ok, error, cached, skipped
	loopToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_loop_tool_calls_total",
		Help: "Total tool calls issued by the analysis loop",
	}, []string{"tool", "outcome"})
)
