// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package failures

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// recordTransitions counts record lifecycle events.
	//
	// Labels:
	//   - resource: the record's resource key
	//   - event: added, claimed, rescheduled, succeeded, failed, recovered
	recordTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_failure_record_events_total",
		Help: "Total failure queue record lifecycle events",
	}, []string{"resource", "event"})

	// recordsCleaned counts records purged by cleanup.
	recordsCleaned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_failure_records_cleaned_total",
		Help: "Total terminal failure records purged by cleanup",
	}, []string{"status"})

	// deadLetterPublished counts dead-letter publish outcomes.
	deadLetterPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_failure_dead_letter_total",
		Help: "Total FAILED records handed to the dead-letter publisher",
	}, []string{"outcome"})

	// workerDrainDuration records the wall time of one drain pass.
	workerDrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "analyst_failure_worker_drain_duration_seconds",
		Help:    "Duration of a retry worker drain pass",
		Buckets: prometheus.DefBuckets,
	})
)
