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

import "time"

const (
	// BackoffBase is the delay for retryCount 0.
	BackoffBase = time.Second

	// BackoffCap bounds every computed delay.
	BackoffCap = time.Hour
)

// Backoff returns min(BackoffBase × 2^retryCount, BackoffCap).
//
// Non-decreasing in retryCount. Negative counts are treated as 0 and large
// counts saturate at the cap instead of overflowing.
//
//	Backoff(0)  == 1s
//	Backoff(5)  == 32s
//	Backoff(20) == 1h
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// 2^12 s already exceeds an hour.
	if retryCount >= 12 {
		return BackoffCap
	}
	d := BackoffBase << uint(retryCount)
	if d > BackoffCap {
		return BackoffCap
	}
	return d
}
