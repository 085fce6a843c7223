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
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Limiter admits at most N concurrent blocks.
type Limiter interface {
	// Execute blocks until admitted (or ctx is done), then runs block.
	Execute(ctx context.Context, block func(ctx context.Context) error) error
}

// SemaphoreLimiter is a Limiter backed by a weighted semaphore.
//
// Thread Safety: Safe for concurrent use.
type SemaphoreLimiter struct {
	sem      *semaphore.Weighted
	capacity int
}

// NewSemaphoreLimiter creates a limiter admitting capacity concurrent blocks.
//
// Outputs:
//   - *SemaphoreLimiter: The limiter.
//   - error: ErrInvalidConfig if capacity <= 0.
func NewSemaphoreLimiter(capacity int) (*SemaphoreLimiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: limiter capacity must be positive, got %d", ErrInvalidConfig, capacity)
	}
	return &SemaphoreLimiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}, nil
}

// Execute implements Limiter.
func (l *SemaphoreLimiter) Execute(ctx context.Context, block func(ctx context.Context) error) error {
	if block == nil {
		return ErrNilOperation
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return block(ctx)
}

// Capacity returns the maximum number of concurrent blocks.
func (l *SemaphoreLimiter) Capacity() int {
	return l.capacity
}
