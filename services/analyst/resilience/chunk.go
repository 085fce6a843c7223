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
	"hash/fnv"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ChunkConfig configures batch partitioning and parallelism.
type ChunkConfig struct {
	// ChunkSize is the number of items per chunk. Must be > 0.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size" validate:"gt=0"`

	// MaxConcurrentChunks bounds chunks in flight. Must be > 0.
	MaxConcurrentChunks int `yaml:"max_concurrent_chunks" json:"max_concurrent_chunks" validate:"gt=0"`
}

// DefaultChunkConfig returns sensible defaults.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		ChunkSize:           10,
		MaxConcurrentChunks: 3,
	}
}

// Validate rejects non-positive sizes.
func (c ChunkConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidConfig, c.ChunkSize)
	}
	if c.MaxConcurrentChunks <= 0 {
		return fmt.Errorf("%w: max_concurrent_chunks must be positive, got %d", ErrInvalidConfig, c.MaxConcurrentChunks)
	}
	return nil
}

// ItemProcessor processes one batch item.
type ItemProcessor[T, R any] func(ctx context.Context, item T) (R, error)

// FailureSink receives items that failed every retry available here.
//
// failures.ChunkSink is the durable implementation.
type FailureSink[T any] interface {
	RecordFailure(ctx context.Context, batchLabel string, item T, cause error) error
}

// ItemFailure pairs an item with the error it last produced.
type ItemFailure[T any] struct {
	// Index is the item's position in the input slice.
	Index int
	Item  T
	Err   error
}

// ChunkResult is the outcome of one chunk. Failures keep input order.
type ChunkResult[T, R any] struct {
	Successes []R
	Failures  []ItemFailure[T]
}

// ChunkReport is the full accounting of one ProcessChunks call.
type ChunkReport[T, R any] struct {
	// Chunks is the number of chunks the input was split into.
	Chunks int

	// InitialSuccesses and InitialFailures describe the chunked pass.
	// Their sum equals the input length.
	InitialSuccesses int
	InitialFailures  int

	// Recovered counts items that succeeded in the dedicated retry pass.
	Recovered int

	// Successes holds every result, chunked pass first, then recovered items.
	Successes []R

	// Failures holds items that also failed the dedicated retry pass.
	Failures []ItemFailure[T]
}

// ChunkOption customizes a ChunkProcessor.
type ChunkOption[T any] func(*chunkOptions[T])

type chunkOptions[T any] struct {
	limiter  Limiter
	sink     FailureSink[T]
	identity func(T) string
	logger   *slog.Logger
}

// WithLimiter replaces the default semaphore limiter.
func WithLimiter[T any](l Limiter) ChunkOption[T] {
	return func(o *chunkOptions[T]) { o.limiter = l }
}

// WithFailureSink sets where unrecoverable items go.
func WithFailureSink[T any](sink FailureSink[T]) ChunkOption[T] {
	return func(o *chunkOptions[T]) { o.sink = sink }
}

// WithIdentity sets how an item is identified in retry operation names.
// Default: fmt.Sprintf("%v", item).
func WithIdentity[T any](fn func(T) string) ChunkOption[T] {
	return func(o *chunkOptions[T]) { o.identity = fn }
}

// WithChunkLogger sets the logger.
func WithChunkLogger[T any](logger *slog.Logger) ChunkOption[T] {
	return func(o *chunkOptions[T]) { o.logger = logger }
}

// ChunkProcessor runs a batch in chunks under bounded concurrency.
//
// # Description
//
// Items are split into chunks of ChunkSize. Chunks run concurrently through
// the Limiter; items inside a chunk run sequentially, each wrapped by the
// RetryExecutor, and per-item errors are collected instead of aborting the
// chunk. After every chunk finishes, each failed item gets one dedicated
// retry pass (again through the RetryExecutor, so it receives a second full
// retry budget). Items that fail that pass go to the FailureSink and are not
// retried further here.
//
// # Ordering
//
// Within a chunk, failures keep input order. Successes from different
// chunks have no ordering guarantee relative to each other.
//
// # Thread Safety
//
// Safe for concurrent use; each call owns its own result buffers.
type ChunkProcessor[T, R any] struct {
	config   ChunkConfig
	retry    *RetryExecutor
	limiter  Limiter
	sink     FailureSink[T]
	identity func(T) string
	logger   *slog.Logger
}

// NewChunkProcessor creates a ChunkProcessor.
//
// Inputs:
//   - config: Chunk size and concurrency. Both must be positive.
//   - retry: The RetryExecutor wrapped around every item call. Must not be nil.
//   - opts: Optional limiter, sink, identity function, and logger.
//
// Outputs:
//   - *ChunkProcessor: Ready to use.
//   - error: ErrInvalidConfig on non-positive sizes or a nil RetryExecutor.
func NewChunkProcessor[T, R any](config ChunkConfig, retry *RetryExecutor, opts ...ChunkOption[T]) (*ChunkProcessor[T, R], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if retry == nil {
		return nil, fmt.Errorf("%w: retry executor is required", ErrInvalidConfig)
	}

	o := chunkOptions[T]{
		identity: func(item T) string { return fmt.Sprintf("%v", item) },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.limiter == nil {
		l, err := NewSemaphoreLimiter(config.MaxConcurrentChunks)
		if err != nil {
			return nil, err
		}
		o.limiter = l
	}

	return &ChunkProcessor[T, R]{
		config:   config,
		retry:    retry,
		limiter:  o.limiter,
		sink:     o.sink,
		identity: o.identity,
		logger:   o.logger,
	}, nil
}

// ProcessChunks processes items and returns every successful result.
//
// Individual item failures never surface as errors; they are retried and
// then handed to the FailureSink. Empty input yields an empty result and a
// logged warning.
func (p *ChunkProcessor[T, R]) ProcessChunks(ctx context.Context, items []T, fn ItemProcessor[T, R], batchLabel string) []R {
	return p.Process(ctx, items, fn, batchLabel).Successes
}

// Process is ProcessChunks with the full ChunkReport.
func (p *ChunkProcessor[T, R]) Process(ctx context.Context, items []T, fn ItemProcessor[T, R], batchLabel string) ChunkReport[T, R] {
	report := ChunkReport[T, R]{Successes: []R{}}
	if len(items) == 0 {
		p.logger.Warn("Chunk processing skipped: empty batch", slog.String("batch", batchLabel))
		return report
	}
	if fn == nil {
		p.logger.Error("Chunk processing skipped: nil item processor", slog.String("batch", batchLabel))
		return report
	}

	start := time.Now()
	defer func() { chunkBatchDuration.Observe(time.Since(start).Seconds()) }()

	bounds := partition(len(items), p.config.ChunkSize)
	report.Chunks = len(bounds)
	results := make([]ChunkResult[T, R], len(bounds))

	var g errgroup.Group
	for ci, b := range bounds {
		g.Go(func() error {
			err := p.limiter.Execute(ctx, func(ctx context.Context) error {
				results[ci] = p.runChunk(ctx, items, b, ci, len(bounds), fn, batchLabel)
				return nil
			})
			if err != nil {
				// Never admitted: every item of the chunk failed with the admission error.
				res := ChunkResult[T, R]{}
				for i := b.start; i < b.end; i++ {
					res.Failures = append(res.Failures, ItemFailure[T]{Index: i, Item: items[i], Err: err})
				}
				results[ci] = res
			}
			return nil
		})
	}
	_ = g.Wait()

	var pending []ItemFailure[T]
	for _, res := range results {
		report.Successes = append(report.Successes, res.Successes...)
		pending = append(pending, res.Failures...)
	}
	report.InitialSuccesses = len(report.Successes)
	report.InitialFailures = len(pending)
	chunkItems.WithLabelValues("success").Add(float64(report.InitialSuccesses))

	for _, failure := range pending {
		opName := fmt.Sprintf("%s-retry-%016x", batchLabel, identityHash(p.identity(failure.Item)))
		result, err := Retry(ctx, p.retry, opName, func(ctx context.Context) (R, error) {
			return callItem(ctx, fn, failure.Item)
		})
		if err == nil {
			report.Successes = append(report.Successes, result)
			report.Recovered++
			continue
		}

		failure.Err = err
		report.Failures = append(report.Failures, failure)
		p.recordFailure(ctx, batchLabel, failure)
	}
	chunkItems.WithLabelValues("recovered").Add(float64(report.Recovered))
	chunkItems.WithLabelValues("failed").Add(float64(len(report.Failures)))

	p.logger.Info("Chunk processing complete",
		slog.String("batch", batchLabel),
		slog.Int("items", len(items)),
		slog.Int("chunks", report.Chunks),
		slog.Int("initial_failures", report.InitialFailures),
		slog.Int("recovered", report.Recovered),
		slog.Int("failed", len(report.Failures)),
		slog.Duration("duration", time.Since(start)),
	)
	return report
}

// runChunk processes one chunk's items sequentially.
func (p *ChunkProcessor[T, R]) runChunk(
	ctx context.Context,
	items []T,
	b chunkBounds,
	chunkIndex, chunkCount int,
	fn ItemProcessor[T, R],
	batchLabel string,
) ChunkResult[T, R] {
	res := ChunkResult[T, R]{}
	for i := b.start; i < b.end; i++ {
		item := items[i]
		opName := fmt.Sprintf("%s[chunk %d/%d item %d]", batchLabel, chunkIndex+1, chunkCount, i-b.start)
		result, err := Retry(ctx, p.retry, opName, func(ctx context.Context) (R, error) {
			return callItem(ctx, fn, item)
		})
		if err != nil {
			res.Failures = append(res.Failures, ItemFailure[T]{Index: i, Item: item, Err: err})
			continue
		}
		res.Successes = append(res.Successes, result)
	}
	return res
}

func (p *ChunkProcessor[T, R]) recordFailure(ctx context.Context, batchLabel string, failure ItemFailure[T]) {
	p.logger.Warn("Batch item failed after dedicated retry",
		slog.String("batch", batchLabel),
		slog.Int("index", failure.Index),
		slog.String("error", failure.Err.Error()),
	)
	if p.sink == nil {
		return
	}
	if err := p.sink.RecordFailure(ctx, batchLabel, failure.Item, failure.Err); err != nil {
		p.logger.Error("Failed to record batch item failure",
			slog.String("batch", batchLabel),
			slog.Int("index", failure.Index),
			slog.String("error", err.Error()),
		)
	}
}

// callItem invokes fn, converting a panic into an error.
func callItem[T, R any](ctx context.Context, fn ItemProcessor[T, R], item T) (result R, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("item processor panic: %v", rec)
		}
	}()
	return fn(ctx, item)
}

type chunkBounds struct {
	start, end int
}

// partition splits n items into ceil(n/size) half-open ranges.
func partition(n, size int) []chunkBounds {
	bounds := make([]chunkBounds, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		bounds = append(bounds, chunkBounds{start: start, end: end})
	}
	return bounds
}

func identityHash(identity string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(identity))
	return h.Sum64()
}
