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
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memorySink collects recorded failures.
type memorySink[T any] struct {
	mu      sync.Mutex
	labels  []string
	items   []T
	causes  []error
	failErr error
}

func (s *memorySink[T]) RecordFailure(_ context.Context, label string, item T, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = append(s.labels, label)
	s.items = append(s.items, item)
	s.causes = append(s.causes, cause)
	return s.failErr
}

// countingLimiter wraps a limiter and tracks peak concurrency.
type countingLimiter struct {
	inner   Limiter
	current atomic.Int64
	peak    atomic.Int64
}

func (l *countingLimiter) Execute(ctx context.Context, block func(ctx context.Context) error) error {
	return l.inner.Execute(ctx, func(ctx context.Context) error {
		n := l.current.Add(1)
		for {
			p := l.peak.Load()
			if n <= p || l.peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer l.current.Add(-1)
		return block(ctx)
	})
}

func TestChunkProcessor_ItemThreeAlwaysFails(t *testing.T) {
	retry, sleeper := newTestRetry(t, 2)
	sink := &memorySink[int]{}
	p, err := NewChunkProcessor[int, string](
		ChunkConfig{ChunkSize: 2, MaxConcurrentChunks: 2},
		retry,
		WithFailureSink[int](sink),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	attempts := map[int]int{}
	fn := func(_ context.Context, item int) (string, error) {
		mu.Lock()
		attempts[item]++
		mu.Unlock()
		if item == 3 {
			return "", NewStatusError(503, "down")
		}
		return fmt.Sprintf("ok-%d", item), nil
	}

	report := p.Process(context.Background(), []int{1, 2, 3, 4, 5}, fn, "embed")

	assert.Equal(t, 3, report.Chunks)
	assert.Equal(t, 4, report.InitialSuccesses)
	assert.Equal(t, 1, report.InitialFailures)
	assert.Zero(t, report.Recovered)

	got := append([]string(nil), report.Successes...)
	sort.Strings(got)
	assert.Equal(t, []string{"ok-1", "ok-2", "ok-4", "ok-5"}, got)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, 3, report.Failures[0].Item)
	assert.Equal(t, 2, report.Failures[0].Index)

	require.Len(t, sink.items, 1)
	assert.Equal(t, 3, sink.items[0])
	assert.Equal(t, "embed", sink.labels[0])
	assert.Equal(t, ClassServerError, Classify(sink.causes[0]))

	// Two independent retry budgets: (1+2) in the chunk and (1+2) in the dedicated pass.
	assert.Equal(t, 6, attempts[3])
	assert.Equal(t, 1, attempts[1])
	assert.Len(t, sleeper.Delays(), 4)
}

func TestChunkProcessor_DedicatedPassRecovers(t *testing.T) {
	retry, _ := newTestRetry(t, 1)
	sink := &memorySink[string]{}
	p, err := NewChunkProcessor[string, string](ChunkConfig{ChunkSize: 3, MaxConcurrentChunks: 1}, retry, WithFailureSink[string](sink))
	require.NoError(t, err)

	var flakyCalls atomic.Int64
	fn := func(_ context.Context, item string) (string, error) {
		if item == "flaky" && flakyCalls.Add(1) <= 2 {
			return "", errors.New("request timed out")
		}
		return item, nil
	}

	report := p.Process(context.Background(), []string{"a", "flaky", "b"}, fn, "batch")
	assert.Equal(t, 1, report.InitialFailures)
	assert.Equal(t, 1, report.Recovered)
	assert.Empty(t, report.Failures)
	assert.Empty(t, sink.items)
	assert.Equal(t, []string{"a", "b", "flaky"}, report.Successes)
}

func TestChunkProcessor_NonRetryableSkipsRetries(t *testing.T) {
	retry, sleeper := newTestRetry(t, 3)
	p, err := NewChunkProcessor[int, int](ChunkConfig{ChunkSize: 1, MaxConcurrentChunks: 4}, retry)
	require.NoError(t, err)

	var calls atomic.Int64
	results := p.ProcessChunks(context.Background(), []int{1, 2}, func(_ context.Context, item int) (int, error) {
		calls.Add(1)
		if item == 2 {
			return 0, errors.New("invalid payload")
		}
		return item * 10, nil
	}, "batch")

	assert.Equal(t, []int{10}, results)
	assert.Equal(t, int64(3), calls.Load(), "item 2 runs once in its chunk and once in the dedicated pass")
	assert.Empty(t, sleeper.Delays())
}

func TestChunkProcessor_BoundedConcurrency(t *testing.T) {
	retry, _ := newTestRetry(t, 0)
	inner, err := NewSemaphoreLimiter(2)
	require.NoError(t, err)
	limiter := &countingLimiter{inner: inner}

	p, err := NewChunkProcessor[int, int](ChunkConfig{ChunkSize: 1, MaxConcurrentChunks: 2}, retry, WithLimiter[int](limiter))
	require.NoError(t, err)

	items := make([]int, 12)
	for i := range items {
		items[i] = i
	}
	results := p.ProcessChunks(context.Background(), items, func(_ context.Context, item int) (int, error) {
		time.Sleep(5 * time.Millisecond)
		return item, nil
	}, "batch")

	assert.Len(t, results, 12)
	assert.LessOrEqual(t, limiter.peak.Load(), int64(2))
	assert.GreaterOrEqual(t, limiter.peak.Load(), int64(1))
}

func TestChunkProcessor_ItemsSequentialWithinChunk(t *testing.T) {
	retry, _ := newTestRetry(t, 0)
	p, err := NewChunkProcessor[int, int](ChunkConfig{ChunkSize: 4, MaxConcurrentChunks: 1}, retry)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	results := p.ProcessChunks(context.Background(), []int{1, 2, 3, 4, 5, 6, 7, 8}, func(_ context.Context, item int) (int, error) {
		mu.Lock()
		order = append(order, item)
		mu.Unlock()
		return item, nil
	}, "batch")

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, order)
	assert.Equal(t, order, results)
}

func TestChunkProcessor_EmptyInput(t *testing.T) {
	retry, _ := newTestRetry(t, 1)
	p, err := NewChunkProcessor[int, int](DefaultChunkConfig(), retry)
	require.NoError(t, err)

	report := p.Process(context.Background(), nil, func(context.Context, int) (int, error) {
		t.Fatal("processor must not be called")
		return 0, nil
	}, "empty")

	assert.Zero(t, report.Chunks)
	assert.NotNil(t, report.Successes)
	assert.Empty(t, report.Successes)
}

func TestChunkProcessor_PanicBecomesFailure(t *testing.T) {
	retry, _ := newTestRetry(t, 2)
	sink := &memorySink[int]{}
	p, err := NewChunkProcessor[int, int](ChunkConfig{ChunkSize: 2, MaxConcurrentChunks: 1}, retry, WithFailureSink[int](sink))
	require.NoError(t, err)

	results := p.ProcessChunks(context.Background(), []int{1, 2}, func(_ context.Context, item int) (int, error) {
		if item == 1 {
			panic("bad item")
		}
		return item, nil
	}, "batch")

	assert.Equal(t, []int{2}, results)
	require.Len(t, sink.causes, 1)
	assert.Contains(t, sink.causes[0].Error(), "panic")
}

func TestChunkProcessor_CancelledContextFailsUnadmittedChunks(t *testing.T) {
	retry, _ := newTestRetry(t, 0)
	sink := &memorySink[int]{}
	p, err := NewChunkProcessor[int, int](ChunkConfig{ChunkSize: 1, MaxConcurrentChunks: 1}, retry, WithFailureSink[int](sink))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := p.Process(ctx, []int{1, 2, 3}, func(ctx context.Context, item int) (int, error) {
		return item, ctx.Err()
	}, "batch")

	assert.Empty(t, report.Successes)
	assert.Len(t, report.Failures, 3)
	assert.Len(t, sink.items, 3)
	for _, f := range report.Failures {
		assert.ErrorIs(t, f.Err, context.Canceled)
	}
}

func TestChunkProcessor_SinkErrorIsSwallowed(t *testing.T) {
	retry, _ := newTestRetry(t, 0)
	sink := &memorySink[int]{failErr: errors.New("store offline")}
	p, err := NewChunkProcessor[int, int](ChunkConfig{ChunkSize: 1, MaxConcurrentChunks: 1}, retry, WithFailureSink[int](sink))
	require.NoError(t, err)

	report := p.Process(context.Background(), []int{1}, func(context.Context, int) (int, error) {
		return 0, errors.New("invalid")
	}, "batch")
	assert.Len(t, report.Failures, 1)
	assert.Len(t, sink.items, 1)
}

func TestNewChunkProcessor_InvalidConfig(t *testing.T) {
	retry, _ := newTestRetry(t, 1)

	_, err := NewChunkProcessor[int, int](ChunkConfig{ChunkSize: 0, MaxConcurrentChunks: 1}, retry)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewChunkProcessor[int, int](ChunkConfig{ChunkSize: 1, MaxConcurrentChunks: -1}, retry)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewChunkProcessor[int, int](DefaultChunkConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPartition(t *testing.T) {
	assert.Equal(t, []chunkBounds{{0, 2}, {2, 4}, {4, 5}}, partition(5, 2))
	assert.Equal(t, []chunkBounds{{0, 3}}, partition(3, 10))
	assert.Empty(t, partition(0, 3))
}

func TestSemaphoreLimiter(t *testing.T) {
	_, err := NewSemaphoreLimiter(0)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	l, err := NewSemaphoreLimiter(1)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Capacity())

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.Execute(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	assert.NoError(t, l.Execute(context.Background(), func(context.Context) error { return nil }))
}
