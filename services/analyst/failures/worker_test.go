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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/analyst/services/analyst/resilience"
)

func newWorkerFixture(t *testing.T) (*Service, *RetryWorker, *testClock) {
	t.Helper()
	store, err := OpenBadgerStore(InMemoryBadgerConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := newTestClock()
	svc, err := NewService(store, ServiceConfig{MaxRetries: 2}, WithServiceClock(clock.Now))
	require.NoError(t, err)

	w, err := NewRetryWorker(svc, WorkerConfig{RatePerSecond: 1000, BatchSize: 10}, nil)
	require.NoError(t, err)
	return svc, w, clock
}

func TestRetryWorker_Success(t *testing.T) {
	svc, w, clock := newWorkerFixture(t)
	ctx := context.Background()

	var seen []string
	w.Register("embed_chunk", func(_ context.Context, rec FailureRecord) error {
		seen = append(seen, string(rec.ItemPayload))
		assert.Equal(t, StatusRetrying, rec.Status)
		return nil
	})

	rec, err := svc.AddFailure(ctx, "embedding", "embed_chunk", "a", []byte("payload"), nil)
	require.NoError(t, err)

	report, err := w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed, "not due yet")

	clock.Advance(2 * time.Second)
	report, err = w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, []string{"payload"}, seen)

	got, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
}

func TestRetryWorker_RetryableErrorReschedulesThenFails(t *testing.T) {
	svc, w, clock := newWorkerFixture(t)
	ctx := context.Background()

	calls := 0
	w.Register("complete", func(context.Context, FailureRecord) error {
		calls++
		return resilience.NewStatusError(503, "busy")
	})
	rec, err := svc.AddFailure(ctx, "llm", "complete", "p", nil, nil)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		clock.Advance(time.Hour)
		report, err := w.DrainOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Rescheduled, "pass %d", i)

		got, err := svc.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, i, got.RetryCount)
	}

	clock.Advance(time.Hour)
	report, err := w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, calls)
}

func TestRetryWorker_NonRetryableErrorFailsImmediately(t *testing.T) {
	svc, w, clock := newWorkerFixture(t)
	ctx := context.Background()

	w.Register("complete", func(context.Context, FailureRecord) error {
		return errors.New("invalid request")
	})
	rec, err := svc.AddFailure(ctx, "llm", "complete", "p", nil, nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	report, err := w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestRetryWorker_MissingHandlerReschedules(t *testing.T) {
	svc, w, clock := newWorkerFixture(t)
	ctx := context.Background()

	rec, err := svc.AddFailure(ctx, "llm", "unknown_kind", "p", nil, nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	report, err := w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rescheduled)

	got, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestRetryWorker_HandlerPanicIsContained(t *testing.T) {
	svc, w, clock := newWorkerFixture(t)
	ctx := context.Background()

	w.Register("complete", func(context.Context, FailureRecord) error { panic("boom") })
	rec, err := svc.AddFailure(ctx, "llm", "complete", "p", nil, nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	report, err := w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestRetryWorker_Cleanup(t *testing.T) {
	svc, w, clock := newWorkerFixture(t)
	ctx := context.Background()

	ok, err := svc.AddFailure(ctx, "llm", "complete", "ok", nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.UpdateRetryStatus(ctx, ok.ID, true, 0, nil))

	clock.Advance(25 * time.Hour)
	n, err := w.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRetryWorker_RunStopsOnCancel(t *testing.T) {
	_, w, _ := newWorkerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
