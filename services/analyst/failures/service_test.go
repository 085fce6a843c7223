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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// storeFactories runs every service test against both engines.
var storeFactories = map[string]func(t *testing.T) Store{
	"badger": func(t *testing.T) Store {
		s, err := OpenBadgerStore(InMemoryBadgerConfig(), nil)
		require.NoError(t, err)
		return s
	},
	"sqlite": func(t *testing.T) Store {
		s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "failures.db"))
		require.NoError(t, err)
		return s
	},
}

// recordingPublisher captures dead letters.
type recordingPublisher struct {
	mu      sync.Mutex
	records []FailureRecord
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, rec FailureRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func forEachStore(t *testing.T, fn func(t *testing.T, svc *Service, clock *testClock, dl *recordingPublisher)) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			t.Cleanup(func() { _ = store.Close() })

			clock := newTestClock()
			dl := &recordingPublisher{}
			svc, err := NewService(store, ServiceConfig{MaxRetries: DefaultMaxRetries},
				WithServiceClock(clock.Now), WithDeadLetter(dl))
			require.NoError(t, err)
			fn(t, svc, clock, dl)
		})
	}
}

func TestService_AddFailure(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, clock *testClock, _ *recordingPublisher) {
		ctx := context.Background()
		rec, err := svc.AddFailure(ctx, "embedding", "embed_chunk", "doc-1#3", []byte(`{"text":"x"}`), errors.New("http 503"))
		require.NoError(t, err)

		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, StatusPending, rec.Status)
		assert.Zero(t, rec.RetryCount)
		assert.Equal(t, DefaultMaxRetries, rec.MaxRetries)
		assert.Equal(t, clock.Now().Add(time.Second), rec.NextRetryAt)
		assert.Equal(t, "http 503", rec.OriginalError)

		stored, err := svc.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ItemPayload, stored.ItemPayload)
		assert.True(t, rec.NextRetryAt.Equal(stored.NextRetryAt))
	})
}

func TestService_AddFailureRequiresKeys(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, _ *testClock, _ *recordingPublisher) {
		_, err := svc.AddFailure(context.Background(), "", "embed_chunk", "x", nil, nil)
		assert.ErrorIs(t, err, ErrInvalidRecord)
	})
}

func TestService_GetPendingRetryOrderAndFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, clock *testClock, _ *recordingPublisher) {
		ctx := context.Background()

		first, err := svc.AddFailure(ctx, "embedding", "embed_chunk", "a", nil, nil)
		require.NoError(t, err)
		clock.Advance(100 * time.Millisecond)
		second, err := svc.AddFailure(ctx, "rerank", "rerank", "b", nil, nil)
		require.NoError(t, err)
		clock.Advance(100 * time.Millisecond)
		third, err := svc.AddFailure(ctx, "embedding", "embed_chunk", "c", nil, nil)
		require.NoError(t, err)

		due, err := svc.GetPendingRetry(ctx, "", 10)
		require.NoError(t, err)
		assert.Empty(t, due, "nothing is due before backoff(0) elapses")

		clock.Advance(2 * time.Second)
		due, err = svc.GetPendingRetry(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, due, 3)
		assert.Equal(t, []string{first.ID, second.ID, third.ID}, []string{due[0].ID, due[1].ID, due[2].ID})

		due, err = svc.GetPendingRetry(ctx, "embedding", 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, first.ID, due[0].ID)
		assert.Equal(t, third.ID, due[1].ID)

		due, err = svc.GetPendingRetry(ctx, "", 1)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, first.ID, due[0].ID)
	})
}

func TestService_UpdateRetryStatusLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, clock *testClock, dl *recordingPublisher) {
		ctx := context.Background()
		rec, err := svc.AddFailure(ctx, "llm", "complete", "p1", nil, errors.New("timeout"))
		require.NoError(t, err)

		prev := rec.NextRetryAt
		for n := 1; n <= DefaultMaxRetries; n++ {
			require.NoError(t, svc.UpdateRetryStatus(ctx, rec.ID, false, n, nil))
			got, err := svc.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, got.Status)
			assert.Equal(t, n, got.RetryCount)
			assert.Equal(t, clock.Now().Add(Backoff(n)), got.NextRetryAt.UTC())
			assert.False(t, got.NextRetryAt.Before(prev))
			prev = got.NextRetryAt
		}

		require.NoError(t, svc.UpdateRetryStatus(ctx, rec.ID, false, DefaultMaxRetries+1, nil))
		got, err := svc.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, 1, dl.Count())

		err = svc.UpdateRetryStatus(ctx, rec.ID, true, 0, nil)
		assert.ErrorIs(t, err, ErrRecordTerminal)
	})
}

func TestService_NextRetryAtNeverDecreases(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, clock *testClock, _ *recordingPublisher) {
		ctx := context.Background()
		rec, err := svc.AddFailure(ctx, "llm", "complete", "p1", nil, nil)
		require.NoError(t, err)

		later := clock.Now().Add(time.Hour)
		require.NoError(t, svc.UpdateRetryStatus(ctx, rec.ID, false, 1, &later))

		earlier := clock.Now().Add(time.Minute)
		require.NoError(t, svc.UpdateRetryStatus(ctx, rec.ID, false, 2, &earlier))

		got, err := svc.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, got.NextRetryAt.Equal(later), "got %s want %s", got.NextRetryAt, later)
	})
}

func TestService_SuccessIsTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, _ *testClock, dl *recordingPublisher) {
		ctx := context.Background()
		rec, err := svc.AddFailure(ctx, "llm", "complete", "p1", nil, nil)
		require.NoError(t, err)

		require.NoError(t, svc.UpdateRetryStatus(ctx, rec.ID, true, 1, nil))
		got, err := svc.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, got.Status)

		assert.ErrorIs(t, svc.MarkAsFailed(ctx, rec.ID), ErrRecordTerminal)
		assert.ErrorIs(t, svc.UpdateRetryStatus(ctx, rec.ID, false, 2, nil), ErrRecordTerminal)
		assert.Zero(t, dl.Count())
	})
}

func TestService_MarkAsFailedIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, _ *testClock, dl *recordingPublisher) {
		ctx := context.Background()
		rec, err := svc.AddFailure(ctx, "llm", "complete", "p1", nil, nil)
		require.NoError(t, err)

		require.NoError(t, svc.MarkAsFailed(ctx, rec.ID))
		require.NoError(t, svc.MarkAsFailed(ctx, rec.ID))
		assert.Equal(t, 1, dl.Count(), "dead letter published once")

		got, err := svc.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)

		due, err := svc.GetPendingRetry(ctx, "", 0)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}

func TestService_UnknownID(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, _ *testClock, _ *recordingPublisher) {
		ctx := context.Background()
		assert.ErrorIs(t, svc.UpdateRetryStatus(ctx, "missing", true, 0, nil), ErrRecordNotFound)
		assert.ErrorIs(t, svc.MarkAsFailed(ctx, "missing"), ErrRecordNotFound)
		_, err := svc.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func TestService_ClaimAndRecoverStale(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, clock *testClock, _ *recordingPublisher) {
		ctx := context.Background()
		rec, err := svc.AddFailure(ctx, "llm", "complete", "p1", nil, nil)
		require.NoError(t, err)
		clock.Advance(2 * time.Second)

		claimed, err := svc.ClaimForRetry(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRetrying, claimed.Status)

		_, err = svc.ClaimForRetry(ctx, rec.ID)
		assert.ErrorIs(t, err, ErrNotPending)

		due, err := svc.GetPendingRetry(ctx, "", 0)
		require.NoError(t, err)
		assert.Empty(t, due, "claimed records are not due")

		n, err := svc.RecoverStale(ctx, time.Minute)
		require.NoError(t, err)
		assert.Zero(t, n)

		clock.Advance(2 * time.Minute)
		n, err = svc.RecoverStale(ctx, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		due, err = svc.GetPendingRetry(ctx, "", 0)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, rec.ID, due[0].ID)
	})
}

func TestService_Cleanup(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, clock *testClock, _ *recordingPublisher) {
		ctx := context.Background()
		ok, err := svc.AddFailure(ctx, "llm", "complete", "ok", nil, nil)
		require.NoError(t, err)
		bad, err := svc.AddFailure(ctx, "llm", "complete", "bad", nil, nil)
		require.NoError(t, err)
		pending, err := svc.AddFailure(ctx, "llm", "complete", "pending", nil, nil)
		require.NoError(t, err)

		require.NoError(t, svc.UpdateRetryStatus(ctx, ok.ID, true, 1, nil))
		require.NoError(t, svc.MarkAsFailed(ctx, bad.ID))

		n, err := svc.CleanupSuccessRecords(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, n, "records younger than the cutoff stay")

		clock.Advance(2 * time.Hour)
		n, err = svc.CleanupSuccessRecords(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = svc.CleanupSuccessRecords(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, n, "cleanup is idempotent")

		n, err = svc.CleanupFailedRecords(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = svc.Get(ctx, ok.ID)
		assert.ErrorIs(t, err, ErrRecordNotFound)
		_, err = svc.Get(ctx, bad.ID)
		assert.ErrorIs(t, err, ErrRecordNotFound)
		_, err = svc.Get(ctx, pending.ID)
		assert.NoError(t, err, "pending records are never cleaned up")
	})
}

func TestService_ConcurrentAddsAndUpdates(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, _ *testClock, _ *recordingPublisher) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec, err := svc.AddFailure(ctx, "embedding", "embed_chunk", "item", nil, nil)
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, svc.UpdateRetryStatus(ctx, rec.ID, false, 1, nil))
			}()
		}
		wg.Wait()

		recs, err := svc.List(ctx, Filter{Statuses: []Status{StatusPending}})
		require.NoError(t, err)
		assert.Len(t, recs, 20)
		for _, r := range recs {
			assert.Equal(t, 1, r.RetryCount)
		}
	})
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(nil, ServiceConfig{})
	assert.Error(t, err)

	store, err := OpenBadgerStore(InMemoryBadgerConfig(), nil)
	require.NoError(t, err)
	defer store.Close()
	_, err = NewService(store, ServiceConfig{MaxRetries: -1})
	assert.Error(t, err)
}

func TestNewService_ZeroMaxRetriesUsesDefault(t *testing.T) {
	store, err := OpenBadgerStore(InMemoryBadgerConfig(), nil)
	require.NoError(t, err)
	defer store.Close()

	svc, err := NewService(store, ServiceConfig{})
	require.NoError(t, err)

	rec, err := svc.AddFailure(context.Background(), "embedding", "embed_piece", "docs/a.md#0", []byte(`{}`), errors.New("http 503"))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, rec.MaxRetries)

	require.NoError(t, svc.UpdateRetryStatus(context.Background(), rec.ID, false, 1, nil))
	got, err := svc.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "one failed retry stays within the default budget")
}
