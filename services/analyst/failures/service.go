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
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries is the per-record retry budget.
const DefaultMaxRetries = 3

// ServiceConfig configures the failure queue service.
type ServiceConfig struct {
	// MaxRetries is assigned to every new record. Zero means DefaultMaxRetries.
	MaxRetries int `yaml:"max_retries" json:"max_retries" validate:"gte=0"`
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithServiceClock overrides the time source. Used by tests.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDeadLetter publishes every FAILED transition to p.
func WithDeadLetter(p DeadLetterPublisher) ServiceOption {
	return func(s *Service) { s.deadLetter = p }
}

// Service is the failure record state machine over a Store.
//
// # Description
//
// Owns the record lifecycle:
//
//	PENDING ──claim──► RETRYING ──success──► SUCCESS
//	   ▲                  │
//	   └────failure───────┤ (retryCount <= maxRetries)
//	                      └──failure──► FAILED (retryCount > maxRetries)
//
// PENDING records may also be updated directly without a claim. SUCCESS and
// FAILED are terminal; NextRetryAt never moves backwards for a record.
//
// # Thread Safety
//
// Safe for concurrent use across ids. Concurrent updates of one id are
// applied atomically by the Store but in no defined order.
type Service struct {
	store      Store
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger
	deadLetter DeadLetterPublisher
}

// NewService creates a Service on store.
func NewService(store Store, cfg ServiceConfig, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("failure service: store is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("failure service: max_retries must be non-negative, got %d", cfg.MaxRetries)
	}
	cfg = cfg.withDefaults()
	s := &Service{
		store:      store,
		maxRetries: cfg.MaxRetries,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AddFailure enqueues a new PENDING record.
//
// Inputs:
//   - resourceKey: The remote resource, e.g. "embedding". Required.
//   - operationKind: Selects the retry handler. Required.
//   - itemIdentifier: Identifies the item in its batch.
//   - payload: Serialized item needed to re-attempt. Copied.
//   - cause: The unrecoverable error. May be nil.
//
// Outputs:
//   - *FailureRecord: The stored record with RetryCount 0 and
//     NextRetryAt = now + Backoff(0).
//   - error: ErrInvalidRecord on missing fields, or a store error.
func (s *Service) AddFailure(ctx context.Context, resourceKey, operationKind, itemIdentifier string, payload []byte, cause error) (*FailureRecord, error) {
	now := s.now().UTC()
	rec := FailureRecord{
		ID:             uuid.NewString(),
		ResourceKey:    resourceKey,
		OperationKind:  operationKind,
		ItemIdentifier: itemIdentifier,
		ItemPayload:    append([]byte(nil), payload...),
		MaxRetries:     s.maxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
		NextRetryAt:    now.Add(Backoff(0)),
		Status:         StatusPending,
	}
	if cause != nil {
		rec.OriginalError = cause.Error()
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("add failure record: %w", err)
	}
	recordTransitions.WithLabelValues(resourceKey, "added").Inc()
	s.logger.Info("Failure record added",
		slog.String("id", rec.ID),
		slog.String("resource", resourceKey),
		slog.String("operation", operationKind),
		slog.String("item", itemIdentifier),
	)
	return &rec, nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (*FailureRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns records matching filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]FailureRecord, error) {
	return s.store.List(ctx, filter)
}

// GetPendingRetry returns due PENDING records ordered by NextRetryAt.
//
// An empty resourceKey matches every resource; limit <= 0 means no cap.
func (s *Service) GetPendingRetry(ctx context.Context, resourceKey string, limit int) ([]FailureRecord, error) {
	recs, err := s.store.ListDue(ctx, resourceKey, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("get pending retries: %w", err)
	}
	return recs, nil
}

// ClaimForRetry moves a PENDING record to RETRYING so no other worker
// picks it up. Returns ErrRecordTerminal for terminal records and
// ErrNotPending if it is already claimed.
func (s *Service) ClaimForRetry(ctx context.Context, id string) (*FailureRecord, error) {
	rec, err := s.store.Update(ctx, id, func(rec *FailureRecord) error {
		switch rec.Status {
		case StatusPending:
		case StatusRetrying:
			return fmt.Errorf("%w: %s", ErrNotPending, id)
		default:
			return fmt.Errorf("%w: %s is %s", ErrRecordTerminal, id, rec.Status)
		}
		rec.Status = StatusRetrying
		rec.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	recordTransitions.WithLabelValues(rec.ResourceKey, "claimed").Inc()
	return &rec, nil
}

// UpdateRetryStatus records the outcome of one re-attempt.
//
// Description:
//
//	On success the record becomes SUCCESS. On failure RetryCount is set to
//	newRetryCount; if that exceeds MaxRetries the record becomes FAILED,
//	otherwise it returns to PENDING with NextRetryAt set to nextRetryAt (or
//	now + Backoff(newRetryCount) when nil), never earlier than its previous
//	value.
//
// Outputs:
//
//	error - ErrRecordNotFound, ErrRecordTerminal for SUCCESS/FAILED
//	records, or a store error.
func (s *Service) UpdateRetryStatus(ctx context.Context, id string, success bool, newRetryCount int, nextRetryAt *time.Time) error {
	if newRetryCount < 0 {
		return fmt.Errorf("%w: retry count must be non-negative, got %d", ErrInvalidRecord, newRetryCount)
	}

	var becameFailed bool
	rec, err := s.store.Update(ctx, id, func(rec *FailureRecord) error {
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrRecordTerminal, id, rec.Status)
		}
		now := s.now().UTC()
		rec.UpdatedAt = now
		becameFailed = false

		if success {
			rec.Status = StatusSuccess
			return nil
		}

		rec.RetryCount = newRetryCount
		if newRetryCount > rec.MaxRetries {
			rec.Status = StatusFailed
			becameFailed = true
			return nil
		}

		next := now.Add(Backoff(newRetryCount))
		if nextRetryAt != nil {
			next = nextRetryAt.UTC()
		}
		if next.Before(rec.NextRetryAt) {
			next = rec.NextRetryAt
		}
		rec.NextRetryAt = next
		rec.Status = StatusPending
		return nil
	})
	if err != nil {
		return fmt.Errorf("update retry status: %w", err)
	}

	switch {
	case success:
		recordTransitions.WithLabelValues(rec.ResourceKey, "succeeded").Inc()
		s.logger.Info("Failure record retried successfully",
			slog.String("id", id),
			slog.String("resource", rec.ResourceKey),
			slog.Int("retry_count", rec.RetryCount),
		)
	case becameFailed:
		s.onFailed(ctx, rec, "retry budget exhausted")
	default:
		recordTransitions.WithLabelValues(rec.ResourceKey, "rescheduled").Inc()
		s.logger.Debug("Failure record rescheduled",
			slog.String("id", id),
			slog.Int("retry_count", rec.RetryCount),
			slog.Time("next_retry_at", rec.NextRetryAt),
		)
	}
	return nil
}

// MarkAsFailed moves a record to FAILED irreversibly.
//
// Idempotent for records already FAILED; returns ErrRecordTerminal for
// SUCCESS records.
func (s *Service) MarkAsFailed(ctx context.Context, id string) error {
	var already bool
	rec, err := s.store.Update(ctx, id, func(rec *FailureRecord) error {
		already = false
		switch rec.Status {
		case StatusFailed:
			already = true
			return nil
		case StatusSuccess:
			return fmt.Errorf("%w: %s is %s", ErrRecordTerminal, id, rec.Status)
		}
		rec.Status = StatusFailed
		rec.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark as failed: %w", err)
	}
	if !already {
		s.onFailed(ctx, rec, "marked failed")
	}
	return nil
}

// RecoverStale returns RETRYING records whose claim is older than lease to
// PENDING, for workers that died mid-retry. It returns how many moved.
func (s *Service) RecoverStale(ctx context.Context, lease time.Duration) (int, error) {
	cutoff := s.now().Add(-lease)
	stale, err := s.store.List(ctx, Filter{Statuses: []Status{StatusRetrying}, UpdatedBefore: cutoff})
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}

	recovered := 0
	for _, r := range stale {
		_, err := s.store.Update(ctx, r.ID, func(rec *FailureRecord) error {
			if rec.Status != StatusRetrying || !rec.UpdatedAt.Before(cutoff) {
				return errSkip
			}
			rec.Status = StatusPending
			rec.UpdatedAt = s.now().UTC()
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("recover stale %s: %w", r.ID, err)
		}
		recovered++
		recordTransitions.WithLabelValues(r.ResourceKey, "recovered").Inc()
	}
	if recovered > 0 {
		s.logger.Warn("Recovered stale failure records", slog.Int("count", recovered))
	}
	return recovered, nil
}

// errSkip aborts an Update without writing.
var errSkip = errors.New("skip")

// CleanupSuccessRecords purges SUCCESS records last updated more than
// olderThan ago. Returns how many were removed.
func (s *Service) CleanupSuccessRecords(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.cleanup(ctx, StatusSuccess, olderThan)
}

// CleanupFailedRecords purges FAILED records last updated more than
// olderThan ago. Returns how many were removed.
func (s *Service) CleanupFailedRecords(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.cleanup(ctx, StatusFailed, olderThan)
}

func (s *Service) cleanup(ctx context.Context, status Status, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("cleanup %s: older_than must be non-negative", status)
	}
	old, err := s.store.List(ctx, Filter{Statuses: []Status{status}, UpdatedBefore: s.now().Add(-olderThan)})
	if err != nil {
		return 0, fmt.Errorf("cleanup %s: %w", status, err)
	}
	if len(old) == 0 {
		return 0, nil
	}

	ids := make([]string, len(old))
	for i, r := range old {
		ids[i] = r.ID
	}
	n, err := s.store.Delete(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("cleanup %s: %w", status, err)
	}
	recordsCleaned.WithLabelValues(string(status)).Add(float64(n))
	s.logger.Info("Cleaned up failure records",
		slog.String("status", string(status)),
		slog.Int("count", n),
		slog.Duration("older_than", olderThan),
	)
	return n, nil
}

func (s *Service) onFailed(ctx context.Context, rec FailureRecord, reason string) {
	recordTransitions.WithLabelValues(rec.ResourceKey, "failed").Inc()
	s.logger.Warn("Failure record permanently failed",
		slog.String("id", rec.ID),
		slog.String("resource", rec.ResourceKey),
		slog.String("operation", rec.OperationKind),
		slog.Int("retry_count", rec.RetryCount),
		slog.String("reason", reason),
	)
	if s.deadLetter == nil {
		return
	}
	if err := s.deadLetter.Publish(ctx, rec); err != nil {
		deadLetterPublished.WithLabelValues("error").Inc()
		s.logger.Error("Dead letter publish failed",
			slog.String("id", rec.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	deadLetterPublished.WithLabelValues("published").Inc()
}
