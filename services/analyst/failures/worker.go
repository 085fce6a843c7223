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
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/analyst/services/analyst/resilience"
)

// Handler re-attempts the operation a record describes.
//
// A nil return marks the record SUCCESS. Errors that resilience.Classify
// reports as retryable reschedule the record; any other error fails it.
type Handler func(ctx context.Context, rec FailureRecord) error

// WorkerConfig configures the RetryWorker.
type WorkerConfig struct {
	// Interval between drain passes in Run. Default: 30s
	Interval time.Duration `yaml:"interval" json:"interval"`

	// BatchSize caps records claimed per pass. Default: 20
	BatchSize int `yaml:"batch_size" json:"batch_size" validate:"gte=0"`

	// RatePerSecond caps handler invocations. Default: 5
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second" validate:"gte=0"`

	// Lease is how long a RETRYING claim lives before RecoverStale reclaims it. Default: 10m
	Lease time.Duration `yaml:"lease" json:"lease"`

	// CleanupInterval between cleanup passes in Run. Zero disables cleanup. Default: 1h
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`

	// RetainSuccess is the age after which SUCCESS records are purged. Default: 24h
	RetainSuccess time.Duration `yaml:"retain_success" json:"retain_success"`

	// RetainFailed is the age after which FAILED records are purged. Default: 7d
	RetainFailed time.Duration `yaml:"retain_failed" json:"retain_failed"`
}

// DefaultWorkerConfig returns the default worker settings.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:        30 * time.Second,
		BatchSize:       20,
		RatePerSecond:   5,
		Lease:           10 * time.Minute,
		CleanupInterval: time.Hour,
		RetainSuccess:   24 * time.Hour,
		RetainFailed:    7 * 24 * time.Hour,
	}
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	d := DefaultWorkerConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.RetainSuccess <= 0 {
		c.RetainSuccess = d.RetainSuccess
	}
	if c.RetainFailed <= 0 {
		c.RetainFailed = d.RetainFailed
	}
	return c
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Recovered   int `json:"recovered"`
	Claimed     int `json:"claimed"`
	Succeeded   int `json:"succeeded"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
}

// RetryWorker drains due failure records through per-operation handlers.
//
// # Description
//
// Each pass recovers stale claims, lists due PENDING records, and for each
// one waits on the rate limiter, claims it (RETRYING), runs the handler
// registered for its OperationKind, and reports the outcome through
// Service.UpdateRetryStatus or Service.MarkAsFailed.
//
// # Thread Safety
//
// Register may be called concurrently with DrainOnce. Running several
// workers against one store is safe; claims prevent double handling.
type RetryWorker struct {
	service *Service
	config  WorkerConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRetryWorker creates a worker. Zero config fields take defaults.
func NewRetryWorker(service *Service, cfg WorkerConfig, logger *slog.Logger) (*RetryWorker, error) {
	if service == nil {
		return nil, errors.New("retry worker: service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &RetryWorker{
		service:  service,
		config:   cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		logger:   logger,
		handlers: make(map[string]Handler),
	}, nil
}

// Register sets the handler for operationKind, replacing any previous one.
func (w *RetryWorker) Register(operationKind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[operationKind] = h
}

func (w *RetryWorker) handler(operationKind string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[operationKind]
	return h, ok
}

// DrainOnce runs one drain pass.
//
// Outputs:
//   - DrainReport: Counts for the pass, including partial counts on error.
//   - error: Store errors or ctx cancellation. Handler errors are not
//     returned; they drive the record's state instead.
func (w *RetryWorker) DrainOnce(ctx context.Context) (DrainReport, error) {
	start := time.Now()
	defer func() { workerDrainDuration.Observe(time.Since(start).Seconds()) }()

	var report DrainReport
	recovered, err := w.service.RecoverStale(ctx, w.config.Lease)
	report.Recovered = recovered
	if err != nil {
		return report, err
	}

	due, err := w.service.GetPendingRetry(ctx, "", w.config.BatchSize)
	if err != nil {
		return report, err
	}

	for _, rec := range due {
		if err := w.limiter.Wait(ctx); err != nil {
			return report, err
		}
		claimed, err := w.service.ClaimForRetry(ctx, rec.ID)
		if errors.Is(err, ErrNotPending) || errors.Is(err, ErrRecordTerminal) || errors.Is(err, ErrRecordNotFound) {
			report.Skipped++
			continue
		}
		if err != nil {
			return report, err
		}
		report.Claimed++

		if err := w.process(ctx, *claimed, &report); err != nil {
			return report, err
		}
	}

	if report.Claimed > 0 {
		w.logger.Info("Retry worker drain pass complete",
			slog.Int("claimed", report.Claimed),
			slog.Int("succeeded", report.Succeeded),
			slog.Int("rescheduled", report.Rescheduled),
			slog.Int("failed", report.Failed),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return report, nil
}

// process runs the handler for one claimed record and stores the outcome.
func (w *RetryWorker) process(ctx context.Context, rec FailureRecord, report *DrainReport) error {
	h, ok := w.handler(rec.OperationKind)
	var herr error
	if !ok {
		herr = fmt.Errorf("%w: %s", ErrNoHandler, rec.OperationKind)
		w.logger.Error("No retry handler registered",
			slog.String("id", rec.ID),
			slog.String("operation", rec.OperationKind),
		)
	} else {
		herr = runHandler(ctx, h, rec)
	}

	if herr == nil {
		report.Succeeded++
		return w.service.UpdateRetryStatus(ctx, rec.ID, true, rec.RetryCount, nil)
	}

	// A missing handler may be registered later, so it reschedules like a
	// transient error until the budget runs out.
	if ok && !resilience.IsRetryable(herr) {
		w.logger.Warn("Retry handler failed permanently",
			slog.String("id", rec.ID),
			slog.String("operation", rec.OperationKind),
			slog.String("error", herr.Error()),
		)
		report.Failed++
		return w.service.MarkAsFailed(ctx, rec.ID)
	}

	next := rec.RetryCount + 1
	if next > rec.MaxRetries {
		report.Failed++
	} else {
		report.Rescheduled++
	}
	return w.service.UpdateRetryStatus(ctx, rec.ID, false, next, nil)
}

func runHandler(ctx context.Context, h Handler, rec FailureRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retry handler panic: %v", r)
		}
	}()
	return h(ctx, rec)
}

// Cleanup purges terminal records past their retention.
func (w *RetryWorker) Cleanup(ctx context.Context) (int, error) {
	ok, err := w.service.CleanupSuccessRecords(ctx, w.config.RetainSuccess)
	if err != nil {
		return ok, err
	}
	failed, err := w.service.CleanupFailedRecords(ctx, w.config.RetainFailed)
	return ok + failed, err
}

// Run drains every Interval and cleans up every CleanupInterval until ctx
// is done. It returns nil on cancellation.
func (w *RetryWorker) Run(ctx context.Context) error {
	drain := time.NewTicker(w.config.Interval)
	defer drain.Stop()

	var cleanupC <-chan time.Time
	if w.config.CleanupInterval > 0 {
		cleanup := time.NewTicker(w.config.CleanupInterval)
		defer cleanup.Stop()
		cleanupC = cleanup.C
	}

	w.logger.Info("Retry worker started",
		slog.Duration("interval", w.config.Interval),
		slog.Int("batch_size", w.config.BatchSize),
	)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Retry worker stopped")
			return nil
		case <-drain.C:
			if _, err := w.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Retry worker drain failed", slog.String("error", err.Error()))
			}
		case <-cleanupC:
			if _, err := w.Cleanup(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Retry worker cleanup failed", slog.String("error", err.Error()))
			}
		}
	}
}
