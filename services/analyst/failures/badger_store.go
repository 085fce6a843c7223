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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	recordPrefix = "failure/record/"
	duePrefix    = "failure/due/"

	// maxConflictRetries bounds optimistic-transaction retries in Update.
	maxConflictRetries = 5
)

// BadgerConfig configures the BadgerDB-backed store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string `yaml:"path" json:"path"`

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"`

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio" validate:"gte=0,lte=1"`
}

// DefaultBadgerConfig returns durable settings rooted at path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger routes BadgerDB's internal logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// BadgerStore is a Store on an embedded BadgerDB.
//
// # Description
//
// Records are stored as JSON under "failure/record/<id>". PENDING records
// additionally own an index key "failure/due/<next_retry_unix_nanos>/<id>"
// so ListDue is an ordered prefix scan that stops at the first future key.
// Both keys change in the same transaction.
//
// # Thread Safety
//
// Safe for concurrent use. Conflicting concurrent Updates of the same id are
// retried on badger.ErrConflict.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	stopGC chan struct{}
	gcDone chan struct{}

	closeOnce sync.Once
}

// OpenBadgerStore opens or creates a BadgerStore.
//
// Inputs:
//   - cfg: Database settings. Path is required unless InMemory is set.
//   - logger: Receives BadgerDB and GC logs. Nil uses slog.Default().
//
// Outputs:
//   - *BadgerStore: The opened store. Caller must Close it.
//   - error: Non-nil if the directory or database cannot be opened.
func OpenBadgerStore(cfg BadgerConfig, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger store: path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create failure store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.With(slog.String("component", "badger"))})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open failure store: %w", err)
	}

	s := &BadgerStore{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, ratio)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing was worth collecting.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func recordKey(id string) []byte {
	return []byte(recordPrefix + id)
}

func dueKey(rec *FailureRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", duePrefix, rec.NextRetryAt.UnixNano(), rec.ID))
}

// parseDueKey extracts the timestamp and id from a due index key.
func parseDueKey(key []byte) (int64, string, bool) {
	rest := strings.TrimPrefix(string(key), duePrefix)
	ts, id, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, "", false
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return nanos, id, true
}

func readRecord(txn *badger.Txn, id string) (FailureRecord, error) {
	var rec FailureRecord
	item, err := txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return rec, fmt.Errorf("get failure record %s: %w", id, err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return rec, fmt.Errorf("decode failure record %s: %w", id, err)
	}
	return rec, nil
}

func writeRecord(txn *badger.Txn, rec *FailureRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode failure record %s: %w", rec.ID, err)
	}
	if err := txn.Set(recordKey(rec.ID), data); err != nil {
		return err
	}
	if rec.Status == StatusPending {
		return txn.Set(dueKey(rec), nil)
	}
	return nil
}

// Insert implements Store.
func (s *BadgerStore) Insert(ctx context.Context, rec FailureRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.validate(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(recordKey(rec.ID)); err == nil {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidRecord, rec.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return writeRecord(txn, &rec)
	})
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, id string) (FailureRecord, error) {
	if err := ctx.Err(); err != nil {
		return FailureRecord{}, err
	}
	var rec FailureRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, id)
		return err
	})
	return rec, err
}

// Update implements Store.
func (s *BadgerStore) Update(ctx context.Context, id string, fn func(rec *FailureRecord) error) (FailureRecord, error) {
	var updated FailureRecord
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return FailureRecord{}, err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			rec, err := readRecord(txn, id)
			if err != nil {
				return err
			}
			wasPending := rec.Status == StatusPending
			oldDue := dueKey(&rec)

			if err := fn(&rec); err != nil {
				return err
			}
			rec.ID = id
			if err := rec.validate(); err != nil {
				return err
			}

			if wasPending {
				if err := txn.Delete(oldDue); err != nil {
					return err
				}
			}
			if err := writeRecord(txn, &rec); err != nil {
				return err
			}
			updated = rec
			return nil
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return FailureRecord{}, err
		}
		return updated, nil
	}
}

// ListDue implements Store.
func (s *BadgerStore) ListDue(ctx context.Context, resourceKey string, now time.Time, limit int) ([]FailureRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cutoff := now.UnixNano()
	records := []FailureRecord{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(duePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			nanos, id, ok := parseDueKey(it.Item().KeyCopy(nil))
			if !ok {
				continue
			}
			if nanos > cutoff {
				break
			}
			rec, err := readRecord(txn, id)
			if errors.Is(err, ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if rec.Status != StatusPending {
				continue
			}
			if resourceKey != "" && rec.ResourceKey != resourceKey {
				continue
			}
			records = append(records, rec)
			if limit > 0 && len(records) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list due failure records: %w", err)
	}
	return records, nil
}

// List implements Store.
func (s *BadgerStore) List(ctx context.Context, filter Filter) ([]FailureRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records := []FailureRecord{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec FailureRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode failure record %s: %w", it.Item().Key(), err)
			}
			if filter.matches(&rec) {
				records = append(records, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list failure records: %w", err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(ctx context.Context, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	deleted := 0
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			rec, err := readRecord(txn, id)
			if errors.Is(err, ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := wb.Delete(recordKey(id)); err != nil {
				return err
			}
			if rec.Status == StatusPending {
				if err := wb.Delete(dueKey(&rec)); err != nil {
					return err
				}
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete failure records: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("delete failure records: %w", err)
	}
	return deleted, nil
}

// Close stops GC and closes the database. Safe to call more than once.
func (s *BadgerStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
		err = s.db.Close()
	})
	return err
}
