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
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS failure_records (
	id              TEXT PRIMARY KEY,
	resource_key    TEXT NOT NULL,
	operation_kind  TEXT NOT NULL,
	item_identifier TEXT NOT NULL DEFAULT '',
	item_payload    BLOB,
	original_error  TEXT NOT NULL DEFAULT '',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	next_retry_at   INTEGER NOT NULL,
	status          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failure_records_due ON failure_records(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_failure_records_updated ON failure_records(status, updated_at);
`

const recordColumns = `id, resource_key, operation_kind, item_identifier, item_payload, original_error,
	retry_count, max_retries, created_at, updated_at, next_retry_at, status`

// SQLiteStore is a Store on a single SQLite file in WAL mode.
//
// Timestamps are stored as unix nanoseconds so ordering and range queries
// stay exact. Thread Safety: Safe for concurrent use.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path and applies the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create failure store directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open failure store: %w", err)
	}
	// One writer at a time keeps read-modify-write transactions from
	// failing with SQLITE_BUSY under the WAL lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply failure store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (FailureRecord, error) {
	var (
		rec                          FailureRecord
		status                       string
		createdAt, updatedAt, nextAt int64
	)
	err := row.Scan(&rec.ID, &rec.ResourceKey, &rec.OperationKind, &rec.ItemIdentifier, &rec.ItemPayload,
		&rec.OriginalError, &rec.RetryCount, &rec.MaxRetries, &createdAt, &updatedAt, &nextAt, &status)
	if err != nil {
		return rec, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	rec.NextRetryAt = time.Unix(0, nextAt).UTC()
	return rec, nil
}

func recordArgs(rec *FailureRecord) []any {
	return []any{
		rec.ID, rec.ResourceKey, rec.OperationKind, rec.ItemIdentifier, rec.ItemPayload, rec.OriginalError,
		rec.RetryCount, rec.MaxRetries, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
		rec.NextRetryAt.UnixNano(), string(rec.Status),
	}
}

// Insert implements Store.
func (s *SQLiteStore) Insert(ctx context.Context, rec FailureRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failure_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		recordArgs(&rec)...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidRecord, rec.ID)
		}
		return fmt.Errorf("insert failure record: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (FailureRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM failure_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return rec, fmt.Errorf("get failure record %s: %w", id, err)
	}
	return rec, nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(rec *FailureRecord) error) (FailureRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FailureRecord{}, fmt.Errorf("begin failure record update: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM failure_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return FailureRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return FailureRecord{}, fmt.Errorf("get failure record %s: %w", id, err)
	}

	if err := fn(&rec); err != nil {
		return FailureRecord{}, err
	}
	rec.ID = id
	if err := rec.validate(); err != nil {
		return FailureRecord{}, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE failure_records SET
		resource_key = ?, operation_kind = ?, item_identifier = ?, item_payload = ?, original_error = ?,
		retry_count = ?, max_retries = ?, created_at = ?, updated_at = ?, next_retry_at = ?, status = ?
		WHERE id = ?`,
		append(recordArgs(&rec)[1:], id)...)
	if err != nil {
		return FailureRecord{}, fmt.Errorf("update failure record %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return FailureRecord{}, fmt.Errorf("commit failure record %s: %w", id, err)
	}
	return rec, nil
}

// ListDue implements Store.
func (s *SQLiteStore) ListDue(ctx context.Context, resourceKey string, now time.Time, limit int) ([]FailureRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM failure_records WHERE status = ? AND next_retry_at <= ?`
	args := []any{string(StatusPending), now.UnixNano()}
	if resourceKey != "" {
		query += ` AND resource_key = ?`
		args = append(args, resourceKey)
	}
	query += ` ORDER BY next_retry_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]FailureRecord, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.ResourceKey != "" {
		where = append(where, "resource_key = ?")
		args = append(args, filter.ResourceKey)
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UnixNano())
	}

	query := `SELECT ` + recordColumns + ` FROM failure_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.query(ctx, query, args...)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]FailureRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failure records: %w", err)
	}
	defer rows.Close()

	records := []FailureRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failure record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM failure_records WHERE id IN (`+strings.Join(marks, ", ")+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete failure records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
