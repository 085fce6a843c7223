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
	"time"
)

// Store is the persistence contract of the failure queue.
//
// # Description
//
// Implementations persist FailureRecords and provide the read-modify-write
// primitive the Service builds its state machine on. Each Update runs in a
// single transaction so one record's fields always change together.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use across different ids.
// Concurrent updates of the same id are serialized by the store's
// transaction but the Service does not order them.
type Store interface {
	// Insert persists a new record. The id must not already exist.
	Insert(ctx context.Context, rec FailureRecord) error

	// Get returns the record with the id, or ErrRecordNotFound.
	Get(ctx context.Context, id string) (FailureRecord, error)

	// Update loads the record, applies fn, and writes it back atomically.
	// If fn returns an error nothing is written and that error is returned.
	Update(ctx context.Context, id string, fn func(rec *FailureRecord) error) (FailureRecord, error)

	// ListDue returns PENDING records with NextRetryAt <= now, ordered by
	// NextRetryAt ascending, at most limit (limit <= 0 means no cap).
	// An empty resourceKey matches every resource.
	ListDue(ctx context.Context, resourceKey string, now time.Time, limit int) ([]FailureRecord, error)

	// List returns records matching the filter ordered by CreatedAt.
	List(ctx context.Context, filter Filter) ([]FailureRecord, error)

	// Delete removes the records with the given ids, returning how many existed.
	Delete(ctx context.Context, ids []string) (int, error)

	// Close releases the store.
	Close() error
}
