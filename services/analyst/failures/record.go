// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package failures implements the durable queue of operations that failed
// after their immediate retry budget, with scheduled re-attempt.
//
// Records are created PENDING, claimed RETRYING by the RetryWorker, and end
// in one of the terminal states SUCCESS or FAILED. Terminal records are
// immutable and are purged by age-based cleanup.
package failures

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a FailureRecord.
type Status string

const (
	// StatusPending records are waiting for NextRetryAt.
	StatusPending Status = "PENDING"

	// StatusRetrying records are claimed by a worker.
	StatusRetrying Status = "RETRYING"

	// StatusSuccess records were re-attempted successfully. Terminal.
	StatusSuccess Status = "SUCCESS"

	// StatusFailed records exhausted MaxRetries or were failed by an operator. Terminal.
	StatusFailed Status = "FAILED"
)

// Terminal reports whether the status admits no further updates.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ParseStatus parses a status name case-sensitively.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusRetrying, StatusSuccess, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown failure status %q", s)
}

// FailureRecord is one durably queued failed operation.
type FailureRecord struct {
	// ID is a UUID assigned on creation.
	ID string `json:"id"`

	// ResourceKey names the remote resource, e.g. "embedding".
	ResourceKey string `json:"resource_key"`

	// OperationKind selects the RetryWorker handler, e.g. "embed_chunk".
	OperationKind string `json:"operation_kind"`

	// ItemIdentifier identifies the item within its batch.
	ItemIdentifier string `json:"item_identifier"`

	// ItemPayload is the serialized item needed to re-attempt the operation.
	ItemPayload []byte `json:"item_payload,omitempty"`

	// OriginalError is the error text of the first unrecoverable attempt.
	OriginalError string `json:"original_error"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	NextRetryAt time.Time `json:"next_retry_at"`

	Status Status `json:"status"`
}

// validate checks the fields every store requires.
func (r *FailureRecord) validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if r.ResourceKey == "" {
		return fmt.Errorf("%w: resource_key is required", ErrInvalidRecord)
	}
	if r.OperationKind == "" {
		return fmt.Errorf("%w: operation_kind is required", ErrInvalidRecord)
	}
	if _, err := ParseStatus(string(r.Status)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

// clone returns a deep copy so callers never share the payload slice.
func (r FailureRecord) clone() FailureRecord {
	if r.ItemPayload != nil {
		r.ItemPayload = append([]byte(nil), r.ItemPayload...)
	}
	return r
}

// Filter selects records for List.
type Filter struct {
	// Statuses restricts to the given statuses. Empty means all.
	Statuses []Status

	// ResourceKey restricts to one resource. Empty means all.
	ResourceKey string

	// UpdatedBefore restricts to records last updated before this time. Zero means no bound.
	UpdatedBefore time.Time

	// Limit caps the result. Zero or negative means no cap.
	Limit int
}

func (f Filter) matches(r *FailureRecord) bool {
	if f.ResourceKey != "" && r.ResourceKey != f.ResourceKey {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}
