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

import "errors"

var (
	// ErrRecordNotFound is returned when no record has the requested id.
	ErrRecordNotFound = errors.New("failure record not found")

	// ErrRecordTerminal is returned when mutating a SUCCESS or FAILED record.
	ErrRecordTerminal = errors.New("failure record is terminal")

	// ErrNotPending is returned when claiming a record another worker holds.
	ErrNotPending = errors.New("failure record is not pending")

	// ErrInvalidRecord is returned for records missing required fields.
	ErrInvalidRecord = errors.New("invalid failure record")

	// ErrStoreClosed is returned by stores after Close.
	ErrStoreClosed = errors.New("failure store is closed")

	// ErrNoHandler is returned by the RetryWorker for unregistered operation kinds.
	ErrNoHandler = errors.New("no retry handler registered for operation kind")
)
