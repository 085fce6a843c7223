// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"errors"
	"fmt"
)

var (
	// ErrFabricatedOutput marks a report produced before any tool evidence.
	ErrFabricatedOutput = errors.New("fabricated output without evidence")

	// ErrUnknownAnalysisType is returned when no template exists for the type.
	ErrUnknownAnalysisType = errors.New("unknown analysis type")

	// ErrMissingDependency is returned by NewExecutor for nil collaborators.
	ErrMissingDependency = errors.New("missing loop dependency")

	// ErrInvalidConfig is returned by NewExecutor for a bad Config.
	ErrInvalidConfig = errors.New("invalid loop config")

	// ErrInvalidRequest is returned by Run for a request without a type or key.
	ErrInvalidRequest = errors.New("invalid analysis request")
)

// IntegrityError is the fatal result of a fabricated report.
//
// It is never retryable: it implements the NonRetryable marker that
// resilience.Classify honors.
type IntegrityError struct {
	AnalysisType string
	ContextKey   string
	Step         int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("analysis %q (%s): step %d: %s", e.AnalysisType, e.ContextKey, e.Step, ErrFabricatedOutput)
}

// Unwrap returns ErrFabricatedOutput.
func (e *IntegrityError) Unwrap() error {
	return ErrFabricatedOutput
}

// NonRetryable marks the error as permanent.
func (e *IntegrityError) NonRetryable() bool {
	return true
}

// IsFatal reports whether err is a loop integrity failure that callers must
// treat as a hard failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFabricatedOutput)
}
