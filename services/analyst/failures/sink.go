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
	"fmt"
)

// ChunkSink adapts the Service to resilience.FailureSink so batch items
// that exhaust their in-process retries become durable PENDING records.
type ChunkSink[T any] struct {
	service       *Service
	resourceKey   string
	operationKind string
	identity      func(T) string
	encode        func(T) ([]byte, error)
}

// NewChunkSink creates a sink that enqueues items under resourceKey and
// operationKind. identity names the item; nil uses fmt's %v. Payloads are
// JSON-encoded.
func NewChunkSink[T any](service *Service, resourceKey, operationKind string, identity func(T) string) *ChunkSink[T] {
	if identity == nil {
		identity = func(item T) string { return fmt.Sprintf("%v", item) }
	}
	return &ChunkSink[T]{
		service:       service,
		resourceKey:   resourceKey,
		operationKind: operationKind,
		identity:      identity,
		encode:        func(item T) ([]byte, error) { return json.Marshal(item) },
	}
}

// RecordFailure implements resilience.FailureSink.
//
// The batch label is prefixed to the item identifier so records from
// different batches stay distinguishable.
func (s *ChunkSink[T]) RecordFailure(ctx context.Context, batchLabel string, item T, cause error) error {
	payload, err := s.encode(item)
	if err != nil {
		return fmt.Errorf("encode %s item: %w", s.operationKind, err)
	}
	_, err = s.service.AddFailure(ctx, s.resourceKey, s.operationKind, batchLabel+"/"+s.identity(item), payload, cause)
	return err
}
