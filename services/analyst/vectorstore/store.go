// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vectorstore holds embedded document pieces and answers
// nearest-neighbour queries. MemoryStore serves tests and single-process
// use; WeaviateStore persists to a Weaviate instance.
package vectorstore

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/AleutianAI/analyst/services/analyst/llm"
)

// ErrDimensionMismatch is returned when vectors of different lengths meet.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Hit is one search result.
type Hit struct {
	Piece llm.Piece `json:"piece"`

	// Score is cosine similarity in [-1, 1] (Weaviate: certainty in [0, 1]).
	Score float64 `json:"score"`
}

// Store is a searchable vector sink.
type Store interface {
	llm.VectorSink
	Search(ctx context.Context, vector []float32, k int) ([]Hit, error)
}

// MemoryStore is an in-process Store. Upserts replace pieces by ID.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	pieces map[string]llm.Embedded
	dim    int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pieces: make(map[string]llm.Embedded)}
}

// Upsert implements llm.VectorSink. All vectors must share one dimension.
func (s *MemoryStore) Upsert(_ context.Context, pieces []llm.Embedded) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pieces {
		if s.dim == 0 {
			s.dim = len(p.Vector)
		}
		if len(p.Vector) != s.dim {
			return ErrDimensionMismatch
		}
		p.Vector = append([]float32(nil), p.Vector...)
		s.pieces[p.ID] = p
	}
	return nil
}

// Len returns the number of stored pieces.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pieces)
}

// Search returns the k most similar pieces, best first. Ties order by ID.
func (s *MemoryStore) Search(_ context.Context, vector []float32, k int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k <= 0 || len(s.pieces) == 0 {
		return []Hit{}, nil
	}
	if len(vector) != s.dim {
		return nil, ErrDimensionMismatch
	}

	hits := make([]Hit, 0, len(s.pieces))
	for _, p := range s.pieces {
		hits = append(hits, Hit{Piece: p.Piece, Score: cosine(vector, p.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Piece.ID < hits[j].Piece.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ Store = (*MemoryStore)(nil)
