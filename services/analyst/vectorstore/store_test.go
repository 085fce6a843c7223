// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/analyst/services/analyst/llm"
	"github.com/AleutianAI/analyst/services/analyst/resilience"
)

func embedded(id string, vec ...float32) llm.Embedded {
	return llm.Embedded{Piece: llm.Piece{ID: id, Source: "src", Text: id}, Vector: vec}
}

func TestMemoryStore_SearchOrdersBySimilarity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Upsert(ctx, []llm.Embedded{
		embedded("east", 1, 0),
		embedded("north", 0, 1),
		embedded("north-east", 1, 1),
	}))
	assert.Equal(t, 3, s.Len())

	hits, err := s.Search(ctx, []float32{1, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "east", hits[0].Piece.ID)
	assert.Equal(t, "north-east", hits[1].Piece.ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestMemoryStore_UpsertReplacesByID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Upsert(ctx, []llm.Embedded{embedded("a", 1, 0)}))
	require.NoError(t, s.Upsert(ctx, []llm.Embedded{embedded("a", 0, 1)}))
	assert.Equal(t, 1, s.Len())

	hits, err := s.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
}

func TestMemoryStore_Edges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	hits, err := s.Search(ctx, []float32{1}, 3)
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, s.Upsert(ctx, []llm.Embedded{embedded("a", 1, 2)}))
	assert.ErrorIs(t, s.Upsert(ctx, []llm.Embedded{embedded("b", 1)}), ErrDimensionMismatch)

	_, err = s.Search(ctx, []float32{1, 2, 3}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	hits, err = s.Search(ctx, []float32{1, 2}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestObjectID_Stable(t *testing.T) {
	assert.Equal(t, objectID("a.go#0"), objectID("a.go#0"))
	assert.NotEqual(t, objectID("a.go#0"), objectID("a.go#1"))
}

func TestWeaviateStore_ParseSearch(t *testing.T) {
	s := &WeaviateStore{class: DefaultClass}

	resp := &models.GraphQLResponse{Data: map[string]models.JSONObject{
		"Get": map[string]interface{}{
			DefaultClass: []interface{}{
				map[string]interface{}{
					"piece_id":    "main.go#2",
					"source":      "main.go",
					"chunk_index": 2,
					"content":     "func main() {}",
					"_additional": map[string]interface{}{"certainty": 0.91},
				},
			},
		},
	}}
	hits, err := s.parseSearch(resp)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, llm.Piece{ID: "main.go#2", Source: "main.go", Index: 2, Text: "func main() {}"}, hits[0].Piece)
	assert.InDelta(t, 0.91, hits[0].Score, 1e-9)

	_, err = s.parseSearch(&models.GraphQLResponse{Errors: []*models.GraphQLError{{Message: "no such class"}}})
	assert.ErrorContains(t, err, "no such class")

	_, err = s.parseSearch(nil)
	assert.Error(t, err)
}

func TestNewWeaviateStore_Validation(t *testing.T) {
	breaker := resilience.NewCircuitBreaker(resilience.ResourceVectorDB, resilience.CircuitBreakerConfig{})

	_, err := NewWeaviateStore(WeaviateConfig{URL: "not a url"}, breaker, nil)
	assert.Error(t, err)

	_, err = NewWeaviateStore(WeaviateConfig{URL: "http://localhost:8080"}, nil, nil)
	assert.Error(t, err)

	s, err := NewWeaviateStore(WeaviateConfig{URL: "http://localhost:8080"}, breaker, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultClass, s.Class())
}
