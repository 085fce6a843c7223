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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/analyst/services/analyst/llm"
	"github.com/AleutianAI/analyst/services/analyst/resilience"
)

var storeTracer = otel.Tracer("analyst.vectorstore")

// DefaultClass is the Weaviate class pieces are stored in.
const DefaultClass = "AnalystPiece"

// pieceNamespace derives stable object IDs from piece IDs so re-indexing a
// document overwrites its earlier pieces.
var pieceNamespace = uuid.MustParse("9b1d5c9e-3f0a-4e47-8a53-6f1c2d7e4b10")

// ErrBatchPartial is returned when Weaviate rejects some batch objects.
var ErrBatchPartial = errors.New("weaviate rejected part of the batch")

// WeaviateConfig locates the Weaviate instance.
type WeaviateConfig struct {
	URL   string `yaml:"url" json:"url" validate:"required,url"`
	Class string `yaml:"class" json:"class"`
}

// WeaviateStore is a Store backed by Weaviate with caller-supplied vectors.
//
// # Description
//
// Requests run through the vector-db circuit breaker, so an unreachable
// Weaviate fails fast after the threshold instead of stalling every index
// or search call on connection timeouts.
//
// # Thread Safety
//
// Safe for concurrent use.
type WeaviateStore struct {
	client  *weaviate.Client
	class   string
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

// NewWeaviateStore connects to Weaviate. Call EnsureSchema before first use.
func NewWeaviateStore(cfg WeaviateConfig, breaker *resilience.CircuitBreaker, logger *slog.Logger) (*WeaviateStore, error) {
	if breaker == nil {
		return nil, errors.New("vector-db breaker is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", cfg.URL)
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: u.Host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	if cfg.Class == "" {
		cfg.Class = DefaultClass
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WeaviateStore{client: client, class: cfg.Class, breaker: breaker, logger: logger}, nil
}

// Class returns the Weaviate class name.
func (s *WeaviateStore) Class() string { return s.class }

// EnsureSchema creates the class if it does not exist.
func (s *WeaviateStore) EnsureSchema(ctx context.Context) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		if _, err := s.client.Schema().ClassGetter().WithClassName(s.class).Do(ctx); err == nil {
			s.logger.Debug("Weaviate class already exists", slog.String("class", s.class))
			return nil
		}
		s.logger.Info("Creating Weaviate class", slog.String("class", s.class))
		if err := s.client.Schema().ClassCreator().WithClass(pieceClass(s.class)).Do(ctx); err != nil {
			return fmt.Errorf("create class %s: %w", s.class, err)
		}
		return nil
	})
}

func pieceClass(name string) *models.Class {
	filterable := true
	return &models.Class{
		Class:       name,
		Description: "A split of an indexed source document.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "piece_id", DataType: []string{"text"}, Tokenization: "field", IndexFilterable: &filterable},
			{Name: "source", DataType: []string{"text"}, Tokenization: "field", IndexFilterable: &filterable},
			{Name: "chunk_index", DataType: []string{"int"}},
			{Name: "content", DataType: []string{"text"}, Tokenization: "word"},
		},
	}
}

// objectID maps a piece ID to its Weaviate UUID.
func objectID(pieceID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(pieceNamespace, []byte(pieceID)).String())
}

// Upsert implements llm.VectorSink with one batch request.
func (s *WeaviateStore) Upsert(ctx context.Context, pieces []llm.Embedded) error {
	if len(pieces) == 0 {
		return nil
	}
	ctx, span := storeTracer.Start(ctx, "vectorstore.WeaviateStore.Upsert",
		trace.WithAttributes(attribute.Int("vectorstore.pieces", len(pieces))),
	)
	defer span.End()

	objects := make([]*models.Object, len(pieces))
	for i, p := range pieces {
		objects[i] = &models.Object{
			Class:  s.class,
			ID:     objectID(p.ID),
			Vector: p.Vector,
			Properties: map[string]interface{}{
				"piece_id":    p.ID,
				"source":      p.Source,
				"chunk_index": p.Index,
				"content":     p.Text,
			},
		}
	}

	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return fmt.Errorf("weaviate batch import: %w", err)
		}
		var rejected []string
		for _, item := range resp {
			if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
				continue
			}
			rejected = append(rejected, batchItemError(item))
		}
		if len(rejected) > 0 {
			return fmt.Errorf("%w: %d of %d: %s", ErrBatchPartial, len(rejected), len(objects), strings.Join(rejected, "; "))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
	}
	return err
}

func batchItemError(item models.ObjectsGetResponse) string {
	if item.Result == nil || item.Result.Errors == nil {
		return string(item.ID) + ": unknown error"
	}
	msgs := make([]string, 0, len(item.Result.Errors.Error))
	for _, e := range item.Result.Errors.Error {
		if e != nil {
			msgs = append(msgs, e.Message)
		}
	}
	return string(item.ID) + ": " + strings.Join(msgs, ", ")
}

type searchResponse struct {
	Get map[string][]struct {
		PieceID    string `json:"piece_id"`
		Source     string `json:"source"`
		ChunkIndex int    `json:"chunk_index"`
		Content    string `json:"content"`
		Additional struct {
			Certainty float64 `json:"certainty"`
		} `json:"_additional"`
	} `json:"Get"`
}

// Search runs a nearVector query. Score is Weaviate certainty.
func (s *WeaviateStore) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return []Hit{}, nil
	}
	ctx, span := storeTracer.Start(ctx, "vectorstore.WeaviateStore.Search",
		trace.WithAttributes(attribute.Int("vectorstore.k", k)),
	)
	defer span.End()

	fields := []graphql.Field{
		{Name: "piece_id"},
		{Name: "source"},
		{Name: "chunk_index"},
		{Name: "content"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	hits, err := resilience.Call(ctx, s.breaker, func(ctx context.Context) ([]Hit, error) {
		nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
		resp, err := s.client.GraphQL().Get().
			WithClassName(s.class).
			WithFields(fields...).
			WithNearVector(nearVector).
			WithLimit(k).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("weaviate search: %w", err)
		}
		return s.parseSearch(resp)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, err
	}
	return hits, nil
}

func (s *WeaviateStore) parseSearch(resp *models.GraphQLResponse) ([]Hit, error) {
	if resp == nil {
		return nil, errors.New("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return nil, fmt.Errorf("weaviate graphql: %s", strings.Join(msgs, "; "))
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal GraphQL data: %w", err)
	}
	var parsed searchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode GraphQL data: %w", err)
	}

	rows := parsed.Get[s.class]
	hits := make([]Hit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, Hit{
			Piece: llm.Piece{ID: r.PieceID, Source: r.Source, Index: r.ChunkIndex, Text: r.Content},
			Score: r.Additional.Certainty,
		})
	}
	return hits, nil
}

var _ Store = (*WeaviateStore)(nil)
