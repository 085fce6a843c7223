// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/analyst/services/analyst/failures"
	"github.com/AleutianAI/analyst/services/analyst/resilience"
)

// OperationEmbedPiece is the failure-record operation kind for pieces that
// could not be embedded.
const OperationEmbedPiece = "embed_piece"

var (
	defaultSeparators  = []string{"\n\n", "\n", " ", ""}
	pythonSeparators   = []string{"\nclass ", "\ndef ", "\n\t", "\n", " ", ""}
	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"\n\n", "\n", " ", "",
	}
	cStyleSeparators = []string{
		"\nfunc ", "\ntype ", "\nfunction ", "\nclass ", "\ninterface ",
		"\npublic ", "\nprivate ", "\nprotected ",
		"\n\n", "\n", " ", "",
	}
)

// Document is one source text to index.
type Document struct {
	Source string `json:"source" binding:"required"`
	Text   string `json:"text" binding:"required"`
}

// Piece is one split of a Document.
type Piece struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Index  int    `json:"index"`
	Text   string `json:"text"`
}

// Embedded is a Piece with its vector.
type Embedded struct {
	Piece
	Vector []float32 `json:"vector"`
}

// VectorSink stores embedded pieces. vectorstore.MemoryStore and
// vectorstore.WeaviateStore implement it.
type VectorSink interface {
	Upsert(ctx context.Context, pieces []Embedded) error
}

// IndexerConfig configures splitting and batch embedding.
type IndexerConfig struct {
	ChunkSize    int                    `yaml:"chunk_size" json:"chunk_size" validate:"gt=0"`
	ChunkOverlap int                    `yaml:"chunk_overlap" json:"chunk_overlap" validate:"gte=0,ltfield=ChunkSize"`
	Batch        resilience.ChunkConfig `yaml:"batch" json:"batch"`
}

// DefaultIndexerConfig returns 1000-character pieces with 10% overlap.
func DefaultIndexerConfig() IndexerConfig {
	return IndexerConfig{
		ChunkSize:    1000,
		ChunkOverlap: 100,
		Batch:        resilience.DefaultChunkConfig(),
	}
}

// IndexReport summarizes one Index call.
type IndexReport struct {
	Documents int `json:"documents"`
	Pieces    int `json:"pieces"`
	Embedded  int `json:"embedded"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
}

// IndexerOption customizes an EmbeddingIndexer.
type IndexerOption func(*EmbeddingIndexer)

// WithFailureService queues pieces that fail every retry as failure records.
func WithFailureService(s *failures.Service) IndexerOption {
	return func(ix *EmbeddingIndexer) { ix.failures = s }
}

// WithVectorSink sets where embedded pieces are stored.
func WithVectorSink(sink VectorSink) IndexerOption {
	return func(ix *EmbeddingIndexer) { ix.sink = sink }
}

// WithIndexerLogger sets the logger.
func WithIndexerLogger(logger *slog.Logger) IndexerOption {
	return func(ix *EmbeddingIndexer) { ix.logger = logger }
}

// EmbeddingIndexer splits documents and embeds the pieces in chunks.
//
// # Description
//
// Documents are split with a recursive character splitter whose separators
// depend on the file extension. Pieces are embedded one per call through a
// ChunkProcessor, so a single bad piece never fails its neighbours. Pieces
// that exhaust both retry passes become PENDING failure records with
// operation kind OperationEmbedPiece; RetryHandler re-embeds them later.
//
// # Thread Safety
//
// Safe for concurrent use.
type EmbeddingIndexer struct {
	embedder  Embedder
	retry     *resilience.RetryExecutor
	config    IndexerConfig
	processor *resilience.ChunkProcessor[Piece, Embedded]
	failures  *failures.Service
	sink      VectorSink
	logger    *slog.Logger
}

// NewEmbeddingIndexer creates an indexer. embedder should already be
// breaker-guarded (see ResilientEmbedder) without its own retry.
func NewEmbeddingIndexer(embedder Embedder, retry *resilience.RetryExecutor, cfg IndexerConfig, opts ...IndexerOption) (*EmbeddingIndexer, error) {
	if embedder == nil || retry == nil {
		return nil, fmt.Errorf("%w: embedder and retry are required", ErrInvalidConfig)
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("%w: chunk_size %d, chunk_overlap %d", ErrInvalidConfig, cfg.ChunkSize, cfg.ChunkOverlap)
	}

	ix := &EmbeddingIndexer{embedder: embedder, retry: retry, config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(ix)
	}

	chunkOpts := []resilience.ChunkOption[Piece]{
		resilience.WithIdentity[Piece](pieceID),
		resilience.WithChunkLogger[Piece](ix.logger),
	}
	if ix.failures != nil {
		sink := failures.NewChunkSink[Piece](ix.failures, resilience.ResourceEmbedding, OperationEmbedPiece, pieceID)
		chunkOpts = append(chunkOpts, resilience.WithFailureSink[Piece](sink))
	}
	processor, err := resilience.NewChunkProcessor[Piece, Embedded](cfg.Batch, retry, chunkOpts...)
	if err != nil {
		return nil, err
	}
	ix.processor = processor
	return ix, nil
}

func pieceID(p Piece) string { return p.ID }

// Split breaks docs into pieces. Empty documents yield no pieces.
func (ix *EmbeddingIndexer) Split(docs []Document) ([]Piece, error) {
	var pieces []Piece
	for _, doc := range docs {
		if strings.TrimSpace(doc.Text) == "" {
			continue
		}
		parts, err := ix.splitter(doc.Source).SplitText(doc.Text)
		if err != nil {
			return nil, fmt.Errorf("split %s: %w", doc.Source, err)
		}
		for i, part := range parts {
			if strings.TrimSpace(part) == "" {
				continue
			}
			pieces = append(pieces, Piece{
				ID:     fmt.Sprintf("%s#%d", doc.Source, i),
				Source: doc.Source,
				Index:  i,
				Text:   part,
			})
		}
	}
	return pieces, nil
}

func (ix *EmbeddingIndexer) splitter(source string) textsplitter.TextSplitter {
	separators := defaultSeparators
	switch strings.ToLower(filepath.Ext(source)) {
	case ".md", ".markdown":
		separators = markdownSeparators
	case ".py":
		separators = pythonSeparators
	case ".go", ".js", ".ts", ".java", ".c", ".cpp", ".h", ".hpp", ".rs":
		separators = cStyleSeparators
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(ix.config.ChunkSize),
		textsplitter.WithChunkOverlap(ix.config.ChunkOverlap),
		textsplitter.WithSeparators(separators),
	)
}

// Index splits, embeds, and stores docs.
//
// Outputs:
//   - IndexReport: Piece accounting. Failed pieces are queued, not returned.
//   - error: Splitting or vector sink errors only.
func (ix *EmbeddingIndexer) Index(ctx context.Context, docs []Document) (IndexReport, error) {
	pieces, err := ix.Split(docs)
	if err != nil {
		return IndexReport{}, err
	}
	report := IndexReport{Documents: len(docs), Pieces: len(pieces)}
	if len(pieces) == 0 {
		return report, nil
	}

	res := ix.processor.Process(ctx, pieces, ix.embedPiece, "index")
	report.Embedded = len(res.Successes)
	report.Recovered = res.Recovered
	report.Failed = len(res.Failures)
	indexedPieces.WithLabelValues("embedded").Add(float64(report.Embedded))
	indexedPieces.WithLabelValues("failed").Add(float64(report.Failed))

	if ix.sink != nil && len(res.Successes) > 0 {
		if err := ix.sink.Upsert(ctx, res.Successes); err != nil {
			return report, fmt.Errorf("store embedded pieces: %w", err)
		}
	}

	ix.logger.Info("Indexed documents",
		slog.Int("documents", report.Documents),
		slog.Int("pieces", report.Pieces),
		slog.Int("embedded", report.Embedded),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

func (ix *EmbeddingIndexer) embedPiece(ctx context.Context, p Piece) (Embedded, error) {
	vectors, err := ix.embedder.Embed(ctx, []string{p.Text})
	if err != nil {
		return Embedded{}, err
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return Embedded{}, fmt.Errorf("%w for piece %s", ErrEmptyResponse, p.ID)
	}
	return Embedded{Piece: p, Vector: vectors[0]}, nil
}

// RetryHandler re-embeds a queued piece. Register it on a
// failures.RetryWorker under OperationEmbedPiece.
func (ix *EmbeddingIndexer) RetryHandler() failures.Handler {
	return func(ctx context.Context, rec failures.FailureRecord) error {
		var p Piece
		if err := json.Unmarshal(rec.ItemPayload, &p); err != nil {
			return &payloadError{err: err}
		}
		e, err := ix.embedPiece(ctx, p)
		if err != nil {
			return err
		}
		indexedPieces.WithLabelValues("recovered").Inc()
		if ix.sink == nil {
			return nil
		}
		return ix.sink.Upsert(ctx, []Embedded{e})
	}
}

// payloadError marks a record that can never succeed.
type payloadError struct{ err error }

func (e *payloadError) Error() string      { return "decode piece payload: " + e.err.Error() }
func (e *payloadError) Unwrap() error      { return e.err }
func (e *payloadError) NonRetryable() bool { return true }
