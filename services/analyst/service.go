// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analyst wires the resilient analysis loop into a service with an
// HTTP API.
//
// The Service owns one instance of every component: the circuit breakers,
// the retry executor, the LLM client, the tool executor, the doom-loop
// guard, the section validator, the durable failure queue with its retry
// worker, the embedding indexer, and the vector store. Handlers expose it
// over gin; cmd/analyst exposes it on the command line.
package analyst

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/analyst/services/analyst/config"
	"github.com/AleutianAI/analyst/services/analyst/failures"
	"github.com/AleutianAI/analyst/services/analyst/guard"
	"github.com/AleutianAI/analyst/services/analyst/llm"
	"github.com/AleutianAI/analyst/services/analyst/loop"
	"github.com/AleutianAI/analyst/services/analyst/resilience"
	"github.com/AleutianAI/analyst/services/analyst/telemetry"
	"github.com/AleutianAI/analyst/services/analyst/tools"
	"github.com/AleutianAI/analyst/services/analyst/validate"
	"github.com/AleutianAI/analyst/services/analyst/vectorstore"
)

var serviceTracer = otel.Tracer("analyst.service")

// DefaultSearchLimit is used when a search request has no limit.
const DefaultSearchLimit = 5

// Service is the assembled analyst.
//
// # Description
//
// Build creates every component from a validated Config. Run executes one
// analysis loop with the configured run timeout. Index and Search feed and
// query the vector store. The failure queue methods back the operator
// endpoints. RunBackground drives the retry worker and the rules watcher
// until its context ends.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	config    config.Config
	breakers  *resilience.BreakerSet
	executor  *loop.Executor
	guard     *guard.Guard
	validator *validate.Validator
	tools     *tools.Executor
	failures  *failures.Service
	worker    *failures.RetryWorker
	indexer   *llm.EmbeddingIndexer
	embedder  llm.Embedder
	store     vectorstore.Store
	reranker  *llm.Reranker
	model     string
	logger    *slog.Logger
	started   time.Time
	closers   []io.Closer
}

// Build assembles a Service from cfg.
//
// # Inputs
//
//   - ctx: Bounds startup I/O such as the Weaviate schema check.
//   - cfg: Validated configuration. Build validates it again.
//   - logger: Base logger. Nil means slog.Default().
//
// # Outputs
//
//   - *Service: Ready to serve. Call Close when done.
//   - error: Configuration, key, or store errors. Partially opened
//     resources are closed.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *Service, err error) {
	ctx, span := serviceTracer.Start(ctx, "analyst.Build")
	defer span.End()

	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{config: cfg, logger: logger, started: time.Now()}
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
			s.Close()
		}
	}()

	s.breakers = resilience.NewBreakerSet(cfg.Breakers, resilience.WithBreakerLogger(logger))
	retry, err := resilience.NewRetryExecutor(cfg.Retry, resilience.WithRetryLogger(logger))
	if err != nil {
		return nil, err
	}

	key, err := llm.ResolveAPIKey(config.EnvAPIKey, cfg.LLM.APIKeyFile)
	if err != nil {
		if cfg.LLM.RequireAPIKey {
			return nil, err
		}
		logger.Info("No LLM API key configured, sending unauthenticated requests")
	}

	client, err := llm.NewOpenAIClient(cfg.LLM.OpenAIConfig, key, logger)
	if err != nil {
		return nil, err
	}
	s.model = client.Model()
	caller, err := llm.NewResilientLLM(client, retry, s.breakers.Get(resilience.ResourceLLM), logger)
	if err != nil {
		return nil, err
	}

	rules := validate.DefaultRules()
	if cfg.Validator.RulesFile != "" {
		if rules, err = validate.LoadRulesFile(ctx, cfg.Validator.RulesFile); err != nil {
			return nil, err
		}
	}
	s.validator = validate.New(rules, logger)

	if s.tools, err = tools.New(cfg.Project, tools.WithRetry(retry), tools.WithLogger(logger)); err != nil {
		return nil, err
	}
	s.guard = guard.New(cfg.Guard, guard.WithLogger(logger))

	s.executor, err = loop.NewExecutor(loop.Dependencies{
		LLM:       caller,
		Tools:     s.tools,
		Validator: s.validator,
		Guard:     s.guard,
		Templates: s.validator,
		Logger:    logger,
	}, cfg.Loop)
	if err != nil {
		return nil, err
	}

	if err := s.openFailures(cfg.Failures); err != nil {
		return nil, err
	}
	if err := s.openVectors(ctx, cfg.Vectors); err != nil {
		return nil, err
	}

	embedBreaker := s.breakers.Get(resilience.ResourceEmbedding)
	// Indexing retries inside the chunk processor, so its embedder makes a
	// single attempt per call. Query embedding retries on its own.
	pieceEmbedder, err := llm.NewResilientEmbedder(client, nil, embedBreaker)
	if err != nil {
		return nil, err
	}
	if s.embedder, err = llm.NewResilientEmbedder(client, retry, embedBreaker); err != nil {
		return nil, err
	}
	s.indexer, err = llm.NewEmbeddingIndexer(pieceEmbedder, retry, cfg.Indexer,
		llm.WithFailureService(s.failures),
		llm.WithVectorSink(s.store),
		llm.WithIndexerLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	s.worker.Register(llm.OperationEmbedPiece, s.indexer.RetryHandler())

	if s.reranker, err = llm.NewReranker(cfg.Rerank, key, s.breakers.Get(resilience.ResourceRerank), logger); err != nil {
		return nil, err
	}

	logger.Info("Analyst service ready",
		slog.String("model", s.model),
		slog.String("project_root", s.tools.Root()),
		slog.String("failure_store", cfg.Failures.Store),
		slog.String("vector_backend", cfg.Vectors.Backend),
		slog.Bool("rerank", s.reranker.Enabled()),
	)
	return s, nil
}

func (s *Service) openFailures(cfg config.FailuresConfig) error {
	var (
		store failures.Store
		err   error
	)
	switch cfg.Store {
	case config.StoreSQLite:
		store, err = failures.OpenSQLiteStore(cfg.SQLitePath)
	default:
		store, err = failures.OpenBadgerStore(cfg.Badger, s.logger)
	}
	if err != nil {
		return err
	}
	s.closers = append(s.closers, store)

	opts := []failures.ServiceOption{failures.WithServiceLogger(s.logger)}
	if cfg.DeadLetter.Enabled() {
		dl, err := failures.NewKafkaDeadLetter(cfg.DeadLetter)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, dl)
		opts = append(opts, failures.WithDeadLetter(dl))
	}

	if s.failures, err = failures.NewService(store, cfg.Service, opts...); err != nil {
		return err
	}
	s.worker, err = failures.NewRetryWorker(s.failures, cfg.Worker, s.logger)
	return err
}

func (s *Service) openVectors(ctx context.Context, cfg config.VectorConfig) error {
	if cfg.Backend != config.VectorWeaviate {
		s.store = vectorstore.NewMemoryStore()
		return nil
	}
	ws, err := vectorstore.NewWeaviateStore(cfg.Weaviate, s.breakers.Get(resilience.ResourceVectorDB), s.logger)
	if err != nil {
		return err
	}
	if err := ws.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("prepare vector store: %w", err)
	}
	s.store = ws
	return nil
}

// Run executes one analysis loop bounded by the configured run timeout.
func (s *Service) Run(ctx context.Context, req loop.Request) (*loop.AnalysisLoopResult, error) {
	if d := s.config.Server.RunTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return s.executor.Run(ctx, req)
}

// Index splits, embeds, and stores docs. Pieces that cannot be embedded
// are queued for the retry worker.
func (s *Service) Index(ctx context.Context, docs []llm.Document) (llm.IndexReport, error) {
	return s.indexer.Index(ctx, docs)
}

// Search embeds query, finds the nearest pieces, and reranks them.
//
// # Outputs
//
//   - SearchResponse: Hits ordered by rerank score when reranking
//     succeeded, else by vector score.
//   - error: Embedding or vector store errors.
func (s *Service) Search(ctx context.Context, query string, limit int) (SearchResponse, error) {
	ctx, span := serviceTracer.Start(ctx, "analyst.Service.Search",
		trace.WithAttributes(attribute.Int("search.limit", limit)),
	)
	defer span.End()

	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	resp := SearchResponse{Query: query, Hits: []SearchHit{}}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		telemetry.RecordError(span, err)
		return resp, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return resp, fmt.Errorf("embed query: %w", llm.ErrEmptyResponse)
	}

	// Over-fetch so the reranker has candidates to promote.
	fetch := limit
	if s.reranker.Enabled() {
		fetch = limit * 3
	}
	hits, err := s.store.Search(ctx, vectors[0], fetch)
	if err != nil {
		telemetry.RecordError(span, err)
		return resp, fmt.Errorf("vector search: %w", err)
	}

	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Piece.Text
	}
	for _, r := range s.reranker.Rerank(ctx, query, texts, limit) {
		h := hits[r.Index]
		resp.Hits = append(resp.Hits, SearchHit{
			PieceID:     h.Piece.ID,
			Source:      h.Piece.Source,
			Text:        h.Piece.Text,
			Score:       h.Score,
			RerankScore: r.Score,
		})
		if r.Score != 0 {
			resp.Reranked = true
		}
	}
	span.SetAttributes(attribute.Int("search.hits", len(resp.Hits)))
	telemetry.SetSpanOK(span)
	return resp, nil
}

// Breakers returns a snapshot of every breaker used so far.
func (s *Service) Breakers() []resilience.CircuitBreakerStatistics {
	return s.breakers.Stats()
}

// ListFailures returns queued failure records.
func (s *Service) ListFailures(ctx context.Context, filter failures.Filter) ([]failures.FailureRecord, error) {
	return s.failures.List(ctx, filter)
}

// DrainFailures runs one retry worker pass now.
func (s *Service) DrainFailures(ctx context.Context) (failures.DrainReport, error) {
	return s.worker.DrainOnce(ctx)
}

// MarkFailed moves a record to FAILED.
func (s *Service) MarkFailed(ctx context.Context, id string) error {
	return s.failures.MarkAsFailed(ctx, id)
}

// CleanupFailures purges terminal records of status older than olderThan.
func (s *Service) CleanupFailures(ctx context.Context, status failures.Status, olderThan time.Duration) (int, error) {
	switch status {
	case failures.StatusSuccess:
		return s.failures.CleanupSuccessRecords(ctx, olderThan)
	case failures.StatusFailed:
		return s.failures.CleanupFailedRecords(ctx, olderThan)
	}
	return 0, fmt.Errorf("%w: only %s and %s records can be cleaned up", failures.ErrInvalidRecord, failures.StatusSuccess, failures.StatusFailed)
}

// Health reports the service status.
func (s *Service) Health() HealthResponse {
	resp := HealthResponse{
		Status:  "healthy",
		Model:   s.model,
		Types:   s.validator.Types(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Started: s.started,
	}
	for _, b := range s.breakers.Stats() {
		if b.State != resilience.CircuitClosed {
			resp.Degraded = append(resp.Degraded, b.Name)
		}
	}
	if len(resp.Degraded) > 0 {
		resp.Status = "degraded"
	}
	return resp
}

// ApplyConfig applies the reloadable parts of a changed configuration.
// Only the validator rules are swapped live; everything else needs a
// restart.
func (s *Service) ApplyConfig(ctx context.Context, cfg *config.Config) {
	path := cfg.Validator.RulesFile
	switch {
	case path == "" && s.config.Validator.RulesFile != "":
		s.validator.SetRules(validate.DefaultRules())
		s.logger.Info("Validator rules reset to built-in set")
	case path != "":
		_ = s.validator.Reload(ctx, path)
	}
	s.config.Validator = cfg.Validator
}

// RunBackground drives the retry worker, and the rules watcher when
// enabled, until ctx is done.
func (s *Service) RunBackground(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.worker.Run(ctx) })

	if v := s.config.Validator; v.Watch && v.RulesFile != "" {
		g.Go(func() error {
			return config.WatchFile(ctx, v.RulesFile, config.DefaultDebounce, func() {
				_ = s.validator.Reload(ctx, v.RulesFile)
			})
		})
	}
	return g.Wait()
}

// Close releases the failure store and the dead-letter publisher.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
