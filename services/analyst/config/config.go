// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads, validates, and watches the analyst configuration.
//
// Configuration is a single YAML file layered over Default(). Secrets never
// live in the file: the LLM API key comes from ANALYST_LLM_API_KEY or a
// mounted secrets file. A few deployment knobs can be overridden from the
// environment without editing the file.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/analyst/services/analyst/failures"
	"github.com/AleutianAI/analyst/services/analyst/guard"
	"github.com/AleutianAI/analyst/services/analyst/llm"
	"github.com/AleutianAI/analyst/services/analyst/loop"
	"github.com/AleutianAI/analyst/services/analyst/resilience"
	"github.com/AleutianAI/analyst/services/analyst/telemetry"
	"github.com/AleutianAI/analyst/services/analyst/tools"
	"github.com/AleutianAI/analyst/services/analyst/vectorstore"
)

var configTracer = otel.Tracer("analyst.config")

const (
	// MaxConfigFileSize is the largest config file Load accepts (1MB).
	MaxConfigFileSize = 1024 * 1024

	// EnvAPIKey holds the LLM API key.
	EnvAPIKey = "ANALYST_LLM_API_KEY"

	// EnvConfigPath names the config file when --config is not given.
	EnvConfigPath = "ANALYST_CONFIG"

	// DefaultAPIKeyFile is where container runtimes mount the key secret.
	DefaultAPIKeyFile = "/run/secrets/analyst_llm_api_key"
)

// Store backends for the failure queue.
const (
	StoreBadger = "badger"
	StoreSQLite = "sqlite"
)

// Vector store backends.
const (
	VectorMemory   = "memory"
	VectorWeaviate = "weaviate"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete analyst configuration.
type Config struct {
	Server    ServerConfig                               `yaml:"server" json:"server"`
	Project   tools.Config                               `yaml:"project" json:"project"`
	Loop      loop.Config                                `yaml:"loop" json:"loop"`
	Guard     guard.Config                               `yaml:"guard" json:"guard"`
	Retry     resilience.RetryConfig                     `yaml:"retry" json:"retry"`
	Breakers  map[string]resilience.CircuitBreakerConfig `yaml:"breakers" json:"breakers" validate:"dive"`
	LLM       LLMConfig                                  `yaml:"llm" json:"llm"`
	Rerank    llm.RerankConfig                           `yaml:"rerank" json:"rerank"`
	Indexer   llm.IndexerConfig                          `yaml:"indexer" json:"indexer"`
	Vectors   VectorConfig                               `yaml:"vectors" json:"vectors"`
	Failures  FailuresConfig                             `yaml:"failures" json:"failures"`
	Validator ValidatorConfig                            `yaml:"validator" json:"validator"`
	Telemetry telemetry.Config                           `yaml:"telemetry" json:"telemetry"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0"`
	RunTimeout      time.Duration `yaml:"run_timeout" json:"run_timeout" validate:"gte=0"`
}

// LLMConfig configures the model endpoint and where its key comes from.
type LLMConfig struct {
	llm.OpenAIConfig `yaml:",inline"`

	// APIKeyFile is read when EnvAPIKey is unset.
	APIKeyFile string `yaml:"api_key_file" json:"api_key_file"`

	// RequireAPIKey fails startup when no key resolves. Local servers such
	// as Ollama run without one.
	RequireAPIKey bool `yaml:"require_api_key" json:"require_api_key"`
}

// VectorConfig selects where embedded pieces are stored.
type VectorConfig struct {
	Backend  string                     `yaml:"backend" json:"backend" validate:"oneof=memory weaviate"`
	Weaviate vectorstore.WeaviateConfig `yaml:"weaviate" json:"weaviate" validate:"-"`
}

// FailuresConfig configures the durable failure queue.
type FailuresConfig struct {
	Store      string                 `yaml:"store" json:"store" validate:"oneof=badger sqlite"`
	Badger     failures.BadgerConfig  `yaml:"badger" json:"badger"`
	SQLitePath string                 `yaml:"sqlite_path" json:"sqlite_path"`
	Service    failures.ServiceConfig `yaml:"service" json:"service"`
	Worker     failures.WorkerConfig  `yaml:"worker" json:"worker"`
	DeadLetter failures.KafkaConfig   `yaml:"dead_letter" json:"dead_letter"`
}

// ValidatorConfig points at optional section rules overriding the built-in set.
type ValidatorConfig struct {
	RulesFile string `yaml:"rules_file" json:"rules_file"`
	Watch     bool   `yaml:"watch" json:"watch"`
}

// Default returns a configuration that runs against a local
// OpenAI-compatible server with on-disk state under ~/.aleutian/analyst.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	state := filepath.Join(home, ".aleutian", "analyst")
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	return Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:12230",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			RunTimeout:      10 * time.Minute,
		},
		Project:  tools.DefaultConfig(cwd),
		Loop:     loop.DefaultConfig(),
		Guard:    guard.DefaultConfig(),
		Retry:    resilience.DefaultRetryConfig(),
		Breakers: resilience.DefaultBreakerConfigs(),
		LLM: LLMConfig{
			OpenAIConfig: llm.OpenAIConfig{
				BaseURL:        "http://localhost:11434/v1",
				Model:          "llama3.1:8b",
				EmbeddingModel: "nomic-embed-text",
				Timeout:        llm.DefaultRequestTimeout,
			},
			APIKeyFile: DefaultAPIKeyFile,
		},
		Indexer: llm.DefaultIndexerConfig(),
		Vectors: VectorConfig{Backend: VectorMemory},
		Failures: FailuresConfig{
			Store:      StoreBadger,
			Badger:     failures.DefaultBadgerConfig(filepath.Join(state, "failures")),
			SQLitePath: filepath.Join(state, "failures.db"),
			Service:    failures.ServiceConfig{MaxRetries: 3},
			Worker:     failures.DefaultWorkerConfig(),
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over Default(), applies environment overrides, and
// validates. An empty path loads defaults plus environment.
//
// # Outputs
//
//   - *Config: The validated configuration.
//   - error: File, decode, or ErrInvalidConfig validation errors.
func Load(ctx context.Context, path string) (*Config, error) {
	_, span := configTracer.Start(ctx, "config.Load",
		trace.WithAttributes(attribute.String("config.path", path)),
	)
	defer span.End()

	cfg := Default()
	if path != "" {
		data, err := readFile(path)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "read failed")
			return nil, err
		}
		if err := decode(data, &cfg); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "decode failed")
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		// yaml.v3 decodes each map value from zero, dropping per-resource defaults.
		cfg.Breakers = resilience.MergeBreakerConfigs(cfg.Breakers)
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}
	return &cfg, nil
}

func readFile(path string) ([]byte, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", abs)
	}
	if info.Size() > MaxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileSize)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return data, nil
}

// applyEnv overrides deployment knobs from the environment.
func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"ANALYST_SERVER_ADDR":   &cfg.Server.Addr,
		"ANALYST_PROJECT_ROOT":  &cfg.Project.Root,
		"ANALYST_LLM_BASE_URL":  &cfg.LLM.BaseURL,
		"ANALYST_LLM_MODEL":     &cfg.LLM.Model,
		"ANALYST_EMBED_MODEL":   &cfg.LLM.EmbeddingModel,
		"ANALYST_RERANK_URL":    &cfg.Rerank.URL,
		"ANALYST_WEAVIATE_URL":  &cfg.Vectors.Weaviate.URL,
		"ANALYST_KAFKA_BROKERS": &cfg.Failures.DeadLetter.Brokers,
	}
	for env, field := range overrides {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*field = v
		}
	}
}
