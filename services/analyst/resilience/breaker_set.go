// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"sort"
	"sync"
)

// Well-known resource names. Each owns an independent breaker.
const (
	ResourceLLM       = "llm"
	ResourceEmbedding = "embedding"
	ResourceRerank    = "rerank"
	ResourceVectorDB  = "vector-db"
)

// DefaultBreakerConfigs returns per-resource thresholds.
//
// The rerank endpoint trips sooner (3 failures) because callers can always
// fall back to the original ordering.
func DefaultBreakerConfigs() map[string]CircuitBreakerConfig {
	rerank := DefaultCircuitBreakerConfig()
	rerank.FailureThreshold = 3
	return map[string]CircuitBreakerConfig{
		ResourceLLM:       DefaultCircuitBreakerConfig(),
		ResourceEmbedding: DefaultCircuitBreakerConfig(),
		ResourceRerank:    rerank,
		ResourceVectorDB:  DefaultCircuitBreakerConfig(),
	}
}

// MergeBreakerConfigs overlays configs on DefaultBreakerConfigs field by
// field: a zero field in an override keeps the resource's default, so
// overriding only the rerank timeout keeps its lower failure threshold.
func MergeBreakerConfigs(configs map[string]CircuitBreakerConfig) map[string]CircuitBreakerConfig {
	merged := DefaultBreakerConfigs()
	for name, cfg := range configs {
		base, ok := merged[name]
		if !ok {
			base = DefaultCircuitBreakerConfig()
		}
		if cfg.FailureThreshold > 0 {
			base.FailureThreshold = cfg.FailureThreshold
		}
		if cfg.SuccessThreshold > 0 {
			base.SuccessThreshold = cfg.SuccessThreshold
		}
		if cfg.Timeout > 0 {
			base.Timeout = cfg.Timeout
		}
		merged[name] = base
	}
	return merged
}

// BreakerSet owns the named breakers of one process.
//
// It is an explicitly constructed value handed to whichever clients need
// breakers; there is no package-level instance.
//
// Thread Safety: Safe for concurrent use.
type BreakerSet struct {
	mu       sync.RWMutex
	configs  map[string]CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
	opts     []BreakerOption
}

// NewBreakerSet creates a set from per-resource configs.
//
// configs are merged with MergeBreakerConfigs. Resources not present in
// either get DefaultCircuitBreakerConfig when first requested.
func NewBreakerSet(configs map[string]CircuitBreakerConfig, opts ...BreakerOption) *BreakerSet {
	return &BreakerSet{
		configs:  MergeBreakerConfigs(configs),
		breakers: make(map[string]*CircuitBreaker),
		opts:     opts,
	}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[name]; ok {
		return cb
	}
	cfg, ok := s.configs[name]
	if !ok {
		cfg = DefaultCircuitBreakerConfig()
	}
	cb = NewCircuitBreaker(name, cfg, s.opts...)
	s.breakers[name] = cb
	return cb
}

// Stats returns snapshots of every breaker created so far, sorted by name.
func (s *BreakerSet) Stats() []CircuitBreakerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make([]CircuitBreakerStatistics, 0, len(s.breakers))
	for _, cb := range s.breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
