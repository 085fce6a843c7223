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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/analyst/services/analyst/resilience"
)

type embedItem struct {
	DocID string `json:"doc_id"`
	Text  string `json:"text"`
}

func TestChunkSink_RecordsUnrecoverableItems(t *testing.T) {
	store, err := OpenBadgerStore(InMemoryBadgerConfig(), nil)
	require.NoError(t, err)
	defer store.Close()

	clock := newTestClock()
	svc, err := NewService(store, ServiceConfig{MaxRetries: DefaultMaxRetries}, WithServiceClock(clock.Now))
	require.NoError(t, err)

	sink := NewChunkSink(svc, "embedding", "embed_chunk", func(it embedItem) string { return it.DocID })

	retry, err := resilience.NewRetryExecutor(resilience.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond})
	require.NoError(t, err)
	proc, err := resilience.NewChunkProcessor[embedItem, int](
		resilience.ChunkConfig{ChunkSize: 2, MaxConcurrentChunks: 2},
		retry,
		resilience.WithFailureSink[embedItem](sink),
	)
	require.NoError(t, err)

	items := []embedItem{{"d1", "a"}, {"d2", "b"}, {"d3", "c"}, {"d4", "d"}, {"d5", "e"}}
	results := proc.ProcessChunks(context.Background(), items, func(_ context.Context, it embedItem) (int, error) {
		if it.DocID == "d3" {
			return 0, errors.New("embedding rejected input")
		}
		return len(it.Text), nil
	}, "index-run")

	assert.Len(t, results, 4)

	recs, err := svc.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "index-run/d3", recs[0].ItemIdentifier)
	assert.Equal(t, "embedding", recs[0].ResourceKey)
	assert.Equal(t, "embedding rejected input", recs[0].OriginalError)

	var decoded embedItem
	require.NoError(t, json.Unmarshal(recs[0].ItemPayload, &decoded))
	assert.Equal(t, items[2], decoded)
}
