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

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaDeadLetter_Publish(t *testing.T) {
	w := &fakeWriter{}
	dl := &KafkaDeadLetter{writer: w, timeout: time.Second}

	rec := FailureRecord{ID: "abc", ResourceKey: "embedding", OperationKind: "embed_chunk", Status: StatusFailed}
	require.NoError(t, dl.Publish(context.Background(), rec))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "abc", string(w.msgs[0].Key))
	var decoded FailureRecord
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, StatusFailed, decoded.Status)
	assert.Equal(t, "resource_key", w.msgs[0].Headers[0].Key)

	require.NoError(t, dl.Close())
	assert.True(t, w.closed)
}

func TestKafkaDeadLetter_WriteError(t *testing.T) {
	dl := &KafkaDeadLetter{writer: &fakeWriter{err: errors.New("no brokers")}, timeout: time.Second}
	err := dl.Publish(context.Background(), FailureRecord{ID: "x"})
	assert.ErrorContains(t, err, "no brokers")
}

func TestNewKafkaDeadLetter_RequiresConfig(t *testing.T) {
	_, err := NewKafkaDeadLetter(KafkaConfig{})
	assert.Error(t, err)

	dl, err := NewKafkaDeadLetter(KafkaConfig{Brokers: "localhost:9092", Topic: "analyst.failures"})
	require.NoError(t, err)
	assert.NoError(t, dl.Close())
}
