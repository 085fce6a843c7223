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
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/AleutianAI/analyst/services/analyst/telemetry"
)

// DeadLetterPublisher receives records that reached FAILED.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, rec FailureRecord) error
	Close() error
}

// KafkaConfig configures the Kafka dead-letter publisher.
type KafkaConfig struct {
	// Brokers is a comma-separated bootstrap list.
	Brokers string `yaml:"brokers" json:"brokers"`

	// Topic receives one message per FAILED record.
	Topic string `yaml:"topic" json:"topic"`

	// WriteTimeout bounds one publish. Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// Enabled reports whether enough is configured to publish.
func (c KafkaConfig) Enabled() bool {
	return strings.TrimSpace(c.Brokers) != "" && c.Topic != ""
}

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDeadLetter publishes FAILED records to a Kafka topic as JSON.
//
// The message key is the record id so every message about one record lands
// on the same partition. Thread Safety: Safe for concurrent use.
type KafkaDeadLetter struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaDeadLetter creates a synchronous publisher requiring one ack.
func NewKafkaDeadLetter(cfg KafkaConfig) (*KafkaDeadLetter, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("kafka dead letter: brokers and topic are required")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		WriteTimeout: timeout,
	}
	return &KafkaDeadLetter{writer: w, timeout: timeout}, nil
}

// Publish implements DeadLetterPublisher.
func (k *KafkaDeadLetter) Publish(ctx context.Context, rec FailureRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", rec.ID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(rec.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "resource_key", Value: []byte(rec.ResourceKey)},
			{Key: "operation_kind", Value: []byte(rec.OperationKind)},
		},
		Time: time.Now(),
	}
	// Consumers can continue the trace that marked the record failed.
	for key, value := range telemetry.InjectToMap(ctx, nil) {
		msg.Headers = append(msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish dead letter %s: %w", rec.ID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaDeadLetter) Close() error {
	return k.writer.Close()
}
