// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package producer appends events to the durable stream. The ingestion
// edge publishes trace/span/feedback mutations through it and returns to
// the caller without waiting for any downstream processing.
package producer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/spanstream/events"
	"github.com/absmach/spanstream/stream"
)

// Producer encodes envelopes and appends them to one stream.
type Producer struct {
	broker stream.Stream
	codec  *events.Codec
	stream string
	logger *slog.Logger
}

// New creates a producer for the named stream.
func New(broker stream.Stream, codec *events.Codec, streamName string, logger *slog.Logger) (*Producer, error) {
	if broker == nil {
		return nil, fmt.Errorf("producer: broker cannot be nil")
	}
	if codec == nil {
		return nil, fmt.Errorf("producer: codec cannot be nil")
	}
	if streamName == "" {
		return nil, fmt.Errorf("producer: stream name cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{broker: broker, codec: codec, stream: streamName, logger: logger}, nil
}

// Publish appends one envelope and returns the broker-assigned message ID.
func (p *Producer) Publish(ctx context.Context, env events.Envelope) (string, error) {
	values, err := p.codec.Encode(env)
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", env.ID, err)
	}

	id, err := p.broker.Add(ctx, p.stream, values)
	if err != nil {
		return "", fmt.Errorf("append event %s: %w", env.ID, err)
	}

	p.logger.Debug("event published",
		slog.String("stream", p.stream),
		slog.String("event_id", env.ID),
		slog.String("message_id", id),
		slog.String("type", string(env.Type)))
	return id, nil
}
