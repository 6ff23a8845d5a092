// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments recorded by a subscriber.
// Instruments report through the global meter provider; the embedding
// process decides whether and where they are exported.
type Metrics struct {
	attrs []attribute.KeyValue

	processed metric.Int64Counter
	failed    metric.Int64Counter
	claimed   metric.Int64Counter
	inflight  metric.Int64UpDownCounter
}

// NewMetrics creates the subscriber instruments, tagged with the stream and
// group they observe.
func NewMetrics(streamName, group string) (*Metrics, error) {
	meter := otel.Meter("spanstream.subscriber")

	m := &Metrics{
		attrs: []attribute.KeyValue{
			attribute.String("stream", streamName),
			attribute.String("group", group),
		},
	}

	var err error

	m.processed, err = meter.Int64Counter(
		"spanstream.messages.processed.total",
		metric.WithDescription("Messages handled successfully"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processed counter: %w", err)
	}

	m.failed, err = meter.Int64Counter(
		"spanstream.messages.failed.total",
		metric.WithDescription("Failed handler attempts, one per attempt"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failed counter: %w", err)
	}

	m.claimed, err = meter.Int64Counter(
		"spanstream.messages.claimed.total",
		metric.WithDescription("Orphaned messages claimed from other consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claimed counter: %w", err)
	}

	m.inflight, err = meter.Int64UpDownCounter(
		"spanstream.messages.inflight",
		metric.WithDescription("Handler invocations currently running"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight gauge: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordProcessed(ctx context.Context) {
	if m == nil {
		return
	}
	m.processed.Add(ctx, 1, metric.WithAttributes(m.attrs...))
}

func (m *Metrics) recordFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(m.attrs...))
}

func (m *Metrics) recordClaimed(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.claimed.Add(ctx, n, metric.WithAttributes(m.attrs...))
}

func (m *Metrics) recordInflight(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.inflight.Add(ctx, delta, metric.WithAttributes(m.attrs...))
}
