// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/spanstream/events"
	"github.com/absmach/spanstream/stream"
	"github.com/absmach/spanstream/subscriber"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func encode(t *testing.T, codec *events.Codec, typ events.Type) (events.Envelope, stream.Message) {
	t.Helper()
	env, err := events.New(typ, "ws-1", "proj-1", map[string]string{"k": "v"})
	require.NoError(t, err)
	values, err := codec.Encode(env)
	require.NoError(t, err)
	return env, stream.Message{ID: "1-0", Values: values}
}

func TestRouterDispatchesByType(t *testing.T) {
	ctx := context.Background()
	codec, err := events.NewCodec(0)
	require.NoError(t, err)

	var traceIDs, spanIDs []string
	r := NewRouter(codec, testLogger()).
		On(events.TraceCreated, func(ctx context.Context, env events.Envelope) error {
			traceIDs = append(traceIDs, env.ID)
			return nil
		}).
		On(events.SpanCreated, func(ctx context.Context, env events.Envelope) error {
			spanIDs = append(spanIDs, env.ID)
			return nil
		})

	traceEnv, traceMsg := encode(t, codec, events.TraceCreated)
	spanEnv, spanMsg := encode(t, codec, events.SpanCreated)

	require.NoError(t, r.Handle(ctx, traceMsg))
	require.NoError(t, r.Handle(ctx, spanMsg))

	assert.Equal(t, []string{traceEnv.ID}, traceIDs)
	assert.Equal(t, []string{spanEnv.ID}, spanIDs)
}

func TestRouterRunsHandlersInOrderUntilError(t *testing.T) {
	ctx := context.Background()
	codec, err := events.NewCodec(0)
	require.NoError(t, err)

	var calls []string
	r := NewRouter(codec, testLogger()).
		On(events.TraceDeleted, func(ctx context.Context, env events.Envelope) error {
			calls = append(calls, "first")
			return nil
		}).
		On(events.TraceDeleted, func(ctx context.Context, env events.Envelope) error {
			calls = append(calls, "second")
			return fmt.Errorf("sink down")
		}).
		On(events.TraceDeleted, func(ctx context.Context, env events.Envelope) error {
			calls = append(calls, "third")
			return nil
		})

	_, msg := encode(t, codec, events.TraceDeleted)
	err = r.Handle(ctx, msg)
	require.Error(t, err)
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Equal(t, subscriber.Transient, subscriber.DefaultClassifier(err))
}

func TestRouterIgnoresTombstonesAndUnknownTypes(t *testing.T) {
	ctx := context.Background()
	codec, err := events.NewCodec(0)
	require.NoError(t, err)

	r := NewRouter(codec, testLogger())

	// No payload: acknowledged as a no-op.
	assert.NoError(t, r.Handle(ctx, stream.Message{ID: "1-0", Values: map[string]string{}}))

	// A decodable event with no registered handler is dropped, not retried.
	_, msg := encode(t, codec, events.FeedbackScoreCreated)
	assert.NoError(t, r.Handle(ctx, msg))
}

func TestRouterUndecodablePayloadIsPermanent(t *testing.T) {
	ctx := context.Background()
	codec, err := events.NewCodec(0)
	require.NoError(t, err)

	r := NewRouter(codec, testLogger())
	err = r.Handle(ctx, stream.Message{
		ID:     "1-0",
		Values: map[string]string{events.FieldPayload: "garbage"},
	})
	require.Error(t, err)
	assert.Equal(t, subscriber.Permanent, subscriber.DefaultClassifier(err))
}
