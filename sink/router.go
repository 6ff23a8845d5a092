// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sink hosts the side-effecting consumers that run behind the
// subscriber engine: a router that dispatches decoded events by type, and
// concrete sinks such as the webhook notifier.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/spanstream/events"
	"github.com/absmach/spanstream/stream"
	"github.com/absmach/spanstream/subscriber"
)

// EventHandler processes one decoded event.
type EventHandler func(ctx context.Context, env events.Envelope) error

// Router decodes stream messages into envelopes and dispatches them to the
// handler registered for their type. Its Handle method is a
// subscriber.Handler, so a router composes directly with the engine.
type Router struct {
	codec  *events.Codec
	routes map[events.Type][]EventHandler
	logger *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(codec *events.Codec, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		codec:  codec,
		routes: make(map[events.Type][]EventHandler),
		logger: logger,
	}
}

// On registers a handler for an event type. Multiple handlers per type run
// in registration order; the first error aborts the chain so the engine
// can retry the message as a whole.
func (r *Router) On(t events.Type, h EventHandler) *Router {
	r.routes[t] = append(r.routes[t], h)
	return r
}

// Handle implements subscriber.Handler.
func (r *Router) Handle(ctx context.Context, msg stream.Message) error {
	env, err := r.codec.Decode(msg.Values)
	if err != nil {
		if errors.Is(err, events.ErrNoPayload) {
			return nil
		}
		// A payload that cannot be decoded will not decode any better on
		// a retry.
		return fmt.Errorf("%w: decode %s: %w", subscriber.ErrPermanent, msg.ID, err)
	}

	handlers, ok := r.routes[env.Type]
	if !ok {
		r.logger.Warn("no handler registered for event type",
			slog.String("type", string(env.Type)),
			slog.String("event_id", env.ID))
		return nil
	}

	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			return fmt.Errorf("handle %s event %s: %w", env.Type, env.ID, err)
		}
	}
	return nil
}
