// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/absmach/spanstream/storage"
)

// action is the tracker's verdict for one handler invocation.
type action int

const (
	// actionAck acknowledges and removes the message: the handler succeeded.
	actionAck action = iota
	// actionRetry leaves the message pending for redelivery.
	actionRetry
	// actionAbandon acknowledges and removes the message without success:
	// either the failure was permanent or the retry budget is spent.
	actionAbandon
)

// tracker owns the per-message attempt counts and the success/failure
// totals. All outcome decisions funnel through resolve, which keeps the
// counter updates on one serialized path per message.
type tracker struct {
	attempts   storage.AttemptStore
	maxRetries int
	logger     *slog.Logger

	success atomic.Int64
	failure atomic.Int64
}

func newTracker(attempts storage.AttemptStore, maxRetries int, logger *slog.Logger) *tracker {
	return &tracker{
		attempts:   attempts,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// resolve converts a handler outcome into an acknowledgement action.
// handlerErr is nil on success; failure is its classification otherwise.
// The failure counter is incremented once per failed attempt, not once per
// message, so observed totals reflect every attempt made.
func (t *tracker) resolve(ctx context.Context, streamName, group, id string, handlerErr error, failure Failure) action {
	if handlerErr == nil {
		t.success.Add(1)
		t.forget(ctx, streamName, group, id)
		return actionAck
	}

	t.failure.Add(1)

	if failure == Permanent {
		t.logger.Warn("abandoning message after permanent failure",
			slog.String("message_id", id),
			slog.String("error", handlerErr.Error()))
		t.forget(ctx, streamName, group, id)
		return actionAbandon
	}

	count, err := t.attempts.Incr(ctx, streamName, group, id)
	if err != nil {
		// If the attempt store is unavailable we cannot prove the budget
		// is spent, so keep the message pending rather than abandon early.
		t.logger.Error("attempt store increment failed",
			slog.String("message_id", id),
			slog.String("error", err.Error()))
		return actionRetry
	}

	if count >= t.maxRetries {
		t.logger.Warn("abandoning message after exhausting retries",
			slog.String("message_id", id),
			slog.Int("attempts", count),
			slog.String("error", handlerErr.Error()))
		t.forget(ctx, streamName, group, id)
		return actionAbandon
	}

	return actionRetry
}

func (t *tracker) forget(ctx context.Context, streamName, group, id string) {
	if err := t.attempts.Forget(ctx, streamName, group, id); err != nil {
		t.logger.Error("attempt store forget failed",
			slog.String("message_id", id),
			slog.String("error", err.Error()))
	}
}
