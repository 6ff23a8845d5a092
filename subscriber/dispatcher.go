// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/spanstream/stream"
)

// PayloadField is the conventional field name producers store the event
// body under. The engine itself is payload-agnostic; the field only matters
// for no-op detection.
const PayloadField = "payload"

// pollOnce reads one batch from the group and dispatches it. An empty
// long-poll window is not an error.
func (s *Subscriber) pollOnce(ctx context.Context) error {
	msgs, err := s.broker.ReadGroup(ctx, s.cfg.Stream, s.cfg.Group, s.cfg.Consumer, s.cfg.BatchSize, s.cfg.LongPollTimeout)
	if err != nil {
		if errors.Is(err, stream.ErrNoMessages) {
			return nil
		}
		return err
	}

	s.dispatch(ctx, msgs)
	return nil
}

// dispatch runs the handler over a batch with bounded parallelism and
// routes every outcome through the tracker. It returns once the whole
// batch has been handed off and completed; the poll loop therefore
// processes batches sequentially while messages within a batch run
// concurrently. If the subscriber is stopping, messages not yet dispatched
// stay pending for another consumer to claim.
func (s *Subscriber) dispatch(ctx context.Context, msgs []stream.Message) {
	// Handlers and acknowledgements must not be interrupted by Stop;
	// draining relies on in-flight invocations running to completion.
	workCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, msg := range msgs {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(m stream.Message) {
			defer wg.Done()
			defer s.sem.Release(1)
			s.process(workCtx, m)
		}(msg)
	}
	wg.Wait()
}

// process runs one handler invocation and applies the resulting action.
func (s *Subscriber) process(ctx context.Context, msg stream.Message) {
	s.metrics.recordInflight(ctx, 1)
	defer s.metrics.recordInflight(ctx, -1)

	var handlerErr error
	if !isNoOp(msg) {
		handlerErr = s.invoke(ctx, msg)
	}

	var failure Failure
	if handlerErr != nil {
		failure = s.classify(handlerErr)
	}

	switch s.tracker.resolve(ctx, s.cfg.Stream, s.cfg.Group, msg.ID, handlerErr, failure) {
	case actionAck:
		s.metrics.recordProcessed(ctx)
		s.ack(ctx, msg.ID)
	case actionAbandon:
		s.metrics.recordFailed(ctx)
		s.ack(ctx, msg.ID)
	case actionRetry:
		s.metrics.recordFailed(ctx)
		// No acknowledgement: the message stays pending and is
		// redelivered on a later poll or claim cycle.
		s.logger.Debug("leaving message pending for retry",
			slog.String("message_id", msg.ID),
			slog.String("error", handlerErr.Error()))
	}
}

// invoke runs the handler, converting a panic into an ordinary error so a
// crashing handler never takes down the poll loop.
func (s *Subscriber) invoke(ctx context.Context, msg stream.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, msg)
}

func (s *Subscriber) ack(ctx context.Context, id string) {
	if err := s.broker.Ack(ctx, s.cfg.Stream, s.cfg.Group, id); err != nil {
		// The message stays pending and will be claimed and re-handled;
		// at-least-once semantics absorb the duplicate.
		s.logger.Error("acknowledge failed",
			slog.String("message_id", id),
			slog.String("error", err.Error()))
	}
}

// isNoOp reports whether a message carries nothing to process: producers
// emit tombstones with an empty payload field, which are acknowledged
// without invoking the handler.
func isNoOp(msg stream.Message) bool {
	if len(msg.Values) == 0 {
		return true
	}
	payload, ok := msg.Values[PayloadField]
	return ok && payload == "" && len(msg.Values) == 1
}
