// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"context"
	"fmt"
	"log/slog"
)

// reclaimOnce scans the group's pending entries for messages idle longer
// than PendingMessageDuration, claims them for this consumer, and feeds
// them through the same dispatch path as a fresh batch. Without this a
// consumer crash between delivery and acknowledgement would strand its
// messages until an operator intervened; with it, any live consumer
// recovers any dead consumer's work.
func (s *Subscriber) reclaimOnce(ctx context.Context) error {
	entries, err := s.broker.Pending(ctx, s.cfg.Stream, s.cfg.Group, s.cfg.PendingMessageDuration, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}

	// Entries this consumer still owns are included: group reads have
	// only-new semantics, so a message left pending for retry comes back
	// only through a claim. An entry idle past the threshold is stalled
	// whoever owns it.
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	if len(ids) == 0 {
		return nil
	}

	msgs, err := s.broker.Claim(ctx, s.cfg.Stream, s.cfg.Group, s.cfg.Consumer, s.cfg.PendingMessageDuration, ids)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	s.logger.Info("claimed orphaned messages",
		slog.Int("count", len(msgs)))
	s.metrics.recordClaimed(ctx, int64(len(msgs)))

	// Claimed messages run through the normal outcome path. With the
	// default attempt store the count restarts in this process, which is
	// the accepted trade-off of keeping attempts process-local.
	s.dispatch(ctx, msgs)
	return nil
}
