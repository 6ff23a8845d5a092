// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis implements stream.Stream on Redis Streams. Consumer-group
// reads map to XREADGROUP, acknowledgement to XACK followed by XDEL so the
// stream drains as the group completes its backlog, and orphan recovery to
// XPENDING/XCLAIM.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/absmach/spanstream/stream"
)

// ErrClientRequired is returned when no Redis client is provided.
var ErrClientRequired = errors.New("redis client is required")

// Client is the subset of go-redis used by the stream. *redis.Client,
// *redis.ClusterClient and redis.UniversalClient all satisfy it.
type Client interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *goredis.StatusCmd
	XReadGroup(ctx context.Context, a *goredis.XReadGroupArgs) *goredis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *goredis.IntCmd
	XDel(ctx context.Context, stream string, ids ...string) *goredis.IntCmd
	XPendingExt(ctx context.Context, a *goredis.XPendingExtArgs) *goredis.XPendingExtCmd
	XClaim(ctx context.Context, a *goredis.XClaimArgs) *goredis.XMessageSliceCmd
	XInfoConsumers(ctx context.Context, key, group string) *goredis.XInfoConsumersCmd
	XGroupDelConsumer(ctx context.Context, stream, group, consumer string) *goredis.IntCmd
	XLen(ctx context.Context, stream string) *goredis.IntCmd
}

// Stream is a Redis Streams-backed broker.
type Stream struct {
	client Client
	maxLen int64 // approximate MAXLEN trim on append, 0 = unbounded
}

// Option configures a Stream.
type Option func(*Stream)

// WithMaxLen enables approximate MAXLEN trimming on append. Acknowledged
// messages are deleted anyway; the cap bounds growth when consumers fall
// far behind.
func WithMaxLen(n int64) Option {
	return func(s *Stream) { s.maxLen = n }
}

// New creates a Redis-backed stream over a pre-initialized client.
func New(client Client, opts ...Option) (*Stream, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	s := &Stream{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Stream) Add(ctx context.Context, name string, values map[string]string) (string, error) {
	vals := make(map[string]interface{}, len(values))
	for k, v := range values {
		vals[k] = v
	}

	args := &goredis.XAddArgs{
		Stream: name,
		Values: vals,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", name, err)
	}
	return id, nil
}

func (s *Stream) CreateGroup(ctx context.Context, name, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, name, group, "0").Err()
	if err != nil && !IsBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", group, name, err)
	}
	return nil
}

// IsBusyGroup reports whether err is the Redis BUSYGROUP reply returned
// when the consumer group already exists. Idempotent group creation
// treats it as success.
func IsBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (s *Stream) ReadGroup(ctx context.Context, name, group, consumer string, count int64, timeout time.Duration) ([]stream.Message, error) {
	res, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{name, ">"},
		Count:    count,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, stream.ErrNoMessages
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", name, group, err)
	}

	var msgs []stream.Message
	for _, str := range res {
		for _, m := range str.Messages {
			msgs = append(msgs, toMessage(m))
		}
	}
	if len(msgs) == 0 {
		return nil, stream.ErrNoMessages
	}
	return msgs, nil
}

func (s *Stream) Ack(ctx context.Context, name, group, id string) error {
	if err := s.client.XAck(ctx, name, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", id, err)
	}
	// The group owning the stream removes handled messages so the stream
	// does not grow without bound.
	if err := s.client.XDel(ctx, name, id).Err(); err != nil {
		return fmt.Errorf("xdel %s: %w", id, err)
	}
	return nil
}

func (s *Stream) Pending(ctx context.Context, name, group string, minIdle time.Duration, count int64) ([]stream.PendingEntry, error) {
	if count <= 0 {
		count = 100
	}
	res, err := s.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: name,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
		Idle:   minIdle,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending %s/%s: %w", name, group, err)
	}

	out := make([]stream.PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, stream.PendingEntry{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return out, nil
}

func (s *Stream) Claim(ctx context.Context, name, group, consumer string, minIdle time.Duration, ids []string) ([]stream.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	res, err := s.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   name,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xclaim %s/%s: %w", name, group, err)
	}

	msgs := make([]stream.Message, 0, len(res))
	for _, m := range res {
		msgs = append(msgs, toMessage(m))
	}
	return msgs, nil
}

func (s *Stream) Consumers(ctx context.Context, name, group string) ([]stream.ConsumerInfo, error) {
	res, err := s.client.XInfoConsumers(ctx, name, group).Result()
	if err != nil {
		return nil, fmt.Errorf("xinfo consumers %s/%s: %w", name, group, err)
	}

	out := make([]stream.ConsumerInfo, 0, len(res))
	for _, c := range res {
		out = append(out, stream.ConsumerInfo{
			Name:    c.Name,
			Pending: c.Pending,
			Idle:    c.Idle,
		})
	}
	return out, nil
}

// parkedConsumer is the shared group identity that inherits pending entries
// from removed consumers. It never reads, so its entries go idle and are
// picked up by any live consumer's claim cycle.
const parkedConsumer = "parked"

// RemoveConsumer deregisters a consumer. XGROUP DELCONSUMER discards the
// consumer's remaining pending entries, which would strand messages left
// unacknowledged for retry, so those entries are first reassigned to the
// parked identity to keep them claimable.
func (s *Stream) RemoveConsumer(ctx context.Context, name, group, consumer string) error {
	if consumer != parkedConsumer {
		if err := s.parkPending(ctx, name, group, consumer); err != nil {
			return err
		}
	}

	if err := s.client.XGroupDelConsumer(ctx, name, group, consumer).Err(); err != nil {
		return fmt.Errorf("delconsumer %s/%s/%s: %w", name, group, consumer, err)
	}
	return nil
}

func (s *Stream) parkPending(ctx context.Context, name, group, consumer string) error {
	for {
		res, err := s.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
			Stream:   name,
			Group:    group,
			Start:    "-",
			End:      "+",
			Count:    100,
			Consumer: consumer,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return nil
			}
			return fmt.Errorf("xpending %s for %s: %w", name, consumer, err)
		}
		if len(res) == 0 {
			return nil
		}

		ids := make([]string, 0, len(res))
		for _, p := range res {
			ids = append(ids, p.ID)
		}
		err = s.client.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   name,
			Group:    group,
			Consumer: parkedConsumer,
			MinIdle:  0,
			Messages: ids,
		}).Err()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("park pending of %s: %w", consumer, err)
		}
	}
}

func (s *Stream) Len(ctx context.Context, name string) (int64, error) {
	n, err := s.client.XLen(ctx, name).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", name, err)
	}
	return n, nil
}

func toMessage(m goredis.XMessage) stream.Message {
	values := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if sv, ok := v.(string); ok {
			values[k] = sv
		} else {
			values[k] = fmt.Sprint(v)
		}
	}
	return stream.Message{ID: m.ID, Values: values}
}

// Compile-time check.
var _ stream.Stream = (*Stream)(nil)
