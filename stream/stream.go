// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stream defines the durable append-only stream abstraction the
// processing engine consumes from. A stream is an ordered sequence of
// messages with broker-assigned, monotonically increasing IDs; consumer
// groups provide a shared durable cursor with per-message pending-entry
// bookkeeping, so a pool of competing consumers can share one stream.
package stream

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoMessages is returned by ReadGroup when the blocking window
	// expires without any new messages becoming available.
	ErrNoMessages = errors.New("no messages available")

	// ErrStreamNotFound is returned when an operation references a stream
	// that does not exist.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrGroupNotFound is returned when an operation references a consumer
	// group that has not been created on the stream.
	ErrGroupNotFound = errors.New("consumer group not found")
)

// Message is a single stream entry. Values is a flat field map; the engine
// is payload-agnostic, but producers conventionally store the event body
// under the "payload" field.
type Message struct {
	ID     string
	Values map[string]string
}

// PendingEntry describes a delivered-but-unacknowledged message as tracked
// by the broker for a consumer group.
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// ConsumerInfo describes a consumer registered in a group.
type ConsumerInfo struct {
	Name    string
	Pending int64
	Idle    time.Duration
}

// Stream is the capability interface over the durable broker. Implementations
// must be safe for concurrent use; the broker owns delivery and pending-entry
// state and is the single source of truth for both.
type Stream interface {
	// Add appends a message to the stream and returns the broker-assigned ID.
	Add(ctx context.Context, stream string, values map[string]string) (string, error)

	// CreateGroup creates a consumer group starting at the beginning of the
	// stream. Creating a group that already exists is not an error.
	CreateGroup(ctx context.Context, stream, group string) error

	// ReadGroup reads up to count messages not yet delivered to the group,
	// assigning them to consumer. It blocks up to timeout when no messages
	// are immediately available and returns ErrNoMessages on expiry.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, timeout time.Duration) ([]Message, error)

	// Ack acknowledges a delivered message and removes it from the stream,
	// so the stream drains as the group conclusively handles its backlog.
	Ack(ctx context.Context, stream, group, id string) error

	// Pending lists pending entries for the group whose idle time is at
	// least minIdle. A zero minIdle lists everything.
	Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error)

	// Claim reassigns ownership of the given pending entries to consumer,
	// resetting their idle time, and returns the claimed messages. Entries
	// that no longer exist are skipped.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Message, error)

	// Consumers lists the consumers known to the group.
	Consumers(ctx context.Context, stream, group string) ([]ConsumerInfo, error)

	// RemoveConsumer removes a consumer from the group. Its pending entries
	// remain pending and become claimable by other consumers.
	RemoveConsumer(ctx context.Context, stream, group, consumer string) error

	// Len returns the number of messages currently in the stream.
	Len(ctx context.Context, stream string) (int64, error)
}
