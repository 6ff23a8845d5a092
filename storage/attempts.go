// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the attempt-count bookkeeping used by the
// acknowledgement tracker. The default store is process-local, so a message
// claimed by a different consumer starts a fresh count; the Badger-backed
// store in storage/badgerattempts persists counts across claims and
// restarts for deployments that need a strict global retry ceiling.
package storage

import (
	"context"
	"sync"
)

// AttemptStore tracks per-message processing attempts for a consumer group.
type AttemptStore interface {
	// Incr increments the attempt count for a message and returns the new
	// count.
	Incr(ctx context.Context, stream, group, id string) (int, error)

	// Forget discards the attempt count for a message. Called once the
	// message is conclusively acknowledged.
	Forget(ctx context.Context, stream, group, id string) error
}

// MemoryAttempts is the default in-process attempt store.
type MemoryAttempts struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryAttempts creates an empty in-process attempt store.
func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{counts: make(map[string]int)}
}

func attemptKey(stream, group, id string) string {
	return stream + "/" + group + "/" + id
}

func (m *MemoryAttempts) Incr(ctx context.Context, stream, group, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := attemptKey(stream, group, id)
	m.counts[key]++
	return m.counts[key], nil
}

func (m *MemoryAttempts) Forget(ctx context.Context, stream, group, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counts, attemptKey(stream, group, id))
	return nil
}
