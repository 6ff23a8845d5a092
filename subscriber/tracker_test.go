// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/spanstream/storage"
)

// brokenAttempts fails every operation, simulating an unavailable store.
type brokenAttempts struct{}

func (brokenAttempts) Incr(ctx context.Context, stream, group, id string) (int, error) {
	return 0, fmt.Errorf("store unavailable")
}

func (brokenAttempts) Forget(ctx context.Context, stream, group, id string) error {
	return fmt.Errorf("store unavailable")
}

func TestTrackerResolveSuccess(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryAttempts()
	tr := newTracker(store, 3, testLogger())

	// A prior failed attempt left a count behind.
	_, err := store.Incr(ctx, "s", "g", "1-0")
	require.NoError(t, err)

	got := tr.resolve(ctx, "s", "g", "1-0", nil, Transient)
	assert.Equal(t, actionAck, got)
	assert.Equal(t, int64(1), tr.success.Load())
	assert.Equal(t, int64(0), tr.failure.Load())

	// The count was forgotten: a fresh failure starts over at one.
	n, err := store.Incr(ctx, "s", "g", "1-0")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTrackerResolveTransientBelowBudget(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(storage.NewMemoryAttempts(), 3, testLogger())

	failure := fmt.Errorf("timeout")
	assert.Equal(t, actionRetry, tr.resolve(ctx, "s", "g", "1-0", failure, Transient))
	assert.Equal(t, actionRetry, tr.resolve(ctx, "s", "g", "1-0", failure, Transient))
	assert.Equal(t, actionAbandon, tr.resolve(ctx, "s", "g", "1-0", failure, Transient))

	assert.Equal(t, int64(3), tr.failure.Load())
	assert.Equal(t, int64(0), tr.success.Load())
}

func TestTrackerResolvePermanent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryAttempts()
	tr := newTracker(store, 3, testLogger())

	got := tr.resolve(ctx, "s", "g", "1-0", fmt.Errorf("bad payload"), Permanent)
	assert.Equal(t, actionAbandon, got)
	assert.Equal(t, int64(1), tr.failure.Load())
}

func TestTrackerResolveCountsArePerMessage(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(storage.NewMemoryAttempts(), 2, testLogger())

	failure := fmt.Errorf("timeout")
	assert.Equal(t, actionRetry, tr.resolve(ctx, "s", "g", "1-0", failure, Transient))
	assert.Equal(t, actionRetry, tr.resolve(ctx, "s", "g", "2-0", failure, Transient))
	assert.Equal(t, actionAbandon, tr.resolve(ctx, "s", "g", "1-0", failure, Transient))
	assert.Equal(t, actionAbandon, tr.resolve(ctx, "s", "g", "2-0", failure, Transient))
}

func TestTrackerResolveStoreFailureKeepsRetrying(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(brokenAttempts{}, 1, testLogger())

	// With the store down the budget cannot be proven spent, so the message
	// is never abandoned early.
	failure := fmt.Errorf("timeout")
	for i := 0; i < 5; i++ {
		assert.Equal(t, actionRetry, tr.resolve(ctx, "s", "g", "1-0", failure, Transient))
	}
}
