// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badgerattempts

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIncrAndForget(t *testing.T) {
	ctx := context.Background()
	s := New(openDB(t))

	n, err := s.Incr(ctx, "events", "workers", "1-0")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Incr(ctx, "events", "workers", "1-0")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Incr(ctx, "events", "workers", "2-0")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Forget(ctx, "events", "workers", "1-0"))
	n, err = s.Incr(ctx, "events", "workers", "1-0")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordsExpire(t *testing.T) {
	ctx := context.Background()
	s := NewWithTTL(openDB(t), 50*time.Millisecond)

	n, err := s.Incr(ctx, "events", "workers", "1-0")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	time.Sleep(100 * time.Millisecond)

	// The stale record lapsed; the count starts over.
	n, err = s.Incr(ctx, "events", "workers", "1-0")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
