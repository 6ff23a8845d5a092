// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badgerattempts persists per-message attempt counts in BadgerDB so
// retry ceilings survive consumer crashes and claims by other consumers.
package badgerattempts

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const attemptPrefix = "attempts:"

// DefaultTTL bounds how long an attempt record outlives its message. Acked
// messages are forgotten explicitly; the TTL cleans up after crashes that
// abandon records.
const DefaultTTL = 24 * time.Hour

// Store is a Badger-backed attempt store.
type Store struct {
	db  *badger.DB
	ttl time.Duration
}

// New creates an attempt store over an open Badger database.
func New(db *badger.DB) *Store {
	return &Store{db: db, ttl: DefaultTTL}
}

// NewWithTTL creates an attempt store with a custom record TTL.
func NewWithTTL(db *badger.DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl}
}

func key(stream, group, id string) []byte {
	return []byte(attemptPrefix + stream + "/" + group + "/" + id)
}

func (s *Store) Incr(ctx context.Context, stream, group, id string) (int, error) {
	var count uint64

	err := s.db.Update(func(txn *badger.Txn) error {
		k := key(stream, group, id)

		item, err := txn.Get(k)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					count = binary.BigEndian.Uint64(val)
				}
				return nil
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}

		count++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, count)

		e := badger.NewEntry(k, buf)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return 0, fmt.Errorf("increment attempts for %s: %w", id, err)
	}

	return int(count), nil
}

func (s *Store) Forget(ctx context.Context, stream, group, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(stream, group, id))
	})
	if err != nil {
		return fmt.Errorf("forget attempts for %s: %w", id, err)
	}
	return nil
}
