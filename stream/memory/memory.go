// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory stream.Stream implementation with
// full consumer-group semantics: a shared group cursor, a pending-entry
// list per group, idle-based claims and blocking group reads. It backs the
// engine's tests and single-process deployments.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/spanstream/stream"
)

type entry struct {
	seq    uint64
	id     string
	values map[string]string
}

type pending struct {
	seq           uint64
	consumer      string
	deliveredAt   time.Time
	deliveryCount int64
}

type group struct {
	cursor    uint64              // highest seq ever delivered to the group
	pel       map[string]*pending // message ID -> pending entry
	consumers map[string]time.Time
}

// Store is an in-memory stream broker.
type Store struct {
	mu      sync.Mutex
	streams map[string]*streamState
}

type streamState struct {
	nextSeq uint64
	entries []*entry // ordered by seq; acked entries are removed
	groups  map[string]*group
	notify  chan struct{} // closed and replaced on every append
}

// New creates an empty in-memory broker.
func New() *Store {
	return &Store{streams: make(map[string]*streamState)}
}

func (s *Store) stream(name string, create bool) (*streamState, error) {
	st, ok := s.streams[name]
	if !ok {
		if !create {
			return nil, stream.ErrStreamNotFound
		}
		st = &streamState{
			nextSeq: 1,
			groups:  make(map[string]*group),
			notify:  make(chan struct{}),
		}
		s.streams[name] = st
	}
	return st, nil
}

func (s *Store) Add(ctx context.Context, name string, values map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, _ := s.stream(name, true)

	vals := make(map[string]string, len(values))
	for k, v := range values {
		vals[k] = v
	}

	e := &entry{
		seq:    st.nextSeq,
		id:     strconv.FormatUint(st.nextSeq, 10) + "-0",
		values: vals,
	}
	st.nextSeq++
	st.entries = append(st.entries, e)

	// Wake blocked group readers.
	close(st.notify)
	st.notify = make(chan struct{})

	return e.id, nil
}

func (s *Store) CreateGroup(ctx context.Context, name, groupName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, _ := s.stream(name, true)
	if _, exists := st.groups[groupName]; exists {
		return nil
	}
	st.groups[groupName] = &group{
		pel:       make(map[string]*pending),
		consumers: make(map[string]time.Time),
	}
	return nil
}

func (s *Store) ReadGroup(ctx context.Context, name, groupName, consumer string, count int64, timeout time.Duration) ([]stream.Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		st, err := s.stream(name, false)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		g, ok := st.groups[groupName]
		if !ok {
			s.mu.Unlock()
			return nil, stream.ErrGroupNotFound
		}

		g.consumers[consumer] = time.Now()

		msgs := deliverLocked(st, g, consumer, count)
		if len(msgs) > 0 {
			s.mu.Unlock()
			return msgs, nil
		}

		notify := st.notify
		s.mu.Unlock()

		select {
		case <-notify:
		case <-deadline.C:
			return nil, stream.ErrNoMessages
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func deliverLocked(st *streamState, g *group, consumer string, count int64) []stream.Message {
	var msgs []stream.Message
	now := time.Now()
	for _, e := range st.entries {
		if e.seq <= g.cursor {
			continue
		}
		g.cursor = e.seq
		g.pel[e.id] = &pending{
			seq:           e.seq,
			consumer:      consumer,
			deliveredAt:   now,
			deliveryCount: 1,
		}
		msgs = append(msgs, stream.Message{ID: e.id, Values: e.values})
		if int64(len(msgs)) >= count {
			break
		}
	}
	return msgs
}

func (s *Store) Ack(ctx context.Context, name, groupName, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stream(name, false)
	if err != nil {
		return err
	}
	g, ok := st.groups[groupName]
	if !ok {
		return stream.ErrGroupNotFound
	}

	delete(g.pel, id)

	// Messages are removed from the stream once acknowledged, so the
	// backlog drains to zero as the group works through it.
	for i, e := range st.entries {
		if e.id == id {
			st.entries = append(st.entries[:i], st.entries[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) Pending(ctx context.Context, name, groupName string, minIdle time.Duration, count int64) ([]stream.PendingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stream(name, false)
	if err != nil {
		return nil, err
	}
	g, ok := st.groups[groupName]
	if !ok {
		return nil, stream.ErrGroupNotFound
	}

	now := time.Now()
	var out []stream.PendingEntry
	for id, p := range g.pel {
		idle := now.Sub(p.deliveredAt)
		if idle < minIdle {
			continue
		}
		out = append(out, stream.PendingEntry{
			ID:            id,
			Consumer:      p.consumer,
			Idle:          idle,
			DeliveryCount: p.deliveryCount,
		})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (s *Store) Claim(ctx context.Context, name, groupName, consumer string, minIdle time.Duration, ids []string) ([]stream.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stream(name, false)
	if err != nil {
		return nil, err
	}
	g, ok := st.groups[groupName]
	if !ok {
		return nil, stream.ErrGroupNotFound
	}

	g.consumers[consumer] = time.Now()

	now := time.Now()
	var msgs []stream.Message
	for _, id := range ids {
		p, ok := g.pel[id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}

		e := findEntry(st, p.seq)
		if e == nil {
			// Entry was deleted out from under the group; drop the
			// dangling pending record.
			delete(g.pel, id)
			continue
		}

		p.consumer = consumer
		p.deliveredAt = now
		p.deliveryCount++
		msgs = append(msgs, stream.Message{ID: e.id, Values: e.values})
	}
	return msgs, nil
}

func findEntry(st *streamState, seq uint64) *entry {
	for _, e := range st.entries {
		if e.seq == seq {
			return e
		}
	}
	return nil
}

func (s *Store) Consumers(ctx context.Context, name, groupName string) ([]stream.ConsumerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stream(name, false)
	if err != nil {
		return nil, err
	}
	g, ok := st.groups[groupName]
	if !ok {
		return nil, stream.ErrGroupNotFound
	}

	now := time.Now()
	out := make([]stream.ConsumerInfo, 0, len(g.consumers))
	for c, seen := range g.consumers {
		var pendingCount int64
		for _, p := range g.pel {
			if p.consumer == c {
				pendingCount++
			}
		}
		out = append(out, stream.ConsumerInfo{
			Name:    c,
			Pending: pendingCount,
			Idle:    now.Sub(seen),
		})
	}
	return out, nil
}

func (s *Store) RemoveConsumer(ctx context.Context, name, groupName, consumer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stream(name, false)
	if err != nil {
		return err
	}
	g, ok := st.groups[groupName]
	if !ok {
		return stream.ErrGroupNotFound
	}

	// The consumer disappears from listings, but its pending entries stay
	// in the PEL so surviving consumers can claim them once idle.
	delete(g.consumers, consumer)
	return nil
}

func (s *Store) Len(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[name]
	if !ok {
		return 0, nil
	}
	return int64(len(st.entries)), nil
}

// Compile-time check.
var _ stream.Stream = (*Store)(nil)
