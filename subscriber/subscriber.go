// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscriber implements the reliable consumer-group engine that
// drives the platform's asynchronous processing. Each Subscriber joins a
// consumer group on a durable stream as a uniquely identified consumer,
// reads batches of messages, runs a handler over them with bounded
// parallelism, and acknowledges each message exactly once: after a
// successful attempt, after a permanent failure, or after the transient
// retry budget is spent. A periodic reclaimer claims messages abandoned by
// crashed consumers so nothing is stranded. Delivery is at-least-once;
// handlers must tolerate duplicates.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/absmach/spanstream/storage"
	"github.com/absmach/spanstream/stream"
)

// Handler processes one message. A nil return acknowledges the message;
// an error is classified and either retried or abandoned. Handlers run
// concurrently within a batch and must be safe for that.
type Handler func(ctx context.Context, msg stream.Message) error

// State is the lifecycle state of a subscriber instance. Transitions are
// one-directional; a stopped subscriber cannot be restarted.
type State int32

const (
	Created State = iota
	Started
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

var (
	// ErrAlreadyStarted is returned by Start on any state but Created.
	ErrAlreadyStarted = errors.New("subscriber already started")
	// ErrNotStarted is returned by Stop when the subscriber is not running.
	ErrNotStarted = errors.New("subscriber not started")
)

// Config holds the engine's tunables. Zero values fall back to defaults.
type Config struct {
	// Stream and Group name the durable stream and the consumer group read
	// from it.
	Stream string `yaml:"stream"`
	Group  string `yaml:"group"`

	// Consumer is this instance's identity within the group. Defaults to a
	// fresh UUID so competing instances never collide.
	Consumer string `yaml:"consumer"`

	// BatchSize bounds how many messages one poll reads.
	BatchSize int64 `yaml:"batch_size"`

	// PollingInterval is the engine's base cadence; the reclaim period is
	// PollingInterval multiplied by ClaimIntervalRatio.
	PollingInterval time.Duration `yaml:"polling_interval"`

	// LongPollTimeout is how long a group read blocks when the stream has
	// no new messages.
	LongPollTimeout time.Duration `yaml:"long_poll_timeout"`

	// PendingMessageDuration is how long a delivered message may sit
	// unacknowledged before any consumer may claim it.
	PendingMessageDuration time.Duration `yaml:"pending_message_duration"`

	// ClaimIntervalRatio scales PollingInterval into the reclaim period.
	ClaimIntervalRatio int `yaml:"claim_interval_ratio"`

	// MaxRetries bounds transient failures per message before it is
	// abandoned.
	MaxRetries int `yaml:"max_retries"`

	// Parallelism bounds concurrent handler invocations.
	Parallelism int `yaml:"parallelism"`

	// ReadBackoffMin and ReadBackoffMax bound the jittered exponential
	// backoff applied when the broker itself fails.
	ReadBackoffMin time.Duration `yaml:"read_backoff_min"`
	ReadBackoffMax time.Duration `yaml:"read_backoff_max"`
}

func (c Config) withDefaults() Config {
	if c.Consumer == "" {
		c.Consumer = uuid.NewString()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = time.Second
	}
	if c.LongPollTimeout <= 0 {
		c.LongPollTimeout = time.Second
	}
	if c.PendingMessageDuration <= 0 {
		c.PendingMessageDuration = 30 * time.Second
	}
	if c.ClaimIntervalRatio <= 0 {
		c.ClaimIntervalRatio = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 8
	}
	if c.ReadBackoffMin <= 0 {
		c.ReadBackoffMin = 100 * time.Millisecond
	}
	if c.ReadBackoffMax <= 0 {
		c.ReadBackoffMax = 30 * time.Second
	}
	return c
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.Stream == "" {
		return fmt.Errorf("subscriber: stream name cannot be empty")
	}
	if c.Group == "" {
		return fmt.Errorf("subscriber: group name cannot be empty")
	}
	return nil
}

// Subscriber is one consumer-group member. Construct with New, run with
// Start, shut down with Stop.
type Subscriber struct {
	cfg      Config
	broker   stream.Stream
	handler  Handler
	classify Classifier
	tracker  *tracker
	metrics  *Metrics
	logger   *slog.Logger

	sem *semaphore.Weighted

	// mu serializes Start and Stop; state stays atomic for lock-free reads.
	mu     sync.Mutex
	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Subscriber.
type Option func(*Subscriber)

// WithClassifier injects the retryability policy. Defaults to
// DefaultClassifier.
func WithClassifier(c Classifier) Option {
	return func(s *Subscriber) { s.classify = c }
}

// WithAttemptStore injects the attempt-count store. Defaults to the
// process-local store, under which a message claimed by another consumer
// starts a fresh count.
func WithAttemptStore(store storage.AttemptStore) Option {
	return func(s *Subscriber) { s.tracker.attempts = store }
}

// WithMetrics attaches OpenTelemetry instruments.
func WithMetrics(m *Metrics) Option {
	return func(s *Subscriber) { s.metrics = m }
}

// New creates a subscriber for the configured stream and group. The broker
// and handler are required.
func New(cfg Config, broker stream.Stream, handler Handler, logger *slog.Logger, opts ...Option) (*Subscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if broker == nil {
		return nil, fmt.Errorf("subscriber: broker cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("subscriber: handler cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg = cfg.withDefaults()
	logger = logger.With(
		slog.String("stream", cfg.Stream),
		slog.String("group", cfg.Group),
		slog.String("consumer", cfg.Consumer))

	s := &Subscriber{
		cfg:      cfg,
		broker:   broker,
		handler:  handler,
		classify: DefaultClassifier,
		tracker:  newTracker(storage.NewMemoryAttempts(), cfg.MaxRetries, logger),
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(cfg.Parallelism)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Consumer returns this instance's identity within the group.
func (s *Subscriber) Consumer() string {
	return s.cfg.Consumer
}

// State returns the current lifecycle state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

// Success returns the number of successfully handled messages.
func (s *Subscriber) Success() int64 {
	return s.tracker.success.Load()
}

// Failure returns the number of failed handler attempts, counted once per
// attempt.
func (s *Subscriber) Failure() int64 {
	return s.tracker.failure.Load()
}

// Start ensures the consumer group exists, then launches the poll loop and
// the reclaim loop. It returns immediately; processing continues until Stop.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) != Created {
		return ErrAlreadyStarted
	}

	// Group creation is idempotent: an existing group is not an error.
	if err := s.broker.CreateGroup(ctx, s.cfg.Stream, s.cfg.Group); err != nil {
		s.state.Store(int32(Stopped))
		return fmt.Errorf("subscriber: ensure group: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.pollLoop(loopCtx)
	go s.reclaimLoop(loopCtx)

	// Started is published only once cancel and both loops are in place, so
	// a concurrent Stop never observes a half-started instance.
	s.state.Store(int32(Started))

	s.logger.Info("subscriber started",
		slog.Int64("batch_size", s.cfg.BatchSize),
		slog.Int("parallelism", s.cfg.Parallelism),
		slog.Int("max_retries", s.cfg.MaxRetries))
	return nil
}

// Stop cancels the blocking read and the reclaim timer, waits for in-flight
// handler invocations to finish, and removes this consumer from the group so
// its remaining pending entries become claimable by others. After Stop
// returns, no further messages are read or processed by this instance.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) != Started {
		return ErrNotStarted
	}
	s.state.Store(int32(Stopping))

	s.cancel()
	s.wg.Wait()

	// Deregistration uses the caller's context: the loop context is
	// already cancelled.
	if err := s.broker.RemoveConsumer(ctx, s.cfg.Stream, s.cfg.Group, s.cfg.Consumer); err != nil {
		s.logger.Error("failed to remove consumer from group",
			slog.String("error", err.Error()))
	}

	s.state.Store(int32(Stopped))
	s.logger.Info("subscriber stopped",
		slog.Int64("success", s.Success()),
		slog.Int64("failure", s.Failure()))
	return nil
}

// pollLoop reads and dispatches batches until cancelled. Broker failures
// back off with jitter and never crash the loop.
func (s *Subscriber) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	backoff := s.cfg.ReadBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.pollOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			wait := jitter(backoff)
			s.logger.Error("poll cycle failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, s.cfg.ReadBackoffMax)
			continue
		}
		backoff = s.cfg.ReadBackoffMin
	}
}

// reclaimLoop periodically claims pending entries abandoned by crashed or
// stalled consumers and routes them through the normal processing path.
func (s *Subscriber) reclaimLoop(ctx context.Context) {
	defer s.wg.Done()

	period := s.cfg.PollingInterval * time.Duration(s.cfg.ClaimIntervalRatio)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reclaimOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("reclaim cycle failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// jitter spreads a backoff by ±30% so competing consumers do not retry in
// lockstep.
func jitter(d time.Duration) time.Duration {
	f := 0.7 + 0.6*rand.Float64()
	return time.Duration(float64(d) * f)
}
