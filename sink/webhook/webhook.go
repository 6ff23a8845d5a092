// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook fans events out to HTTP endpoints. Each endpoint gets its
// own circuit breaker and rate limiter; delivery failures are surfaced as
// transient or permanent errors so the subscriber engine applies the right
// retry policy.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/absmach/spanstream/events"
	"github.com/absmach/spanstream/subscriber"
)

// EndpointConfig describes one webhook destination.
type EndpointConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events"` // event type filter, empty = all
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`

	// Rate and Burst bound deliveries per second to this endpoint;
	// Rate <= 0 disables limiting.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// BreakerConfig configures the per-endpoint circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DefaultBreaker is used when no breaker settings are given.
var DefaultBreaker = BreakerConfig{
	FailureThreshold: 5,
	ResetTimeout:     60 * time.Second,
}

// Sender performs the HTTP request. *http.Client satisfies it.
type Sender interface {
	Do(req *http.Request) (*http.Response, error)
}

type endpoint struct {
	cfg     EndpointConfig
	filter  map[string]bool
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// Notifier delivers events to configured endpoints. Its Notify method is a
// sink.EventHandler.
type Notifier struct {
	endpoints []*endpoint
	sender    Sender
	logger    *slog.Logger
}

// NewNotifier creates a webhook notifier.
func NewNotifier(endpoints []EndpointConfig, breaker BreakerConfig, sender Sender, logger *slog.Logger) (*Notifier, error) {
	if sender == nil {
		return nil, fmt.Errorf("webhook: sender cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if breaker.FailureThreshold == 0 {
		breaker = DefaultBreaker
	}

	eps := make([]*endpoint, 0, len(endpoints))
	for _, cfg := range endpoints {
		if cfg.Name == "" || cfg.URL == "" {
			return nil, fmt.Errorf("webhook: endpoint name and url are required")
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = 5 * time.Second
		}

		filter := make(map[string]bool, len(cfg.Events))
		for _, t := range cfg.Events {
			filter[t] = true
		}

		ep := &endpoint{cfg: cfg, filter: filter}
		ep.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: 1,
			Timeout:     breaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breaker.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
		if cfg.Rate > 0 {
			ep.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), max(cfg.Burst, 1))
		}
		eps = append(eps, ep)
	}

	return &Notifier{endpoints: eps, sender: sender, logger: logger}, nil
}

// Notify posts the event to every matching endpoint. The first failure is
// returned so the engine retries the message; endpoints already notified
// will see the event again, which webhook consumers must tolerate under
// at-least-once delivery.
func (n *Notifier) Notify(ctx context.Context, env events.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: marshal event %s: %w", subscriber.ErrPermanent, env.ID, err)
	}

	for _, ep := range n.endpoints {
		if len(ep.filter) > 0 && !ep.filter[string(env.Type)] {
			continue
		}
		if err := n.deliver(ctx, ep, env, body); err != nil {
			return err
		}
	}
	return nil
}

func (n *Notifier) deliver(ctx context.Context, ep *endpoint, env events.Envelope, body []byte) error {
	if ep.limiter != nil {
		if err := ep.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait for %s: %w", ep.cfg.Name, err)
		}
	}

	_, err := ep.breaker.Execute(func() (interface{}, error) {
		return nil, n.send(ctx, ep, env, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Open breaker is a transient condition: the endpoint gets a
			// chance to recover before the message is retried.
			return fmt.Errorf("endpoint %s circuit open: %w", ep.cfg.Name, err)
		}
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", ep.cfg.Name),
		slog.String("event_id", env.ID),
		slog.String("type", string(env.Type)))
	return nil
}

func (n *Notifier) send(ctx context.Context, ep *endpoint, env events.Envelope, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, ep.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request for %s: %w", subscriber.ErrPermanent, ep.cfg.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Spanstream-Event", string(env.Type))
	req.Header.Set("X-Spanstream-Event-Id", env.ID)
	for k, v := range ep.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.sender.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", ep.cfg.Name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		// The endpoint rejected the event; retrying the same body cannot
		// succeed.
		return fmt.Errorf("%w: endpoint %s rejected event: status %d", subscriber.ErrPermanent, ep.cfg.Name, resp.StatusCode)
	default:
		return fmt.Errorf("endpoint %s returned status %d", ep.cfg.Name, resp.StatusCode)
	}
}
