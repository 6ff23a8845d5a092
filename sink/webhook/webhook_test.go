// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/spanstream/events"
	"github.com/absmach/spanstream/subscriber"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent(t *testing.T) events.Envelope {
	t.Helper()
	env, err := events.New(events.TraceCreated, "ws-1", "proj-1", map[string]string{"name": "t"})
	require.NoError(t, err)
	return env
}

func newNotifier(t *testing.T, endpoints []EndpointConfig, breaker BreakerConfig) *Notifier {
	t.Helper()
	n, err := NewNotifier(endpoints, breaker, http.DefaultClient, testLogger())
	require.NoError(t, err)
	return n
}

func TestNotifierValidation(t *testing.T) {
	_, err := NewNotifier(nil, DefaultBreaker, nil, testLogger())
	assert.Error(t, err)

	_, err = NewNotifier([]EndpointConfig{{Name: "x"}}, DefaultBreaker, http.DefaultClient, testLogger())
	assert.Error(t, err)

	_, err = NewNotifier([]EndpointConfig{{URL: "http://x"}}, DefaultBreaker, http.DefaultClient, testLogger())
	assert.Error(t, err)
}

func TestNotifyDelivers(t *testing.T) {
	var got events.Envelope
	var eventHeader, idHeader, custom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eventHeader = r.Header.Get("X-Spanstream-Event")
		idHeader = r.Header.Get("X-Spanstream-Event-Id")
		custom = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newNotifier(t, []EndpointConfig{{
		Name:    "primary",
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer token"},
	}}, DefaultBreaker)

	env := testEvent(t)
	require.NoError(t, n.Notify(context.Background(), env))

	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, string(events.TraceCreated), eventHeader)
	assert.Equal(t, env.ID, idHeader)
	assert.Equal(t, "Bearer token", custom)
}

func TestNotifyFiltersByEventType(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newNotifier(t, []EndpointConfig{{
		Name:   "spans-only",
		URL:    srv.URL,
		Events: []string{string(events.SpanCreated)},
	}}, DefaultBreaker)

	require.NoError(t, n.Notify(context.Background(), testEvent(t)))
	assert.Equal(t, int64(0), hits.Load())
}

func TestNotifyRejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := newNotifier(t, []EndpointConfig{{Name: "primary", URL: srv.URL}}, DefaultBreaker)

	err := n.Notify(context.Background(), testEvent(t))
	require.Error(t, err)
	assert.Equal(t, subscriber.Permanent, subscriber.DefaultClassifier(err))
}

func TestNotifyServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := newNotifier(t, []EndpointConfig{{Name: "primary", URL: srv.URL}}, DefaultBreaker)

	err := n.Notify(context.Background(), testEvent(t))
	require.Error(t, err)
	assert.Equal(t, subscriber.Transient, subscriber.DefaultClassifier(err))
}

func TestNotifyThrottlingIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := newNotifier(t, []EndpointConfig{{Name: "primary", URL: srv.URL}}, DefaultBreaker)

	err := n.Notify(context.Background(), testEvent(t))
	require.Error(t, err)
	assert.Equal(t, subscriber.Transient, subscriber.DefaultClassifier(err))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := newNotifier(t, []EndpointConfig{{Name: "flaky", URL: srv.URL}}, BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	})

	ctx := context.Background()
	env := testEvent(t)
	require.Error(t, n.Notify(ctx, env))
	require.Error(t, n.Notify(ctx, env))

	// The breaker is open: the endpoint is no longer hit and the error is
	// still transient so the message stays retryable.
	err := n.Notify(ctx, env)
	require.Error(t, err)
	assert.Equal(t, int64(2), hits.Load())
	assert.Equal(t, subscriber.Transient, subscriber.DefaultClassifier(err))
}

func TestNotifyStopsAtFirstFailingEndpoint(t *testing.T) {
	var okHits atomic.Int64
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()

	n := newNotifier(t, []EndpointConfig{
		{Name: "bad", URL: badSrv.URL},
		{Name: "good", URL: okSrv.URL},
	}, DefaultBreaker)

	require.Error(t, n.Notify(context.Background(), testEvent(t)))
	assert.Equal(t, int64(0), okHits.Load())
}

func TestRateLimitAppliesPerEndpoint(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newNotifier(t, []EndpointConfig{{
		Name:  "limited",
		URL:   srv.URL,
		Rate:  20,
		Burst: 1,
	}}, DefaultBreaker)

	ctx := context.Background()
	env := testEvent(t)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, n.Notify(ctx, env))
	}

	// Burst of one at twenty per second: the second and third deliveries
	// each wait roughly fifty milliseconds.
	assert.Equal(t, int64(3), hits.Load())
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
