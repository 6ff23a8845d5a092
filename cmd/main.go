// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/badger/v4"
	goredis "github.com/redis/go-redis/v9"

	"github.com/absmach/spanstream/config"
	"github.com/absmach/spanstream/events"
	"github.com/absmach/spanstream/sink"
	"github.com/absmach/spanstream/sink/webhook"
	"github.com/absmach/spanstream/storage"
	"github.com/absmach/spanstream/storage/badgerattempts"
	"github.com/absmach/spanstream/stream"
	memorystream "github.com/absmach/spanstream/stream/memory"
	redisstream "github.com/absmach/spanstream/stream/redis"
	"github.com/absmach/spanstream/subscriber"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting stream worker", "version", "0.1.0")

	broker, closeBroker, err := buildBroker(cfg)
	if err != nil {
		slog.Error("Failed to initialize stream broker", "error", err)
		os.Exit(1)
	}
	defer closeBroker()

	attempts, closeAttempts, err := buildAttempts(cfg)
	if err != nil {
		slog.Error("Failed to initialize attempt store", "error", err)
		os.Exit(1)
	}
	defer closeAttempts()

	codec, err := events.NewCodec(cfg.Events.CompressThreshold)
	if err != nil {
		slog.Error("Failed to initialize event codec", "error", err)
		os.Exit(1)
	}

	router := sink.NewRouter(codec, logger)
	if cfg.Webhook.Enabled {
		notifier, err := webhook.NewNotifier(cfg.Webhook.Endpoints, cfg.Webhook.CircuitBreaker, http.DefaultClient, logger)
		if err != nil {
			slog.Error("Failed to initialize webhook notifier", "error", err)
			os.Exit(1)
		}
		for _, t := range events.AllTypes() {
			router.On(t, notifier.Notify)
		}
		slog.Info("Webhook fan-out enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	ctx := context.Background()
	subs := make([]*subscriber.Subscriber, 0, len(cfg.Subscribers))
	for _, subCfg := range cfg.Subscribers {
		metrics, err := subscriber.NewMetrics(subCfg.Stream, subCfg.Group)
		if err != nil {
			slog.Error("Failed to create subscriber metrics", "error", err)
			os.Exit(1)
		}

		sub, err := subscriber.New(subCfg, broker, router.Handle, logger,
			subscriber.WithAttemptStore(attempts),
			subscriber.WithMetrics(metrics))
		if err != nil {
			slog.Error("Failed to create subscriber", "stream", subCfg.Stream, "error", err)
			os.Exit(1)
		}
		if err := sub.Start(ctx); err != nil {
			slog.Error("Failed to start subscriber", "stream", subCfg.Stream, "error", err)
			os.Exit(1)
		}
		subs = append(subs, sub)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	for _, sub := range subs {
		if err := sub.Stop(shutdownCtx); err != nil {
			slog.Error("Subscriber shutdown failed", "consumer", sub.Consumer(), "error", err)
		}
	}

	slog.Info("Stream worker stopped")
}

func buildBroker(cfg *config.Config) (stream.Stream, func(), error) {
	switch cfg.Stream.Type {
	case "memory":
		return memorystream.New(), func() {}, nil
	default:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Stream.Redis.Addr,
			Password: cfg.Stream.Redis.Password,
			DB:       cfg.Stream.Redis.DB,
		})
		var opts []redisstream.Option
		if cfg.Stream.MaxLen > 0 {
			opts = append(opts, redisstream.WithMaxLen(cfg.Stream.MaxLen))
		}
		broker, err := redisstream.New(client, opts...)
		if err != nil {
			return nil, nil, err
		}
		return broker, func() { client.Close() }, nil
	}
}

func buildAttempts(cfg *config.Config) (storage.AttemptStore, func(), error) {
	if cfg.Attempts.Type != "badger" {
		return storage.NewMemoryAttempts(), func() {}, nil
	}

	db, err := badger.Open(badger.DefaultOptions(cfg.Attempts.BadgerDir).WithLogger(nil))
	if err != nil {
		return nil, nil, err
	}
	return badgerattempts.New(db), func() { db.Close() }, nil
}
