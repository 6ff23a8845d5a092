// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/absmach/spanstream/sink/webhook"
	"github.com/absmach/spanstream/subscriber"
)

// Config holds all configuration for the stream-processing worker.
type Config struct {
	Log         LogConfig           `yaml:"log"`
	Stream      StreamConfig        `yaml:"stream"`
	Attempts    AttemptsConfig      `yaml:"attempts"`
	Events      EventsConfig        `yaml:"events"`
	Webhook     WebhookConfig       `yaml:"webhook"`
	Subscribers []subscriber.Config `yaml:"subscribers"`

	// ShutdownTimeout bounds the graceful drain on termination.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StreamConfig selects and configures the stream broker backend.
type StreamConfig struct {
	Type string `yaml:"type"` // memory, redis

	Redis RedisConfig `yaml:"redis"`

	// MaxLen caps stream growth with approximate trimming; 0 = unbounded.
	MaxLen int64 `yaml:"max_len"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AttemptsConfig selects the attempt-count store. The memory store keeps
// counts process-local; the badger store persists them so retry ceilings
// survive restarts and claims.
type AttemptsConfig struct {
	Type      string `yaml:"type"` // memory, badger
	BadgerDir string `yaml:"badger_dir"`
}

// EventsConfig holds event codec settings.
type EventsConfig struct {
	// CompressThreshold is the payload size in bytes above which payloads
	// are compressed on the stream; 0 selects the built-in default.
	CompressThreshold int `yaml:"compress_threshold"`
}

// WebhookConfig holds webhook fan-out configuration.
type WebhookConfig struct {
	Enabled        bool                     `yaml:"enabled"`
	Endpoints      []webhook.EndpointConfig `yaml:"endpoints"`
	CircuitBreaker webhook.BreakerConfig    `yaml:"circuit_breaker"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Stream: StreamConfig{
			Type: "redis",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Attempts: AttemptsConfig{
			Type: "memory",
		},
		Webhook: WebhookConfig{
			Enabled:        false,
			CircuitBreaker: webhook.DefaultBreaker,
		},
		Subscribers: []subscriber.Config{
			{
				Stream:                 "spanstream.events",
				Group:                  "spanstream-workers",
				BatchSize:              10,
				PollingInterval:        time.Second,
				LongPollTimeout:        time.Second,
				PendingMessageDuration: 30 * time.Second,
				ClaimIntervalRatio:     5,
				MaxRetries:             3,
				Parallelism:            8,
			},
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStream := map[string]bool{"memory": true, "redis": true}
	if !validStream[c.Stream.Type] {
		return fmt.Errorf("stream.type must be one of: memory, redis")
	}
	if c.Stream.Type == "redis" && c.Stream.Redis.Addr == "" {
		return fmt.Errorf("stream.redis.addr required when type is redis")
	}
	if c.Stream.MaxLen < 0 {
		return fmt.Errorf("stream.max_len cannot be negative")
	}

	validAttempts := map[string]bool{"memory": true, "badger": true}
	if !validAttempts[c.Attempts.Type] {
		return fmt.Errorf("attempts.type must be one of: memory, badger")
	}
	if c.Attempts.Type == "badger" && c.Attempts.BadgerDir == "" {
		return fmt.Errorf("attempts.badger_dir required when type is badger")
	}

	if len(c.Subscribers) == 0 {
		return fmt.Errorf("at least one subscriber must be configured")
	}
	for i, sub := range c.Subscribers {
		if err := sub.Validate(); err != nil {
			return fmt.Errorf("subscribers[%d]: %w", i, err)
		}
	}

	if c.Webhook.Enabled {
		if len(c.Webhook.Endpoints) == 0 {
			return fmt.Errorf("webhook.endpoints cannot be empty when webhook is enabled")
		}
		for i, ep := range c.Webhook.Endpoints {
			if ep.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if ep.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown_timeout must be at least 1 second")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
