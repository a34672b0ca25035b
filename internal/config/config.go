// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

// Package config loads and validates server configuration from defaults,
// an optional YAML file, and environment variables, in that order of
// precedence (environment wins).
package config

import (
	"time"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Database  DatabaseConfig  `koanf:"database"`
	Blob      BlobConfig      `koanf:"blob"`
	Broker    BrokerConfig    `koanf:"broker"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Enrich    EnrichConfig    `koanf:"enrich"`
	Security  SecurityConfig  `koanf:"security"`
	Retention RetentionConfig `koanf:"retention"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// Environment is "production" or "development". Development relaxes
	// validation (no JWT secret required) and enables the in-process
	// broker and stub enricher defaults.
	Environment string `koanf:"environment"`
}

// LoggingConfig holds zerolog settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
	Caller bool   `koanf:"caller"`
}

// DatabaseConfig holds the SQLite settings.
type DatabaseConfig struct {
	// Dir is the data directory; ":memory:" runs fully in memory.
	Dir string `koanf:"dir"`
}

// BlobConfig holds the photo attachment store settings.
type BlobConfig struct {
	// Backend is "badger" or "memory".
	Backend string `koanf:"backend"`
	Dir     string `koanf:"dir"`
}

// BrokerConfig holds event log settings.
type BrokerConfig struct {
	// Mode is "nats" or "channel". Channel mode runs the event log
	// in-process, for development and tests.
	Mode string `koanf:"mode"`

	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`

	StreamRetentionDays int           `koanf:"stream_retention_days"`
	DuplicateWindow     time.Duration `koanf:"duplicate_window"`
	DurableName         string        `koanf:"durable_name"`
	QueueGroup          string        `koanf:"queue_group"`
	MaxDeliver          int           `koanf:"max_deliver"`
	AckWait             time.Duration `koanf:"ack_wait"`
	MaxAckPending       int           `koanf:"max_ack_pending"`
}

// IngestConfig holds submission and relay settings.
type IngestConfig struct {
	SubmitTimeout  time.Duration `koanf:"submit_timeout"`
	DedupWindow    time.Duration `koanf:"dedup_window"`
	RelayInterval  time.Duration `koanf:"relay_interval"`
	RelayBatchSize int           `koanf:"relay_batch_size"`
}

// EnrichConfig holds worker pool and AI client settings.
type EnrichConfig struct {
	Workers        int           `koanf:"workers"`
	MaxInFlightAI  int           `koanf:"max_in_flight_ai"`
	LeaseDuration  time.Duration `koanf:"lease_duration"`
	EnrichTimeout  time.Duration `koanf:"enrich_timeout"`
	MaxAttempts    int           `koanf:"max_attempts"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay"`

	// InsightURL and InsightAPIKey point at the external AI insight
	// service. UseStub replaces it with a canned in-process enricher for
	// development.
	InsightURL        string        `koanf:"insight_url"`
	InsightAPIKey     string        `koanf:"insight_api_key"`
	UseStub           bool          `koanf:"use_stub"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
	BreakerThreshold  uint32        `koanf:"breaker_threshold"`
	BreakerTimeout    time.Duration `koanf:"breaker_timeout"`
}

// SecurityConfig holds authentication and rate limit settings.
type SecurityConfig struct {
	// AuthMode is "jwt" or "none".
	AuthMode  string `koanf:"auth_mode"`
	JWTSecret string `koanf:"jwt_secret"`

	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// RetentionConfig holds bookkeeping retention settings.
type RetentionConfig struct {
	JanitorInterval time.Duration `koanf:"janitor_interval"`
	OutboxDays      int           `koanf:"outbox_days"`
	RecordDays      int           `koanf:"record_days"`
}

// defaultConfig returns the built-in defaults, overridden by file and
// environment layers.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			Timeout:     30 * time.Second,
			Environment: "production",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Database: DatabaseConfig{
			Dir: "/data",
		},
		Blob: BlobConfig{
			Backend: "badger",
			Dir:     "/data/blobs",
		},
		Broker: BrokerConfig{
			Mode:                "nats",
			URL:                 "nats://127.0.0.1:4222",
			EmbeddedServer:      true,
			StoreDir:            "/data/nats/jetstream",
			StreamRetentionDays: 30,
			DuplicateWindow:     10 * time.Minute,
			DurableName:         "insight-workers",
			QueueGroup:          "insight-workers",
			MaxDeliver:          20,
			AckWait:             2 * time.Minute,
			MaxAckPending:       256,
		},
		Ingest: IngestConfig{
			SubmitTimeout:  10 * time.Second,
			DedupWindow:    30 * 24 * time.Hour,
			RelayInterval:  250 * time.Millisecond,
			RelayBatchSize: 100,
		},
		Enrich: EnrichConfig{
			Workers:           4,
			MaxInFlightAI:     8,
			LeaseDuration:     2 * time.Minute,
			EnrichTimeout:     30 * time.Second,
			MaxAttempts:       6,
			RetryBaseDelay:    time.Second,
			RetryMaxDelay:     time.Minute,
			RequestsPerSecond: 5,
			Burst:             5,
			BreakerThreshold:  5,
			BreakerTimeout:    30 * time.Second,
		},
		Security: SecurityConfig{
			AuthMode:          "jwt",
			RateLimitRequests: 100,
			RateLimitWindow:   time.Minute,
			CORSOrigins:       []string{"*"},
		},
		Retention: RetentionConfig{
			JanitorInterval: 6 * time.Hour,
			OutboxDays:      7,
			RecordDays:      30,
		},
	}
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}
