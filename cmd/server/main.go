// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

// Package main is the entry point for the Nestling server.
//
// Nestling records infant-care activities (feedings, sleep, diapers,
// photos, milestones, vitals) and pushes each one through an asynchronous
// enrichment pipeline: a transactional outbox, a durable event log, an AI
// worker pool writing versioned insights, and a delivery layer that fans
// changes out over WebSocket and a polling endpoint.
//
// Startup order:
//
//  1. Configuration (koanf: defaults, config.yaml, NESTLING_* env)
//  2. SQLite store (activities, outbox, insights, processing records)
//  3. Blob store for photo attachments (BadgerDB or in-memory)
//  4. Event log (NATS JetStream, optionally embedded, or in-process
//     channel mode for development)
//  5. Pipeline services under a supervisor tree: outbox relay,
//     enrichment pool, notification hub, retention janitor
//  6. HTTP API
//
// The process shuts down gracefully on SIGINT/SIGTERM: the HTTP server
// drains, workers finish or release their leases, and the stores close.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sony/gobreaker/v2"

	"github.com/nestling-app/nestling/internal/api"
	"github.com/nestling-app/nestling/internal/blob"
	"github.com/nestling-app/nestling/internal/broker"
	"github.com/nestling-app/nestling/internal/config"
	"github.com/nestling-app/nestling/internal/enrich"
	"github.com/nestling-app/nestling/internal/ingest"
	"github.com/nestling-app/nestling/internal/logging"
	"github.com/nestling-app/nestling/internal/notify"
	"github.com/nestling-app/nestling/internal/storage"
	"github.com/nestling-app/nestling/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("environment", cfg.Server.Environment).
		Str("broker_mode", cfg.Broker.Mode).
		Str("auth_mode", cfg.Security.AuthMode).
		Str("data_dir", cfg.Database.Dir).
		Msg("starting nestling")

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("server exited with error")
	}
	logging.Info().Msg("shutdown complete")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Database.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeQuietly("store", store.Close)

	blobs, err := openBlobStore(cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	if closer, ok := blobs.(interface{ Close() error }); ok {
		defer closeQuietly("blob store", closer.Close)
	}

	pub, sub, brokerCleanup, err := openBroker(ctx, cfg.Broker)
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	defer brokerCleanup()

	ingestSvc := ingest.NewService(store, blobs, ingest.Config{
		SubmitTimeout: cfg.Ingest.SubmitTimeout,
		DedupWindow:   cfg.Ingest.DedupWindow,
	})
	relay := ingest.NewRelay(store, pub, ingest.RelayConfig{
		PollInterval: cfg.Ingest.RelayInterval,
		BatchSize:    cfg.Ingest.RelayBatchSize,
	})

	hub := notify.NewHub()
	tracker := notify.NewTracker()
	notifier := notify.NewService(hub, tracker)

	pool := enrich.NewPool(sub, buildEnricher(cfg), store, store, notifier, enrich.PoolConfig{
		Workers:        cfg.Enrich.Workers,
		MaxInFlightAI:  cfg.Enrich.MaxInFlightAI,
		LeaseDuration:  cfg.Enrich.LeaseDuration,
		EnrichTimeout:  cfg.Enrich.EnrichTimeout,
		MaxAttempts:    cfg.Enrich.MaxAttempts,
		RetryBaseDelay: cfg.Enrich.RetryBaseDelay,
		RetryMaxDelay:  cfg.Enrich.RetryMaxDelay,
	})

	janitor := storage.NewJanitor(store, storage.JanitorConfig{
		Interval:        cfg.Retention.JanitorInterval,
		OutboxRetention: time.Duration(cfg.Retention.OutboxDays) * 24 * time.Hour,
		RecordRetention: time.Duration(cfg.Retention.RecordDays) * 24 * time.Hour,
	})

	router := api.NewRouter(ingestSvc, store, store, store, hub, tracker, cfg.Security, store.Ping)
	httpServer := api.NewServer(cfg.Server, router.Handler())

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddDataService(janitor)
	tree.AddPipelineService(relay)
	tree.AddPipelineService(pool)
	tree.AddPipelineService(hub)
	tree.AddAPIService(httpServer)

	logging.Info().Msg("supervisor tree starting")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor tree: %w", err)
	}
	return nil
}

func openBlobStore(cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Backend {
	case "memory":
		return blob.NewMemoryStore(), nil
	default:
		return blob.OpenBadger(cfg.Dir)
	}
}

// buildEnricher picks the AI capability implementation. The stub replaces
// the external insight service in development so the full pipeline runs
// offline.
func buildEnricher(cfg *config.Config) enrich.Enricher {
	if cfg.Enrich.UseStub || cfg.Enrich.InsightURL == "" {
		logging.Warn().Msg("using stub enricher; insights will be canned")
		return &enrich.StubEnricher{}
	}
	return enrich.NewClient(enrich.ClientConfig{
		BaseURL:                 cfg.Enrich.InsightURL,
		APIKey:                  cfg.Enrich.InsightAPIKey,
		RequestsPerSecond:       cfg.Enrich.RequestsPerSecond,
		Burst:                   cfg.Enrich.Burst,
		BreakerFailureThreshold: cfg.Enrich.BreakerThreshold,
		BreakerTimeout:          cfg.Enrich.BreakerTimeout,
	})
}

// openBroker builds the event log endpoints. Channel mode shares one
// in-process GoChannel between publisher and subscriber; NATS mode
// optionally boots an embedded JetStream server, then ensures the
// activity stream exists before anything publishes.
func openBroker(ctx context.Context, cfg config.BrokerConfig) (broker.Publisher, broker.Subscriber, func(), error) {
	if cfg.Mode == "channel" {
		ch := broker.NewChannelBroker(logging.NewWatermillAdapter())
		return ch, ch, func() { closeQuietly("channel broker", ch.Close) }, nil
	}

	wmLogger := logging.NewWatermillAdapter()
	url := cfg.URL
	var embedded *broker.EmbeddedServer

	if cfg.EmbeddedServer {
		srv, err := broker.NewEmbeddedServer(broker.ServerConfig{
			StoreDir: cfg.StoreDir,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("start embedded nats: %w", err)
		}
		embedded = srv
		url = srv.ClientURL()
		logging.Info().Str("url", url).Msg("embedded nats server running")
	}

	if err := ensureStream(ctx, url, cfg); err != nil {
		shutdownEmbedded(embedded)
		return nil, nil, nil, err
	}

	pub, err := broker.NewNATSPublisher(broker.DefaultPublisherConfig(url), wmLogger)
	if err != nil {
		shutdownEmbedded(embedded)
		return nil, nil, nil, fmt.Errorf("create publisher: %w", err)
	}
	pub.SetCircuitBreaker(gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:    "outbox-publisher",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}))

	subCfg := broker.DefaultSubscriberConfig(url)
	if cfg.DurableName != "" {
		subCfg.DurableName = cfg.DurableName
	}
	if cfg.QueueGroup != "" {
		subCfg.QueueGroup = cfg.QueueGroup
	}
	if cfg.MaxDeliver > 0 {
		subCfg.MaxDeliver = cfg.MaxDeliver
	}
	if cfg.AckWait > 0 {
		subCfg.AckWaitTimeout = cfg.AckWait
	}
	if cfg.MaxAckPending > 0 {
		subCfg.MaxAckPending = cfg.MaxAckPending
	}
	sub, err := broker.NewNATSSubscriber(subCfg, wmLogger)
	if err != nil {
		closeQuietly("nats publisher", pub.Close)
		shutdownEmbedded(embedded)
		return nil, nil, nil, fmt.Errorf("create subscriber: %w", err)
	}

	cleanup := func() {
		closeQuietly("nats subscriber", sub.Close)
		closeQuietly("nats publisher", pub.Close)
		shutdownEmbedded(embedded)
	}
	return pub, sub, cleanup, nil
}

func ensureStream(ctx context.Context, url string, cfg config.BrokerConfig) error {
	nc, err := natsgo.Connect(url,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream context: %w", err)
	}

	streamCfg := broker.DefaultStreamConfig()
	if cfg.StreamRetentionDays > 0 {
		streamCfg.MaxAge = time.Duration(cfg.StreamRetentionDays) * 24 * time.Hour
	}
	if cfg.DuplicateWindow > 0 {
		streamCfg.DuplicateWindow = cfg.DuplicateWindow
	}

	init, err := broker.NewStreamInitializer(js, streamCfg)
	if err != nil {
		return err
	}
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := init.EnsureStream(initCtx); err != nil {
		return fmt.Errorf("ensure activity stream: %w", err)
	}
	return nil
}

func shutdownEmbedded(srv *broker.EmbeddedServer) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn().Err(err).Msg("embedded nats shutdown incomplete")
	}
}

func closeQuietly(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logging.Warn().Err(err).Str("component", name).Msg("close failed")
	}
}
