// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

// Package metrics exposes Prometheus collectors for the activity pipeline:
// ingest throughput, outbox relay lag, broker publishes, enrichment
// outcomes, AI admission control, and delivery fanout.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics
	IngestSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_submissions_total",
			Help: "Total activity submissions by kind and outcome",
		},
		[]string{"kind", "outcome"}, // accepted, deduplicated, invalid, storage_unavailable
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_submit_duration_seconds",
			Help:    "End-to-end Submit latency including blob staging and the transactional write",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Outbox relay metrics
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_rows",
			Help: "Outbox rows awaiting broker publish",
		},
	)

	OutboxPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox rows successfully relayed to the broker",
		},
	)

	OutboxPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_publish_errors_total",
			Help: "Failed relay publish attempts",
		},
	)

	// Broker metrics
	BrokerPublishes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_publishes_total",
			Help: "Messages published to the event log",
		},
	)

	// Enrichment worker metrics
	EnrichAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrich_attempts_total",
			Help: "Enrichment attempts by outcome",
		},
		[]string{"outcome"}, // success, transient_error, permanent_error, skipped_done, skipped_leased
	)

	EnrichDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrich_call_duration_seconds",
			Help:    "AI capability call latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	EnrichInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enrich_inflight_calls",
			Help: "AI calls currently holding an admission slot",
		},
	)

	DeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enrich_dead_letters_total",
			Help: "Envelopes dead-lettered after permanent failure or retry exhaustion",
		},
	)

	// Insight store metrics
	InsightUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_upserts_total",
			Help: "Insight upserts by outcome",
		},
		[]string{"outcome"}, // written, version_conflict
	)

	// Delivery notifier metrics
	NotificationsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_deliveries_total",
			Help: "Insight-ready notifications fanned out to subscribers",
		},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connected_clients",
			Help: "Currently connected WebSocket clients",
		},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// RecordIngest records one Submit outcome.
func RecordIngest(kind, outcome string, elapsed time.Duration) {
	IngestSubmissions.WithLabelValues(kind, outcome).Inc()
	IngestDuration.Observe(elapsed.Seconds())
}

// RecordBrokerPublish counts a successful broker publish.
func RecordBrokerPublish() {
	BrokerPublishes.Inc()
}

// RecordEnrichAttempt records one worker processing outcome.
func RecordEnrichAttempt(outcome string) {
	EnrichAttempts.WithLabelValues(outcome).Inc()
}

// RecordEnrichCall observes one AI call's latency.
func RecordEnrichCall(elapsed time.Duration) {
	EnrichDuration.Observe(elapsed.Seconds())
}

// RecordInsightUpsert records an insight write outcome.
func RecordInsightUpsert(outcome string) {
	InsightUpserts.WithLabelValues(outcome).Inc()
}
