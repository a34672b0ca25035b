// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nestling-app/nestling/internal/activity"
	"github.com/nestling-app/nestling/internal/config"
	"github.com/nestling-app/nestling/internal/enrich"
	"github.com/nestling-app/nestling/internal/ingest"
	"github.com/nestling-app/nestling/internal/insight"
	"github.com/nestling-app/nestling/internal/notify"
)

// InsightReader serves insight reads.
type InsightReader interface {
	GetLatest(ctx context.Context, subjectID, derivationKey string) (*insight.Insight, error)
	LatestForSubject(ctx context.Context, subjectID string) ([]*insight.Insight, error)
}

// ActivityReader serves the per-subject activity timeline.
type ActivityReader interface {
	ActivitiesForSubject(ctx context.Context, subjectID string, limit int) ([]*activity.Activity, error)
}

// RecordReader exposes the processing ledger to the API: the pending flag
// lets insight reads surface in-progress enrichment, and the dead-letter
// list is the operator inspection surface.
type RecordReader interface {
	DeadLettered(ctx context.Context, limit int) ([]*enrich.Record, error)
	PendingForSubject(ctx context.Context, subjectID string) (bool, error)
}

// Router holds the dependencies of the HTTP surface.
type Router struct {
	ingest     *ingest.Service
	insights   InsightReader
	activities ActivityReader
	records    RecordReader
	hub        *notify.Hub
	tracker    *notify.Tracker
	security   config.SecurityConfig

	// ready reports whether the service can take traffic. nil means
	// always ready.
	ready func(ctx context.Context) error
}

// NewRouter creates a router over the pipeline services. hub and tracker
// may be nil, which disables the websocket and poll endpoints' content
// (they still answer, with empty results).
func NewRouter(
	ingestSvc *ingest.Service,
	insights InsightReader,
	activities ActivityReader,
	records RecordReader,
	hub *notify.Hub,
	tracker *notify.Tracker,
	security config.SecurityConfig,
	ready func(ctx context.Context) error,
) *Router {
	return &Router{
		ingest:     ingestSvc,
		insights:   insights,
		activities: activities,
		records:    records,
		hub:        hub,
		tracker:    tracker,
		security:   security,
		ready:      ready,
	}
}

// Handler builds the full route tree.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsHandler(rt.security))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Health stays unauthenticated and outside the rate limiter so
	// orchestrator probes never get throttled out.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", rt.healthLive)
		r.Get("/ready", rt.healthReady)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimiter(rt.security))
		r.Use(httpMetrics)
		r.Use(authenticate(rt.security))

		r.Post("/activities", rt.submitActivity)
		r.Get("/insights", rt.getInsights)
		r.Get("/subjects/{subjectID}/updates", rt.subjectUpdates)
		r.Get("/subjects/{subjectID}/activities", rt.subjectActivities)
		r.Get("/deadletters", rt.deadLetters)
		r.Get("/ws", rt.webSocket)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "unknown endpoint")
	})

	return r
}
