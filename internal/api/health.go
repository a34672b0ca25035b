// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nestling-app/nestling/internal/logging"
)

type healthStatus struct {
	Status string `json:"status"`
}

// healthLive answers as long as the process serves requests.
func (rt *Router) healthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, healthStatus{Status: "alive"})
}

// healthReady answers 200 once the readiness check passes. Orchestrators
// gate traffic on this, so it reflects the database, not downstream AI.
func (rt *Router) healthReady(w http.ResponseWriter, r *http.Request) {
	if rt.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rt.ready(ctx); err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).Msg("readiness check failed")
			respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable,
				"not ready")
			return
		}
	}
	respondJSON(w, r, http.StatusOK, healthStatus{Status: "ready"})
}
