// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/nestling-app/nestling/internal/activity"
	"github.com/nestling-app/nestling/internal/ingest"
	"github.com/nestling-app/nestling/internal/insight"
	"github.com/nestling-app/nestling/internal/logging"
	"github.com/nestling-app/nestling/internal/notify"
)

const (
	maxSubmitBody        = 10 << 20 // photos travel base64-encoded in the payload
	defaultActivityLimit = 50
	maxActivityLimit     = 500
	maxDeadLetterLimit   = 200
)

// submitActivity accepts one care activity. The response distinguishes a
// fresh accept (201) from an idempotent replay (200); both carry the
// activity ID the caller can correlate insights against.
func (rt *Router) submitActivity(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBody)

	var req ingest.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest,
			"request body is not valid JSON")
		return
	}

	result, err := rt.ingest.Submit(r.Context(), req)
	switch {
	case errors.Is(err, activity.ErrInvalidPayload):
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	case errors.Is(err, ingest.ErrStorageUnavailable):
		logging.Ctx(r.Context()).Error().Err(err).Msg("submit rejected, storage unavailable")
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable,
			"storage unavailable, retry later")
		return
	case err != nil:
		logging.Ctx(r.Context()).Error().Err(err).Msg("submit failed")
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"internal error")
		return
	}

	status := http.StatusCreated
	if !result.Accepted {
		status = http.StatusOK
	}
	respondJSON(w, r, status, result)
}

// insightView is the wire shape of one insight slot, including the
// synthesized pending state for slots still being computed.
type insightView struct {
	*insight.Insight
	Pending bool `json:"pending,omitempty"`
}

// getInsights serves the latest insight per slot. With derivation_key it
// returns the single slot; without, every slot the subject has. A subject
// with in-flight enrichment and no stored insight yet gets an empty
// pending marker instead of 404, so clients can show progress.
func (rt *Router) getInsights(w http.ResponseWriter, r *http.Request) {
	subjectID := r.URL.Query().Get("subject_id")
	if subjectID == "" {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "subject_id is required")
		return
	}
	derivationKey := r.URL.Query().Get("derivation_key")

	if derivationKey != "" {
		ins, err := rt.insights.GetLatest(r.Context(), subjectID, derivationKey)
		switch {
		case errors.Is(err, insight.ErrNotFound):
			if rt.pendingFor(r, subjectID) {
				respondJSON(w, r, http.StatusOK, insightView{Pending: true})
				return
			}
			respondError(w, r, http.StatusNotFound, ErrCodeNotFound,
				"no insight for this subject and derivation key")
			return
		case err != nil:
			logging.Ctx(r.Context()).Error().Err(err).Msg("insight read failed")
			respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError,
				"internal error")
			return
		}
		respondJSON(w, r, http.StatusOK, insightView{Insight: ins})
		return
	}

	all, err := rt.insights.LatestForSubject(r.Context(), subjectID)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("insight list failed")
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"internal error")
		return
	}
	views := make([]insightView, 0, len(all))
	for _, ins := range all {
		views = append(views, insightView{Insight: ins})
	}
	if len(views) == 0 && rt.pendingFor(r, subjectID) {
		views = append(views, insightView{Pending: true})
	}
	respondJSON(w, r, http.StatusOK, views)
}

func (rt *Router) pendingFor(r *http.Request, subjectID string) bool {
	if rt.records == nil {
		return false
	}
	pending, err := rt.records.PendingForSubject(r.Context(), subjectID)
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("pending check failed")
		return false
	}
	return pending
}

// updatesResponse is the poll endpoint's answer. Truncated tells the
// client its cursor fell off the retained window and it should re-read
// insights instead of trusting the delta.
type updatesResponse struct {
	Updates   []notify.Update `json:"updates"`
	Revision  int64           `json:"revision"`
	Truncated bool            `json:"truncated"`
}

// subjectUpdates serves insight-change deltas since the caller's cursor.
// It is the polling fallback for clients without a websocket.
func (rt *Router) subjectUpdates(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	after, err := queryInt64(r, "after", 0)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "after must be an integer")
		return
	}

	if rt.tracker == nil {
		respondJSON(w, r, http.StatusOK, updatesResponse{Updates: []notify.Update{}})
		return
	}
	updates, revision, truncated := rt.tracker.Since(subjectID, after)
	if updates == nil {
		updates = []notify.Update{}
	}
	respondJSON(w, r, http.StatusOK, updatesResponse{
		Updates:   updates,
		Revision:  revision,
		Truncated: truncated,
	})
}

// subjectActivities serves the recorded timeline, newest first.
func (rt *Router) subjectActivities(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	limit, err := queryInt64(r, "limit", defaultActivityLimit)
	if err != nil || limit < 1 || limit > maxActivityLimit {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest,
			"limit must be between 1 and 500")
		return
	}

	acts, err := rt.activities.ActivitiesForSubject(r.Context(), subjectID, int(limit))
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("activity list failed")
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"internal error")
		return
	}
	if acts == nil {
		acts = []*activity.Activity{}
	}
	respondJSON(w, r, http.StatusOK, acts)
}

// deadLetters lists permanently failed envelopes for operators. The
// record reason says why; the activity itself is still in the store under
// the record key.
func (rt *Router) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt64(r, "limit", 50)
	if err != nil || limit < 1 || limit > maxDeadLetterLimit {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest,
			"limit must be between 1 and 200")
		return
	}

	records, err := rt.records.DeadLettered(r.Context(), int(limit))
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("dead letter list failed")
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"internal error")
		return
	}
	respondJSON(w, r, http.StatusOK, records)
}

// webSocket upgrades the connection and registers it with the hub. The
// optional subject_id query parameter scopes delivery to one child.
func (rt *Router) webSocket(w http.ResponseWriter, r *http.Request) {
	if rt.hub == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable,
			"live updates are not enabled")
		return
	}
	notify.ServeWS(rt.hub, w, r)
}

func queryInt64(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
