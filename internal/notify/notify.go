// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

// Package notify delivers insight-change notifications to connected
// clients. Delivery is best effort: a slow or absent client loses
// nothing, because the insight store remains the source of truth and the
// polling endpoint serves the same updates.
package notify

import (
	"time"

	"github.com/nestling-app/nestling/internal/insight"
	"github.com/nestling-app/nestling/internal/metrics"
)

// Update is one insight-change notification.
type Update struct {
	SubjectID     string         `json:"subject_id"`
	DerivationKey string         `json:"derivation_key"`
	Version       int64          `json:"version"`
	Status        insight.Status `json:"status"`
	At            time.Time      `json:"at"`

	// Revision is the subject-scoped cursor for the polling endpoint.
	Revision int64 `json:"revision"`
}

// Service fans insight changes out to the websocket hub and the polling
// tracker. It satisfies the enrichment pool's notifier contract.
type Service struct {
	hub     *Hub
	tracker *Tracker
}

// NewService creates a notifier over hub and tracker. Either may be nil.
func NewService(hub *Hub, tracker *Tracker) *Service {
	return &Service{hub: hub, tracker: tracker}
}

// InsightUpdated records and broadcasts one insight change. It never
// blocks; the enrichment pool calls it on the processing path.
func (s *Service) InsightUpdated(subjectID, derivationKey string, version int64, status insight.Status) {
	u := Update{
		SubjectID:     subjectID,
		DerivationKey: derivationKey,
		Version:       version,
		Status:        status,
		At:            time.Now().UTC(),
	}
	if s.tracker != nil {
		u.Revision = s.tracker.Record(u)
	}
	if s.hub != nil {
		s.hub.Broadcast(u)
	}
	metrics.NotificationsDelivered.Inc()
}
