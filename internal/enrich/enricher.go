// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

// Package enrich consumes activity envelopes from the broker, invokes the
// AI insight capability, and persists versioned insights. It owns the
// processing-record ledger that turns at-least-once delivery into
// exactly-once effect.
package enrich

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/nestling-app/nestling/internal/activity"
)

// Request is one enrichment invocation.
type Request struct {
	SubjectID     string          `json:"subject_id"`
	DerivationKey string          `json:"derivation_key"`
	ActivityID    string          `json:"activity_id"`
	Kind          activity.Kind   `json:"kind"`
	Payload       json.RawMessage `json:"payload"`

	// PriorContent is the current insight for the slot, if any, so the
	// capability can refine rather than start over.
	PriorContent string `json:"prior_content,omitempty"`
}

// Result is the capability's answer.
type Result struct {
	Content string `json:"content"`
}

// Enricher is the opaque AI capability. Implementations must honor the
// context deadline; the pool always calls with a timeout shorter than its
// lease duration.
type Enricher interface {
	Enrich(ctx context.Context, req Request) (Result, error)
}

// Derivation keys name the logical insight slots, one per analyzer the
// assistant runs. They mirror the analyzer tools of the product.
const (
	DerivationActivitySummary = "activity-summary"
	DerivationSleepPattern    = "sleep-pattern"
	DerivationCareMetrics     = "care-metrics"
	DerivationSchedule        = "schedule"
)

// DerivationKeyFor maps an activity kind to the insight slot it feeds.
func DerivationKeyFor(kind activity.Kind) string {
	switch kind {
	case activity.KindSleep:
		return DerivationSleepPattern
	case activity.KindDiaper, activity.KindVital:
		return DerivationCareMetrics
	case activity.KindMilestone:
		return DerivationSchedule
	default:
		// Feedings, photos, and anything new fall into the general
		// activity summary.
		return DerivationActivitySummary
	}
}
