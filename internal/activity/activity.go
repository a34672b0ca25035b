// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

// Package activity defines the domain model flowing through the pipeline:
// care activities recorded for a child and the envelopes that carry them
// across the event log.
package activity

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Kind identifies the type of care activity.
type Kind string

// Supported activity kinds.
const (
	KindFeeding   Kind = "feeding"
	KindSleep     Kind = "sleep"
	KindDiaper    Kind = "diaper"
	KindPhoto     Kind = "photo"
	KindMilestone Kind = "milestone"
	KindVital     Kind = "vital"
)

// Valid reports whether k is a known activity kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFeeding, KindSleep, KindDiaper, KindPhoto, KindMilestone, KindVital:
		return true
	}
	return false
}

// ErrInvalidPayload indicates a payload that does not match its declared
// kind: missing required fields, out-of-range values, or unparseable JSON.
// Callers see this as a 400-equivalent; it is never retried.
var ErrInvalidPayload = errors.New("invalid activity payload")

// Activity is one recorded fact about a child at a point in time.
// Activities are immutable once persisted.
type Activity struct {
	ID             string          `json:"id"`
	SubjectID      string          `json:"subject_id"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurred_at"`
	RecordedAt     time.Time       `json:"recorded_at"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// NewID generates an activity identifier. IDs are never reused.
func NewID() string {
	return uuid.New().String()
}

// FeedingType enumerates how a feeding was given.
type FeedingType string

// Feeding types, matching the tracking vocabulary of the mobile clients.
const (
	FeedingBreastLeft  FeedingType = "breast_left"
	FeedingBreastRight FeedingType = "breast_right"
	FeedingBreastBoth  FeedingType = "breast_both"
	FeedingBottle      FeedingType = "bottle"
	FeedingFormula     FeedingType = "formula"
	FeedingSolids      FeedingType = "solids"
	FeedingPumping     FeedingType = "pumping"
)

// FeedingPayload describes a feeding session.
type FeedingPayload struct {
	FeedingType FeedingType `json:"feeding_type"`
	// AmountML is in milliliters for liquids, grams for solids.
	AmountML          float64 `json:"amount_ml,omitempty"`
	DurationMin       int     `json:"duration_min,omitempty"`
	BottleContentType string  `json:"bottle_content_type,omitempty"`
	LastBreast        string  `json:"last_breast,omitempty"`
	PumpedVolumeLeft  float64 `json:"pumped_volume_left,omitempty"`
	PumpedVolumeRight float64 `json:"pumped_volume_right,omitempty"`
	Notes             string  `json:"notes,omitempty"`
}

// SleepPayload describes one sleep session.
type SleepPayload struct {
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	// DurationMin is derived from start/end when both are present.
	DurationMin int    `json:"duration_min,omitempty"`
	Quality     string `json:"quality,omitempty"`  // poor, fair, good, excellent
	Location    string `json:"location,omitempty"` // crib, bassinet, stroller, ...
	Notes       string `json:"notes,omitempty"`
}

// DiaperPayload describes a diaper change.
type DiaperPayload struct {
	Content     string `json:"content"` // wet, dirty, both, dry
	Consistency string `json:"consistency,omitempty"`
	Color       string `json:"color,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// PhotoPayload references a stored photo by its content key.
// The binary itself lives in the attachment store; the pipeline only ever
// carries the key.
type PhotoPayload struct {
	ContentKey  string `json:"content_key"`
	ContentType string `json:"content_type,omitempty"`
	PhotoType   string `json:"photo_type,omitempty"` // profile, milestone, growth, other
	Description string `json:"description,omitempty"`
	// Data carries the base64-encoded binary on submission only. Ingest
	// strips it after staging the blob and replaces it with ContentKey.
	Data string `json:"data,omitempty"`
}

// MilestonePayload records a developmental milestone.
type MilestonePayload struct {
	Title       string `json:"title"`
	Category    string `json:"category,omitempty"` // motor, cognitive, language, social, emotional, self_care
	Description string `json:"description,omitempty"`
	AgeMonths   int    `json:"age_months,omitempty"`
}

// VitalPayload records a health or growth measurement.
type VitalPayload struct {
	TemperatureC      float64  `json:"temperature_c,omitempty"`
	WeightKg          float64  `json:"weight_kg,omitempty"`
	HeightCm          float64  `json:"height_cm,omitempty"`
	HeadCircumference float64  `json:"head_circumference_cm,omitempty"`
	Symptoms          []string `json:"symptoms,omitempty"`
	Notes             string   `json:"notes,omitempty"`
}

// ValidatePayload decodes and range-checks payload against kind.
// All failures wrap ErrInvalidPayload. Unknown JSON fields are tolerated so
// newer clients can submit to older servers.
func ValidatePayload(kind Kind, payload json.RawMessage) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, kind)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}

	switch kind {
	case KindFeeding:
		var p FeedingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p.validate()
	case KindSleep:
		var p SleepPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p.validate()
	case KindDiaper:
		var p DiaperPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p.validate()
	case KindPhoto:
		var p PhotoPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p.validate()
	case KindMilestone:
		var p MilestonePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p.validate()
	case KindVital:
		var p VitalPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p.validate()
	}
	return nil
}

func (p *FeedingPayload) validate() error {
	switch p.FeedingType {
	case FeedingBreastLeft, FeedingBreastRight, FeedingBreastBoth,
		FeedingBottle, FeedingFormula, FeedingSolids, FeedingPumping:
	default:
		return fmt.Errorf("%w: unknown feeding_type %q", ErrInvalidPayload, p.FeedingType)
	}
	if p.AmountML < 0 {
		return fmt.Errorf("%w: negative amount_ml", ErrInvalidPayload)
	}
	if p.DurationMin < 0 {
		return fmt.Errorf("%w: negative duration_min", ErrInvalidPayload)
	}
	return nil
}

func (p *SleepPayload) validate() error {
	if p.StartTime.IsZero() {
		return fmt.Errorf("%w: missing start_time", ErrInvalidPayload)
	}
	if p.EndTime != nil && p.EndTime.Before(p.StartTime) {
		return fmt.Errorf("%w: end_time before start_time", ErrInvalidPayload)
	}
	if p.DurationMin < 0 {
		return fmt.Errorf("%w: negative duration_min", ErrInvalidPayload)
	}
	return nil
}

func (p *DiaperPayload) validate() error {
	switch p.Content {
	case "wet", "dirty", "both", "dry":
		return nil
	case "":
		return fmt.Errorf("%w: missing diaper content", ErrInvalidPayload)
	default:
		return fmt.Errorf("%w: unknown diaper content %q", ErrInvalidPayload, p.Content)
	}
}

func (p *PhotoPayload) validate() error {
	if p.ContentKey == "" && p.Data == "" {
		return fmt.Errorf("%w: photo requires data or content_key", ErrInvalidPayload)
	}
	return nil
}

func (p *MilestonePayload) validate() error {
	if p.Title == "" {
		return fmt.Errorf("%w: missing milestone title", ErrInvalidPayload)
	}
	if p.AgeMonths < 0 {
		return fmt.Errorf("%w: negative age_months", ErrInvalidPayload)
	}
	return nil
}

func (p *VitalPayload) validate() error {
	// Plausible clinical ranges; values outside are treated as entry errors.
	if p.TemperatureC != 0 && (p.TemperatureC < 30 || p.TemperatureC > 45) {
		return fmt.Errorf("%w: temperature_c out of range", ErrInvalidPayload)
	}
	if p.WeightKg < 0 || p.WeightKg > 50 {
		return fmt.Errorf("%w: weight_kg out of range", ErrInvalidPayload)
	}
	if p.HeightCm < 0 || p.HeightCm > 200 {
		return fmt.Errorf("%w: height_cm out of range", ErrInvalidPayload)
	}
	return nil
}
