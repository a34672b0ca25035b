// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

// Package insight defines AI-derived annotations over recorded activities
// and the versioned store contract that makes concurrent enrichment safe.
package insight

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status describes the lifecycle of an insight.
type Status string

// Insight statuses.
const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// Store errors.
var (
	// ErrNotFound is returned when no insight exists for the requested
	// subject and derivation key.
	ErrNotFound = errors.New("insight not found")

	// ErrVersionConflict signals that another writer advanced the version
	// since the caller last read it. This is an expected concurrency
	// outcome, not a failure: the caller re-reads and re-evaluates.
	ErrVersionConflict = errors.New("insight version conflict")
)

// Insight is one versioned AI annotation for a (subject, derivation key)
// slot. Only the highest version is authoritative; older versions stay on
// disk for audit but are never served as current.
type Insight struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`

	// DerivationKey names the logical insight slot this version belongs
	// to (e.g. "sleep-pattern"), independent of which activities fed it.
	DerivationKey string `json:"derivation_key"`

	// DerivedFrom lists the activity IDs this insight was computed from.
	DerivedFrom []string `json:"derived_from"`

	// Version is monotonic per (SubjectID, DerivationKey).
	Version int64 `json:"version"`

	Content string `json:"content"`
	Status  Status `json:"status"`

	// FailureReason explains a Failed status; empty otherwise.
	FailureReason string `json:"failure_reason,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

// New creates an insight with a fresh ID and generation timestamp.
func New(subjectID, derivationKey string, derivedFrom []string, content string, status Status) *Insight {
	return &Insight{
		ID:            uuid.New().String(),
		SubjectID:     subjectID,
		DerivationKey: derivationKey,
		DerivedFrom:   derivedFrom,
		Content:       content,
		Status:        status,
		GeneratedAt:   time.Now().UTC(),
	}
}

// Covers reports whether this insight's derivation set is a superset of
// other's. Used by the conflict policy: a losing writer discards its result
// when the winner already covers everything it saw.
func (i *Insight) Covers(other *Insight) bool {
	seen := make(map[string]struct{}, len(i.DerivedFrom))
	for _, id := range i.DerivedFrom {
		seen[id] = struct{}{}
	}
	for _, id := range other.DerivedFrom {
		if _, ok := seen[id]; !ok {
			return false
		}
	}
	return true
}

// Store is the versioned insight store.
//
// Upsert is a compare-and-swap: the caller proposes Version =
// currentVersion+1 (1 for the first write). If the stored version has
// advanced past Version-1 the call fails with ErrVersionConflict and
// nothing is written. Implementations must make the check-and-write atomic
// at the storage layer, never with in-process locks shared across workers.
type Store interface {
	// Upsert writes insight at insight.Version and returns the stored
	// version. Fails with ErrVersionConflict when the slot moved on.
	Upsert(ctx context.Context, ins *Insight) (int64, error)

	// GetLatest returns the highest-version insight for the slot,
	// or ErrNotFound.
	GetLatest(ctx context.Context, subjectID, derivationKey string) (*Insight, error)
}
