// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/nestling-app/nestling/internal/activity"
)

// ErrDuplicateKey is returned by CreateWithOutbox when an activity with the
// same idempotency key already exists. Callers re-fetch and report a dedup,
// not an error.
var ErrDuplicateKey = errors.New("duplicate idempotency key")

// ActivityStore persists activities and their outbox rows.
type ActivityStore interface {
	// GetByIdempotencyKey returns the activity recorded under key, or
	// (nil, nil) when none exists.
	GetByIdempotencyKey(ctx context.Context, key string) (*activity.Activity, error)

	// GetActivity returns the activity by ID, or (nil, nil).
	GetActivity(ctx context.Context, id string) (*activity.Activity, error)

	// CreateWithOutbox writes the activity and its envelope outbox row in
	// one local transaction, assigning the next per-subject sequence
	// number. This is the outbox pattern's first half: after commit the
	// envelope cannot be lost even if the process dies before publishing.
	// Returns ErrDuplicateKey when the idempotency key is already taken.
	CreateWithOutbox(ctx context.Context, a *activity.Activity) (sequence int64, err error)
}

// OutboxEntry is one unpublished envelope awaiting relay to the broker.
type OutboxEntry struct {
	ID int64

	// MessageID is the broker dedup ID (the activity ID), so republishing
	// after a relay crash collapses inside the broker's duplicate window.
	MessageID string
	Topic     string
	SubjectID string

	// Payload is the serialized envelope snapshot.
	Payload   []byte
	CreatedAt time.Time
}

// OutboxStore is the relay's view of the outbox.
type OutboxStore interface {
	// PendingOutbox returns up to limit unpublished entries in creation
	// order.
	PendingOutbox(ctx context.Context, limit int) ([]*OutboxEntry, error)

	// MarkPublished flags entries as relayed. Entries stay on disk for
	// audit; retention pruning removes them later.
	MarkPublished(ctx context.Context, ids []int64) error

	// PendingOutboxCount reports the relay backlog.
	PendingOutboxCount(ctx context.Context) (int, error)
}
