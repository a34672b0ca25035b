// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package enrich

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseLost is returned by Fail, MarkDone, and MarkDeadLettered when
// the caller no longer holds the record's lease. The new holder owns the
// terminal state; the caller must not retry.
var ErrLeaseLost = errors.New("processing lease lost")

// RecordState is the lifecycle state of one envelope's processing.
type RecordState string

// Processing record states. A missing record means processing has not
// started. Records are never deleted; retention is bounded by PruneBefore.
const (
	StateInFlight     RecordState = "in_flight"
	StateDone         RecordState = "done"
	StateDeadLettered RecordState = "dead_lettered"
)

// Record tracks processing of one idempotency key. It is the consumer-side
// half of exactly-once effect: redelivered envelopes whose record is Done
// are acknowledged without recomputation.
type Record struct {
	// Key is the activity ID the record guards. It is stable across
	// broker redeliveries of the same envelope.
	Key       string
	SubjectID string
	Sequence  int64
	State     RecordState

	// WorkerID and LeaseExpiry identify the current lease holder. A lease
	// that has expired no longer protects the record; clock skew means
	// expiry is a strong hint, not a guarantee, which is why insight
	// writes are additionally version-checked.
	WorkerID    string
	LeaseExpiry time.Time

	// Attempts counts lease acquisitions, bounding retries.
	Attempts int

	// Reason holds the dead-letter cause for operator inspection.
	Reason    string
	UpdatedAt time.Time
}

// AcquireOutcome is the result of an Acquire call.
type AcquireOutcome int

// Acquire outcomes.
const (
	// OutcomeAcquired means the caller now holds the lease and must
	// process the envelope.
	OutcomeAcquired AcquireOutcome = iota

	// OutcomeDone means the envelope was already fully processed;
	// acknowledge and skip.
	OutcomeDone

	// OutcomeLeased means another holder has a live lease; the envelope
	// will come around again after expiry.
	OutcomeLeased

	// OutcomeDeadLettered means processing permanently failed earlier;
	// acknowledge and skip, operators own it now.
	OutcomeDeadLettered
)

// RecordStore is the durable processing ledger. Implementations must make
// every transition an atomic compare-and-set at the storage layer; the pool
// runs in multiple processes and in-process locks do not protect anything.
type RecordStore interface {
	// Acquire creates or claims the record for key. A live lease held by a
	// different worker yields OutcomeLeased. Claiming (including re-claiming
	// after expiry, or renewing one's own lease) increments Attempts and
	// sets LeaseExpiry to now+lease.
	Acquire(ctx context.Context, key, subjectID string, sequence int64, workerID string, lease time.Duration) (AcquireOutcome, *Record, error)

	// Fail keeps the record InFlight after a transient failure and pushes
	// LeaseExpiry to now+delay, so no holder (including the caller) can
	// reacquire before the backoff elapses.
	Fail(ctx context.Context, key, workerID string, delay time.Duration) error

	// MarkDone transitions the caller's InFlight record to Done.
	MarkDone(ctx context.Context, key, workerID string) error

	// MarkDeadLettered transitions the record to DeadLettered with a
	// reason. Dead-lettered records are terminal.
	MarkDeadLettered(ctx context.Context, key, workerID, reason string) error

	// Get returns the record for key, or nil when processing has not
	// started.
	Get(ctx context.Context, key string) (*Record, error)

	// DeadLettered lists dead-lettered records for operator inspection,
	// newest first, up to limit.
	DeadLettered(ctx context.Context, limit int) ([]*Record, error)

	// PendingForSubject reports whether any record for the subject is
	// still in flight.
	PendingForSubject(ctx context.Context, subjectID string) (bool, error)

	// PruneBefore drops records not updated since cutoff. Retention must
	// be at least as long as the broker's replay window so replays stay
	// deduplicated.
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}
