// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package activity

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// SchemaVersion is the current envelope schema version.
// Increment this when making breaking changes to Envelope.
const SchemaVersion = 1

// Envelope is the wire unit that carries one activity through the broker.
//
// The subject ID doubles as the partition key: all envelopes for one child
// land on one ordered sub-stream, which is what gives consumers per-child
// ordering without any cross-worker locking.
//
// Consumers must tolerate unknown fields (newer producers) and absent
// optional fields (older producers).
type Envelope struct {
	// SchemaVersion tracks the envelope format for forward/backward
	// compatibility. Zero means version 1 (legacy producers).
	SchemaVersion int `json:"schema_version,omitempty"`

	ActivityID string `json:"activity_id"`
	SubjectID  string `json:"subject_id"`
	Kind       Kind   `json:"kind"`

	// Sequence is monotonic within a partition (per subject), assigned by
	// the outbox at ingest time.
	Sequence int64 `json:"sequence"`

	// IdempotencyKey is carried so consumers can dedup redeliveries.
	IdempotencyKey string `json:"idempotency_key"`

	// Payload is a snapshot of the activity payload at publish time.
	Payload json.RawMessage `json:"payload"`

	OccurredAt  time.Time `json:"occurred_at"`
	PublishedAt time.Time `json:"published_at"`
}

// NewEnvelope snapshots an activity into a wire envelope with the given
// partition sequence number.
func NewEnvelope(a *Activity, sequence int64) *Envelope {
	return &Envelope{
		SchemaVersion:  SchemaVersion,
		ActivityID:     a.ID,
		SubjectID:      a.SubjectID,
		Kind:           a.Kind,
		Sequence:       sequence,
		IdempotencyKey: a.IdempotencyKey,
		Payload:        a.Payload,
		OccurredAt:     a.OccurredAt,
		PublishedAt:    time.Now().UTC(),
	}
}

// GetSchemaVersion returns the schema version, defaulting to 1 for
// envelopes produced before versioning existed.
func (e *Envelope) GetSchemaVersion() int {
	if e.SchemaVersion == 0 {
		return 1
	}
	return e.SchemaVersion
}

// Validate checks required envelope fields.
func (e *Envelope) Validate() error {
	if e.ActivityID == "" {
		return fmt.Errorf("envelope missing activity_id")
	}
	if e.SubjectID == "" {
		return fmt.Errorf("envelope missing subject_id")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("envelope has unknown kind %q", e.Kind)
	}
	if e.Sequence < 0 {
		return fmt.Errorf("envelope has negative sequence %d", e.Sequence)
	}
	return nil
}

// Topic returns the broker subject for this envelope.
// Subjects are per-child so JetStream preserves per-child ordering.
func (e *Envelope) Topic() string {
	return TopicForSubject(e.SubjectID)
}

// TopicPrefix is the base subject for activity envelopes.
const TopicPrefix = "activity.recorded"

// TopicWildcard subscribes to envelopes for all subjects.
const TopicWildcard = TopicPrefix + ".*"

// TopicForSubject returns the broker subject for one child's envelopes.
func TopicForSubject(subjectID string) string {
	return TopicPrefix + "." + subjectID
}

// Serializer handles envelope encoding for broker messages.
type Serializer struct{}

// NewSerializer creates a new serializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Marshal validates and encodes an envelope to JSON bytes.
func (s *Serializer) Marshal(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("validate envelope: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Unmarshal decodes JSON bytes to an envelope. Unknown fields are ignored.
func (s *Serializer) Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &e, nil
}
