// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

// Package ingest accepts client-submitted care activities, deduplicates
// them by idempotency key, and durably records them together with their
// broker envelopes using the outbox pattern.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/nestling-app/nestling/internal/activity"
	"github.com/nestling-app/nestling/internal/blob"
	"github.com/nestling-app/nestling/internal/logging"
	"github.com/nestling-app/nestling/internal/metrics"
)

// ErrStorageUnavailable indicates the attachment store or database could
// not complete the write; nothing was persisted. 503-equivalent.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Config holds ingest service settings.
type Config struct {
	// SubmitTimeout bounds one Submit end to end: blob staging plus the
	// transactional write.
	SubmitTimeout time.Duration

	// DedupWindow is how long an idempotency key suppresses resubmission.
	// Must not exceed activity retention; broker retention must cover it.
	DedupWindow time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SubmitTimeout: 10 * time.Second,
		DedupWindow:   30 * 24 * time.Hour,
	}
}

// SubmitRequest is one incoming activity submission.
type SubmitRequest struct {
	SubjectID      string          `json:"subject_id"`
	Kind           activity.Kind   `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurred_at"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// SubmitResult reports the outcome of a submission.
//
// Accepted=false with a non-empty ActivityID is a successful dedup: the
// same logical activity was recorded earlier, no new envelope was
// published, and the caller may treat the submission as applied.
type SubmitResult struct {
	ActivityID string `json:"activity_id"`
	Accepted   bool   `json:"accepted"`
}

// Service validates and records activities.
type Service struct {
	store ActivityStore
	blobs blob.Store
	cfg   Config

	// lastRecorded enforces monotonically non-decreasing RecordedAt
	// within this ingest process.
	mu           sync.Mutex
	lastRecorded time.Time

	now func() time.Time
}

// NewService creates an ingest service.
func NewService(store ActivityStore, blobs blob.Store, cfg Config) *Service {
	if cfg.SubmitTimeout == 0 {
		cfg.SubmitTimeout = DefaultConfig().SubmitTimeout
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = DefaultConfig().DedupWindow
	}
	return &Service{
		store: store,
		blobs: blobs,
		cfg:   cfg,
		now:   time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Submit validates, deduplicates, and durably records one activity.
//
// Error mapping: activity.ErrInvalidPayload for caller mistakes (never
// retried), ErrStorageUnavailable when the blob store or database failed
// (retryable by the caller with the same idempotency key).
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	start := s.now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()

	res, err := s.submit(ctx, req)
	outcome := "accepted"
	switch {
	case errors.Is(err, activity.ErrInvalidPayload):
		outcome = "invalid"
	case errors.Is(err, ErrStorageUnavailable):
		outcome = "storage_unavailable"
	case err == nil && !res.Accepted:
		outcome = "deduplicated"
	case err != nil:
		outcome = "error"
	}
	metrics.RecordIngest(string(req.Kind), outcome, s.now().Sub(start))
	return res, err
}

func (s *Service) submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.SubjectID == "" {
		return SubmitResult{}, fmt.Errorf("%w: missing subject_id", activity.ErrInvalidPayload)
	}
	if req.OccurredAt.IsZero() {
		return SubmitResult{}, fmt.Errorf("%w: missing occurred_at", activity.ErrInvalidPayload)
	}
	if err := activity.ValidatePayload(req.Kind, req.Payload); err != nil {
		return SubmitResult{}, err
	}

	payload := req.Payload
	if req.Kind == activity.KindPhoto {
		staged, err := s.stagePhoto(ctx, payload)
		if err != nil {
			return SubmitResult{}, err
		}
		payload = staged
	}

	key := req.IdempotencyKey
	if key == "" {
		key = deriveIdempotencyKey(req.SubjectID, req.Kind, req.OccurredAt, payload)
	}

	existing, err := s.store.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if existing != nil {
		// Same logical activity: same ID back, no new envelope.
		return SubmitResult{ActivityID: existing.ID, Accepted: false}, nil
	}

	a := &activity.Activity{
		ID:             activity.NewID(),
		SubjectID:      req.SubjectID,
		Kind:           req.Kind,
		Payload:        payload,
		OccurredAt:     req.OccurredAt.UTC(),
		RecordedAt:     s.nextRecordedAt(),
		IdempotencyKey: key,
	}

	seq, err := s.store.CreateWithOutbox(ctx, a)
	if errors.Is(err, ErrDuplicateKey) {
		// Lost a race with a concurrent submission of the same key.
		existing, gerr := s.store.GetByIdempotencyKey(ctx, key)
		if gerr != nil || existing == nil {
			return SubmitResult{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, gerr)
		}
		return SubmitResult{ActivityID: existing.ID, Accepted: false}, nil
	}
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	logging.Ctx(ctx).Debug().
		Str("activity_id", a.ID).
		Str("subject_id", a.SubjectID).
		Str("kind", string(a.Kind)).
		Int64("sequence", seq).
		Msg("activity recorded")

	return SubmitResult{ActivityID: a.ID, Accepted: true}, nil
}

// stagePhoto moves the inline photo binary to the blob store and rewrites
// the payload to carry only the content key. A blob failure fails the whole
// Submit before anything touches the database.
func (s *Service) stagePhoto(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p activity.PhotoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", activity.ErrInvalidPayload, err)
	}
	if p.Data == "" {
		// Already staged by the caller; keep the key as-is.
		return payload, nil
	}

	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: photo data is not valid base64", activity.ErrInvalidPayload)
	}

	key, err := s.blobs.Put(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	p.ContentKey = key
	p.Data = ""
	staged, err := json.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("marshal staged photo payload: %w", err)
	}
	return staged, nil
}

// nextRecordedAt returns a server timestamp that never goes backwards
// within this process.
func (s *Service) nextRecordedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if !now.After(s.lastRecorded) {
		now = s.lastRecorded
	}
	s.lastRecorded = now
	return now
}

// deriveIdempotencyKey builds a server-side key for callers that did not
// supply one. Identical resubmissions hash identically and collapse.
func deriveIdempotencyKey(subjectID string, kind activity.Kind, occurredAt time.Time, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(subjectID))
	h.Write([]byte(kind))
	h.Write([]byte(occurredAt.UTC().Format(time.RFC3339Nano)))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
