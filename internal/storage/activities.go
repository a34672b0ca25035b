// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nestling-app/nestling/internal/activity"
	"github.com/nestling-app/nestling/internal/ingest"
)

var (
	_ ingest.ActivityStore = (*Store)(nil)
	_ ingest.OutboxStore   = (*Store)(nil)
)

// GetByIdempotencyKey implements ingest.ActivityStore.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*activity.Activity, error) {
	return s.getActivity(ctx,
		"SELECT id, subject_id, kind, payload, occurred_at, recorded_at, idempotency_key FROM activities WHERE idempotency_key = ?", key)
}

// GetActivity implements ingest.ActivityStore.
func (s *Store) GetActivity(ctx context.Context, id string) (*activity.Activity, error) {
	return s.getActivity(ctx,
		"SELECT id, subject_id, kind, payload, occurred_at, recorded_at, idempotency_key FROM activities WHERE id = ?", id)
}

func (s *Store) getActivity(ctx context.Context, query string, arg any) (*activity.Activity, error) {
	var (
		a                      activity.Activity
		kind, payload          string
		occurredAt, recordedAt string
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&a.ID, &a.SubjectID, &kind, &payload, &occurredAt, &recordedAt, &a.IdempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	a.Kind = activity.Kind(kind)
	a.Payload = json.RawMessage(payload)
	a.OccurredAt = parseTime(occurredAt)
	a.RecordedAt = parseTime(recordedAt)
	return &a, nil
}

// CreateWithOutbox implements ingest.ActivityStore. The activity row, the
// sequence bump, and the outbox row commit or roll back together.
func (s *Store) CreateWithOutbox(ctx context.Context, a *activity.Activity) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO subject_sequences (subject_id, next_seq) VALUES (?, 1)
		ON CONFLICT (subject_id) DO UPDATE SET next_seq = next_seq + 1
		RETURNING next_seq`, a.SubjectID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("assigning sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO activities (id, subject_id, kind, payload, occurred_at, recorded_at, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SubjectID, string(a.Kind), string(a.Payload),
		formatTime(a.OccurredAt), formatTime(a.RecordedAt), a.IdempotencyKey)
	if isUniqueViolation(err) {
		return 0, ingest.ErrDuplicateKey
	}
	if err != nil {
		return 0, fmt.Errorf("inserting activity: %w", err)
	}

	env := activity.NewEnvelope(a, seq)
	payload, err := activity.NewSerializer().Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("serializing envelope: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (message_id, topic, subject_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, env.Topic(), a.SubjectID, payload, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("inserting outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing activity: %w", err)
	}
	return seq, nil
}

// PendingOutbox implements ingest.OutboxStore.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]*ingest.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, topic, subject_id, payload, created_at
		FROM outbox WHERE published_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	defer rows.Close()

	var entries []*ingest.OutboxEntry
	for rows.Next() {
		var (
			e         ingest.OutboxEntry
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Topic, &e.SubjectID, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning outbox entry: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// MarkPublished implements ingest.OutboxStore.
func (s *Store) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(time.Now()))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET published_at = ? WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("marking outbox published: %w", err)
	}
	return nil
}

// PendingOutboxCount implements ingest.OutboxStore.
func (s *Store) PendingOutboxCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox WHERE published_at IS NULL").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting outbox: %w", err)
	}
	return n, nil
}

// ActivitiesForSubject returns a subject's activities newest first, for
// the timeline endpoint.
func (s *Store) ActivitiesForSubject(ctx context.Context, subjectID string, limit int) ([]*activity.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, kind, payload, occurred_at, recorded_at, idempotency_key
		FROM activities WHERE subject_id = ? ORDER BY recorded_at DESC LIMIT ?`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying activities: %w", err)
	}
	defer rows.Close()

	var out []*activity.Activity
	for rows.Next() {
		var (
			a                      activity.Activity
			kind, payload          string
			occurredAt, recordedAt string
		)
		if err := rows.Scan(&a.ID, &a.SubjectID, &kind, &payload, &occurredAt, &recordedAt, &a.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		a.Kind = activity.Kind(kind)
		a.Payload = json.RawMessage(payload)
		a.OccurredAt = parseTime(occurredAt)
		a.RecordedAt = parseTime(recordedAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// PruneOutboxBefore removes published outbox rows older than cutoff.
func (s *Store) PruneOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM outbox WHERE published_at IS NOT NULL AND created_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning outbox: %w", err)
	}
	return res.RowsAffected()
}
