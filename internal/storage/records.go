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
	"time"

	"github.com/nestling-app/nestling/internal/enrich"
)

var _ enrich.RecordStore = (*Store)(nil)

// Acquire implements enrich.RecordStore. The read and the claim run in
// one transaction on the single write connection, so two workers cannot
// both see an expired lease and claim it.
func (s *Store) Acquire(ctx context.Context, key, subjectID string, sequence int64, workerID string, lease time.Duration) (enrich.AcquireOutcome, *enrich.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rec, err := scanRecord(tx.QueryRowContext(ctx,
		selectRecord+" WHERE key = ?", key))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rec = &enrich.Record{
			Key:         key,
			SubjectID:   subjectID,
			Sequence:    sequence,
			State:       enrich.StateInFlight,
			WorkerID:    workerID,
			LeaseExpiry: now.Add(lease),
			Attempts:    1,
			UpdatedAt:   now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO processing_records (key, subject_id, sequence, state, worker_id, lease_expiry, attempts, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Key, rec.SubjectID, rec.Sequence, string(rec.State),
			rec.WorkerID, formatTime(rec.LeaseExpiry), rec.Attempts, formatTime(now))
		if err != nil {
			return 0, nil, fmt.Errorf("inserting record: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, nil, fmt.Errorf("committing claim: %w", err)
		}
		return enrich.OutcomeAcquired, rec, nil

	case err != nil:
		return 0, nil, fmt.Errorf("reading record: %w", err)
	}

	switch rec.State {
	case enrich.StateDone:
		return enrich.OutcomeDone, rec, nil
	case enrich.StateDeadLettered:
		return enrich.OutcomeDeadLettered, rec, nil
	}

	if rec.LeaseExpiry.After(now) && rec.WorkerID != workerID {
		return enrich.OutcomeLeased, rec, nil
	}

	rec.WorkerID = workerID
	rec.LeaseExpiry = now.Add(lease)
	rec.Attempts++
	rec.UpdatedAt = now
	_, err = tx.ExecContext(ctx, `
		UPDATE processing_records
		SET worker_id = ?, lease_expiry = ?, attempts = ?, updated_at = ?
		WHERE key = ?`,
		rec.WorkerID, formatTime(rec.LeaseExpiry), rec.Attempts, formatTime(now), key)
	if err != nil {
		return 0, nil, fmt.Errorf("claiming record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("committing claim: %w", err)
	}
	return enrich.OutcomeAcquired, rec, nil
}

// Fail implements enrich.RecordStore: the lease expiry becomes the
// backoff deadline and the worker binding is released.
func (s *Store) Fail(ctx context.Context, key, workerID string, delay time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_records
		SET worker_id = '', lease_expiry = ?, updated_at = ?
		WHERE key = ? AND state = ? AND worker_id = ?`,
		formatTime(now.Add(delay)), formatTime(now), key, string(enrich.StateInFlight), workerID)
	if err != nil {
		return fmt.Errorf("failing record: %w", err)
	}
	return requireLease(res, key, workerID)
}

// MarkDone implements enrich.RecordStore.
func (s *Store) MarkDone(ctx context.Context, key, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_records SET state = ?, updated_at = ?
		WHERE key = ? AND state = ? AND worker_id = ?`,
		string(enrich.StateDone), formatTime(time.Now()), key, string(enrich.StateInFlight), workerID)
	if err != nil {
		return fmt.Errorf("marking record done: %w", err)
	}
	return requireLease(res, key, workerID)
}

// MarkDeadLettered implements enrich.RecordStore.
func (s *Store) MarkDeadLettered(ctx context.Context, key, workerID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_records SET state = ?, reason = ?, updated_at = ?
		WHERE key = ? AND state = ? AND worker_id = ?`,
		string(enrich.StateDeadLettered), reason, formatTime(time.Now()),
		key, string(enrich.StateInFlight), workerID)
	if err != nil {
		return fmt.Errorf("dead-lettering record: %w", err)
	}
	return requireLease(res, key, workerID)
}

func requireLease(res sql.Result, key, workerID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w (worker %s)", key, enrich.ErrLeaseLost, workerID)
	}
	return nil
}

// Get implements enrich.RecordStore.
func (s *Store) Get(ctx context.Context, key string) (*enrich.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+" WHERE key = ?", key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// DeadLettered implements enrich.RecordStore.
func (s *Store) DeadLettered(ctx context.Context, limit int) ([]*enrich.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRecord+" WHERE state = ? ORDER BY updated_at DESC LIMIT ?",
		string(enrich.StateDeadLettered), limit)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	var out []*enrich.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PendingForSubject implements enrich.RecordStore.
func (s *Store) PendingForSubject(ctx context.Context, subjectID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processing_records WHERE subject_id = ? AND state = ?",
		subjectID, string(enrich.StateInFlight)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("counting pending records: %w", err)
	}
	return n > 0, nil
}

// PruneBefore implements enrich.RecordStore. In-flight records are kept
// regardless of age.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM processing_records WHERE state != ? AND updated_at < ?",
		string(enrich.StateInFlight), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const selectRecord = "SELECT key, subject_id, sequence, state, worker_id, lease_expiry, attempts, reason, updated_at FROM processing_records"

func scanRecord(row rowScanner) (*enrich.Record, error) {
	var (
		rec                enrich.Record
		state, expiry, upd string
	)
	err := row.Scan(&rec.Key, &rec.SubjectID, &rec.Sequence, &state,
		&rec.WorkerID, &expiry, &rec.Attempts, &rec.Reason, &upd)
	if err != nil {
		return nil, err
	}
	rec.State = enrich.RecordState(state)
	rec.LeaseExpiry = parseTime(expiry)
	rec.UpdatedAt = parseTime(upd)
	return &rec, nil
}
