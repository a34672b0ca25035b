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

	"github.com/goccy/go-json"

	"github.com/nestling-app/nestling/internal/insight"
)

var _ insight.Store = (*Store)(nil)

// Upsert implements insight.Store. The compare-and-swap lives in the
// schema: (subject_id, derivation_key, version) is the primary key, so
// two workers proposing the same version collide at insert time and the
// loser gets ErrVersionConflict without having written anything.
func (s *Store) Upsert(ctx context.Context, ins *insight.Insight) (int64, error) {
	if ins.Version < 1 {
		return 0, insight.ErrVersionConflict
	}

	derivedFrom, err := json.Marshal(ins.DerivedFrom)
	if err != nil {
		return 0, fmt.Errorf("encoding derivation set: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT MAX(version) FROM insights WHERE subject_id = ? AND derivation_key = ?",
		ins.SubjectID, ins.DerivationKey).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("reading current version: %w", err)
	}
	if ins.Version != current.Int64+1 {
		return 0, insight.ErrVersionConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO insights (id, subject_id, derivation_key, version, derived_from, content, status, failure_reason, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ins.ID, ins.SubjectID, ins.DerivationKey, ins.Version,
		string(derivedFrom), ins.Content, string(ins.Status), ins.FailureReason,
		formatTime(ins.GeneratedAt))
	if isUniqueViolation(err) {
		return 0, insight.ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("inserting insight: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing insight: %w", err)
	}
	return ins.Version, nil
}

// GetLatest implements insight.Store.
func (s *Store) GetLatest(ctx context.Context, subjectID, derivationKey string) (*insight.Insight, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, derivation_key, version, derived_from, content, status, failure_reason, generated_at
		FROM insights WHERE subject_id = ? AND derivation_key = ?
		ORDER BY version DESC LIMIT 1`, subjectID, derivationKey)
	ins, err := scanInsight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, insight.ErrNotFound
	}
	return ins, err
}

// LatestForSubject returns the current version of every insight slot the
// subject has.
func (s *Store) LatestForSubject(ctx context.Context, subjectID string) ([]*insight.Insight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, derivation_key, version, derived_from, content, status, failure_reason, generated_at
		FROM insights i WHERE subject_id = ?
		AND version = (SELECT MAX(version) FROM insights WHERE subject_id = i.subject_id AND derivation_key = i.derivation_key)
		ORDER BY derivation_key`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("querying insights: %w", err)
	}
	defer rows.Close()

	var out []*insight.Insight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

// History returns every stored version for a slot, oldest first.
func (s *Store) History(ctx context.Context, subjectID, derivationKey string) ([]*insight.Insight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, derivation_key, version, derived_from, content, status, failure_reason, generated_at
		FROM insights WHERE subject_id = ? AND derivation_key = ?
		ORDER BY version`, subjectID, derivationKey)
	if err != nil {
		return nil, fmt.Errorf("querying insight history: %w", err)
	}
	defer rows.Close()

	var out []*insight.Insight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInsight(row rowScanner) (*insight.Insight, error) {
	var (
		ins                      insight.Insight
		derivedFrom, status, gen string
	)
	err := row.Scan(&ins.ID, &ins.SubjectID, &ins.DerivationKey, &ins.Version,
		&derivedFrom, &ins.Content, &status, &ins.FailureReason, &gen)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(derivedFrom), &ins.DerivedFrom); err != nil {
		return nil, fmt.Errorf("decoding derivation set: %w", err)
	}
	ins.Status = insight.Status(status)
	ins.GeneratedAt = parseTime(gen)
	return &ins, nil
}
