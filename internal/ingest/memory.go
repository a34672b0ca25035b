// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nestling-app/nestling/internal/activity"
)

// MemoryStore implements ActivityStore and OutboxStore in process, for
// tests and single-binary development. One mutex covers both tables, which
// makes CreateWithOutbox atomic the same way the SQL transaction does.
type MemoryStore struct {
	mu         sync.Mutex
	activities map[string]*activity.Activity // by ID
	byKey      map[string]string             // idempotency key -> activity ID
	outbox     []*memOutboxRow
	sequences  map[string]int64 // subject ID -> last assigned sequence
	nextRowID  int64
}

type memOutboxRow struct {
	entry     OutboxEntry
	published bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		activities: make(map[string]*activity.Activity),
		byKey:      make(map[string]string),
		sequences:  make(map[string]int64),
	}
}

// GetByIdempotencyKey implements ActivityStore.
func (s *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*activity.Activity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, nil
	}
	cp := *s.activities[id]
	return &cp, nil
}

// GetActivity implements ActivityStore.
func (s *MemoryStore) GetActivity(ctx context.Context, id string) (*activity.Activity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activities[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// CreateWithOutbox implements ActivityStore.
func (s *MemoryStore) CreateWithOutbox(ctx context.Context, a *activity.Activity) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[a.IdempotencyKey]; exists {
		return 0, ErrDuplicateKey
	}

	seq := s.sequences[a.SubjectID] + 1
	env := activity.NewEnvelope(a, seq)
	payload, err := activity.NewSerializer().Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("serialize envelope: %w", err)
	}

	cp := *a
	s.activities[a.ID] = &cp
	s.byKey[a.IdempotencyKey] = a.ID
	s.sequences[a.SubjectID] = seq
	s.nextRowID++
	s.outbox = append(s.outbox, &memOutboxRow{
		entry: OutboxEntry{
			ID:        s.nextRowID,
			MessageID: a.ID,
			Topic:     env.Topic(),
			SubjectID: a.SubjectID,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		},
	})
	return seq, nil
}

// PendingOutbox implements OutboxStore.
func (s *MemoryStore) PendingOutbox(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*OutboxEntry
	for _, row := range s.outbox {
		if row.published {
			continue
		}
		cp := row.entry
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkPublished implements OutboxStore.
func (s *MemoryStore) MarkPublished(ctx context.Context, ids []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	marked := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		marked[id] = struct{}{}
	}
	for _, row := range s.outbox {
		if _, ok := marked[row.entry.ID]; ok {
			row.published = true
		}
	}
	return nil
}

// PendingOutboxCount implements OutboxStore.
func (s *MemoryStore) PendingOutboxCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.outbox {
		if !row.published {
			n++
		}
	}
	return n, nil
}
