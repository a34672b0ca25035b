// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package insight

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node
// development. The version check and the write happen under one lock, so
// it provides the same compare-and-swap contract as the durable store.
type MemoryStore struct {
	mu sync.Mutex
	// slots maps subjectID -> derivationKey -> versions ascending.
	slots map[string]map[string][]*Insight
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]map[string][]*Insight)}
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(ctx context.Context, ins *Insight) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if ins.Version < 1 {
		return 0, ErrVersionConflict
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, ok := s.slots[ins.SubjectID]
	if !ok {
		keys = make(map[string][]*Insight)
		s.slots[ins.SubjectID] = keys
	}

	versions := keys[ins.DerivationKey]
	var current int64
	if n := len(versions); n > 0 {
		current = versions[n-1].Version
	}
	if ins.Version != current+1 {
		return 0, ErrVersionConflict
	}

	cp := *ins
	cp.DerivedFrom = append([]string(nil), ins.DerivedFrom...)
	keys[ins.DerivationKey] = append(versions, &cp)
	return cp.Version, nil
}

// GetLatest implements Store.
func (s *MemoryStore) GetLatest(ctx context.Context, subjectID, derivationKey string) (*Insight, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.slots[subjectID][derivationKey]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	cp := *versions[len(versions)-1]
	cp.DerivedFrom = append([]string(nil), cp.DerivedFrom...)
	return &cp, nil
}

// History returns all stored versions for a slot, oldest first. Used by
// the audit endpoint and tests.
func (s *MemoryStore) History(ctx context.Context, subjectID, derivationKey string) ([]*Insight, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.slots[subjectID][derivationKey]
	out := make([]*Insight, 0, len(versions))
	for _, v := range versions {
		cp := *v
		cp.DerivedFrom = append([]string(nil), v.DerivedFrom...)
		out = append(out, &cp)
	}
	return out, nil
}
