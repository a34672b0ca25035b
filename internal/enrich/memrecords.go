// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package enrich

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRecordStore is an in-process RecordStore for tests and
// single-binary development. All transitions happen under one mutex, which
// gives the same atomicity the SQL implementation gets from its
// transactions.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests use this to expire leases
// without sleeping.
func (s *MemoryRecordStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Acquire implements RecordStore.
func (s *MemoryRecordStore) Acquire(ctx context.Context, key, subjectID string, sequence int64, workerID string, lease time.Duration) (AcquireOutcome, *Record, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[key]
	if !ok {
		rec = &Record{
			Key:         key,
			SubjectID:   subjectID,
			Sequence:    sequence,
			State:       StateInFlight,
			WorkerID:    workerID,
			LeaseExpiry: now.Add(lease),
			Attempts:    1,
			UpdatedAt:   now,
		}
		s.records[key] = rec
		return OutcomeAcquired, s.copyOf(rec), nil
	}

	switch rec.State {
	case StateDone:
		return OutcomeDone, s.copyOf(rec), nil
	case StateDeadLettered:
		return OutcomeDeadLettered, s.copyOf(rec), nil
	}

	// InFlight: a live lease blocks everyone, including its own holder
	// while a failure backoff is pending.
	if rec.LeaseExpiry.After(now) && rec.WorkerID != workerID {
		return OutcomeLeased, s.copyOf(rec), nil
	}
	if rec.LeaseExpiry.After(now) && rec.WorkerID == workerID {
		// Own live lease: renew without waiting.
		rec.LeaseExpiry = now.Add(lease)
		rec.UpdatedAt = now
		rec.Attempts++
		return OutcomeAcquired, s.copyOf(rec), nil
	}

	rec.WorkerID = workerID
	rec.LeaseExpiry = now.Add(lease)
	rec.Attempts++
	rec.UpdatedAt = now
	return OutcomeAcquired, s.copyOf(rec), nil
}

// Fail implements RecordStore.
func (s *MemoryRecordStore) Fail(ctx context.Context, key, workerID string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.State != StateInFlight || rec.WorkerID != workerID {
		return fmt.Errorf("fail %s: %w (worker %s)", key, ErrLeaseLost, workerID)
	}
	now := s.now()
	// Push the lease out so nobody retries before the backoff elapses.
	// Clearing WorkerID makes the expired lease claimable by anyone.
	rec.LeaseExpiry = now.Add(delay)
	rec.WorkerID = ""
	rec.UpdatedAt = now
	return nil
}

// MarkDone implements RecordStore.
func (s *MemoryRecordStore) MarkDone(ctx context.Context, key, workerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.State != StateInFlight || rec.WorkerID != workerID {
		return fmt.Errorf("mark done %s: %w (worker %s)", key, ErrLeaseLost, workerID)
	}
	rec.State = StateDone
	rec.UpdatedAt = s.now()
	return nil
}

// MarkDeadLettered implements RecordStore.
func (s *MemoryRecordStore) MarkDeadLettered(ctx context.Context, key, workerID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.State != StateInFlight || rec.WorkerID != workerID {
		return fmt.Errorf("dead-letter %s: %w (worker %s)", key, ErrLeaseLost, workerID)
	}
	rec.State = StateDeadLettered
	rec.Reason = reason
	rec.UpdatedAt = s.now()
	return nil
}

// Get implements RecordStore.
func (s *MemoryRecordStore) Get(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return s.copyOf(rec), nil
}

// DeadLettered implements RecordStore.
func (s *MemoryRecordStore) DeadLettered(ctx context.Context, limit int) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	for _, rec := range s.records {
		if rec.State == StateDeadLettered {
			out = append(out, s.copyOf(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PendingForSubject implements RecordStore.
func (s *MemoryRecordStore) PendingForSubject(ctx context.Context, subjectID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.SubjectID == subjectID && rec.State == StateInFlight {
			return true, nil
		}
	}
	return false, nil
}

// PruneBefore implements RecordStore.
func (s *MemoryRecordStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.records {
		// In-flight records are never pruned; losing one would reopen
		// the envelope for reprocessing.
		if rec.State != StateInFlight && rec.UpdatedAt.Before(cutoff) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryRecordStore) copyOf(rec *Record) *Record {
	cp := *rec
	return &cp
}
