// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/nestling-app/nestling/internal/activity"
	"github.com/nestling-app/nestling/internal/enrich"
	"github.com/nestling-app/nestling/internal/ingest"
	"github.com/nestling-app/nestling/internal/insight"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testActivity(id, subjectID, key string) *activity.Activity {
	return &activity.Activity{
		ID:             id,
		SubjectID:      subjectID,
		Kind:           activity.KindFeeding,
		Payload:        json.RawMessage(`{"feeding_type":"bottle","amount_ml":120}`),
		OccurredAt:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		RecordedAt:     time.Date(2026, 3, 1, 9, 0, 1, 0, time.UTC),
		IdempotencyKey: key,
	}
}

func TestStore_MigrationsApply(t *testing.T) {
	s := openTestStore(t)
	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) < 3 {
		t.Errorf("applied migrations = %v, want at least 3", versions)
	}

	// Reopening must be a no-op, not a re-apply failure.
	s2, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	s2.Close()
}

func TestStore_CreateWithOutbox(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := testActivity("act-1", "child-1", "k1")
	seq, err := s.CreateWithOutbox(ctx, a)
	if err != nil {
		t.Fatalf("CreateWithOutbox: %v", err)
	}
	if seq != 1 {
		t.Errorf("sequence = %d, want 1", seq)
	}

	got, err := s.GetActivity(ctx, "act-1")
	if err != nil || got == nil {
		t.Fatalf("GetActivity: %v, %v", got, err)
	}
	if got.SubjectID != "child-1" || got.Kind != activity.KindFeeding {
		t.Errorf("activity = %+v", got)
	}
	if !got.OccurredAt.Equal(a.OccurredAt) {
		t.Errorf("OccurredAt = %v, want %v", got.OccurredAt, a.OccurredAt)
	}

	byKey, err := s.GetByIdempotencyKey(ctx, "k1")
	if err != nil || byKey == nil || byKey.ID != "act-1" {
		t.Errorf("GetByIdempotencyKey = %v, %v", byKey, err)
	}

	pending, err := s.PendingOutbox(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("PendingOutbox = %d entries, %v", len(pending), err)
	}
	env, err := activity.NewSerializer().Unmarshal(pending[0].Payload)
	if err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.ActivityID != "act-1" || env.Sequence != 1 {
		t.Errorf("envelope = %+v", env)
	}
	if pending[0].Topic != activity.TopicForSubject("child-1") {
		t.Errorf("topic = %q", pending[0].Topic)
	}
}

func TestStore_DuplicateKeyRollsBackEverything(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateWithOutbox(ctx, testActivity("act-1", "child-1", "k1")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := s.CreateWithOutbox(ctx, testActivity("act-2", "child-1", "k1"))
	if !errors.Is(err, ingest.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	// The failed attempt must not leave an outbox row or burn a
	// sequence number.
	if n, _ := s.PendingOutboxCount(ctx); n != 1 {
		t.Errorf("outbox count = %d, want 1", n)
	}
	seq, err := s.CreateWithOutbox(ctx, testActivity("act-3", "child-1", "k2"))
	if err != nil {
		t.Fatalf("third create: %v", err)
	}
	if seq != 2 {
		t.Errorf("sequence after failed create = %d, want 2", seq)
	}
}

func TestStore_SequencesIndependentPerSubject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, tc := range []struct {
		id, subject, key string
		want             int64
	}{
		{"a1", "child-1", "k1", 1},
		{"a2", "child-2", "k2", 1},
		{"a3", "child-1", "k3", 2},
	} {
		seq, err := s.CreateWithOutbox(ctx, testActivity(tc.id, tc.subject, tc.key))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if seq != tc.want {
			t.Errorf("create %d: sequence = %d, want %d", i, seq, tc.want)
		}
	}
}

func TestStore_MarkPublishedAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.CreateWithOutbox(ctx, testActivity("a1", "child-1", "k1"))
	s.CreateWithOutbox(ctx, testActivity("a2", "child-1", "k2"))

	pending, _ := s.PendingOutbox(ctx, 10)
	if err := s.MarkPublished(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if n, _ := s.PendingOutboxCount(ctx); n != 1 {
		t.Errorf("pending after mark = %d, want 1", n)
	}

	// Published rows age out; unpublished rows never do.
	pruned, err := s.PruneOutboxBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneOutboxBefore: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if n, _ := s.PendingOutboxCount(ctx); n != 1 {
		t.Errorf("pending after prune = %d, want 1", n)
	}
}

func TestStore_InsightCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetLatest(ctx, "child-1", "activity-summary")
	if !errors.Is(err, insight.ErrNotFound) {
		t.Fatalf("empty GetLatest = %v, want ErrNotFound", err)
	}

	ins := insight.New("child-1", "activity-summary", []string{"a1"}, "first", insight.StatusReady)
	ins.Version = 1
	if _, err := s.Upsert(ctx, ins); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}

	// Skipping a version or repeating one both conflict.
	for _, v := range []int64{1, 3} {
		stale := insight.New("child-1", "activity-summary", []string{"a2"}, "stale", insight.StatusReady)
		stale.Version = v
		if _, err := s.Upsert(ctx, stale); !errors.Is(err, insight.ErrVersionConflict) {
			t.Errorf("Upsert v%d = %v, want ErrVersionConflict", v, err)
		}
	}

	next := insight.New("child-1", "activity-summary", []string{"a1", "a2"}, "second", insight.StatusReady)
	next.Version = 2
	if _, err := s.Upsert(ctx, next); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	latest, err := s.GetLatest(ctx, "child-1", "activity-summary")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest.Version != 2 || latest.Content != "second" {
		t.Errorf("latest = v%d %q", latest.Version, latest.Content)
	}
	if len(latest.DerivedFrom) != 2 {
		t.Errorf("DerivedFrom = %v", latest.DerivedFrom)
	}

	history, err := s.History(ctx, "child-1", "activity-summary")
	if err != nil || len(history) != 2 {
		t.Errorf("history = %d entries, %v", len(history), err)
	}
}

func TestStore_LatestForSubject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, slot := range []struct {
		key, content string
		version      int64
	}{
		{"activity-summary", "v1", 1},
		{"activity-summary", "v2", 2},
		{"sleep-pattern", "naps", 1},
	} {
		ins := insight.New("child-1", slot.key, []string{"a1"}, slot.content, insight.StatusReady)
		ins.Version = slot.version
		if _, err := s.Upsert(ctx, ins); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	latest, err := s.LatestForSubject(ctx, "child-1")
	if err != nil {
		t.Fatalf("LatestForSubject: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("slots = %d, want 2", len(latest))
	}
	for _, ins := range latest {
		if ins.DerivationKey == "activity-summary" && ins.Content != "v2" {
			t.Errorf("activity-summary content = %q, want newest", ins.Content)
		}
	}
}

func TestStore_RecordLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	outcome, rec, err := s.Acquire(ctx, "act-1", "child-1", 1, "w1", time.Minute)
	if err != nil || outcome != enrich.OutcomeAcquired {
		t.Fatalf("acquire = %v, %v", outcome, err)
	}
	if rec.Attempts != 1 {
		t.Errorf("attempts = %d", rec.Attempts)
	}

	if outcome, _, _ = s.Acquire(ctx, "act-1", "child-1", 1, "w2", time.Minute); outcome != enrich.OutcomeLeased {
		t.Errorf("second worker acquire = %v, want leased", outcome)
	}

	if err := s.MarkDone(ctx, "act-1", "w2"); !errors.Is(err, enrich.ErrLeaseLost) {
		t.Errorf("non-holder MarkDone = %v, want ErrLeaseLost", err)
	}
	if err := s.MarkDone(ctx, "act-1", "w1"); err != nil {
		t.Fatalf("holder MarkDone: %v", err)
	}

	if outcome, _, _ = s.Acquire(ctx, "act-1", "child-1", 1, "w2", time.Minute); outcome != enrich.OutcomeDone {
		t.Errorf("acquire after done = %v, want done", outcome)
	}

	pending, err := s.PendingForSubject(ctx, "child-1")
	if err != nil || pending {
		t.Errorf("pending = %v, %v, want false", pending, err)
	}
}

func TestStore_RecordFailAndDeadLetter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Acquire(ctx, "act-1", "child-1", 1, "w1", time.Minute)
	if err := s.Fail(ctx, "act-1", "w1", time.Hour); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	// The backoff window blocks every worker.
	if outcome, _, _ := s.Acquire(ctx, "act-1", "child-1", 1, "w1", time.Minute); outcome != enrich.OutcomeLeased {
		t.Errorf("acquire during backoff = %v, want leased", outcome)
	}

	s.Acquire(ctx, "act-2", "child-1", 2, "w1", time.Minute)
	if err := s.MarkDeadLettered(ctx, "act-2", "w1", "content rejected"); err != nil {
		t.Fatalf("MarkDeadLettered: %v", err)
	}

	dead, err := s.DeadLettered(ctx, 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("DeadLettered = %d, %v", len(dead), err)
	}
	if dead[0].Key != "act-2" || dead[0].Reason != "content rejected" {
		t.Errorf("dead letter = %+v", dead[0])
	}
}

func TestStore_RecordPruneKeepsInFlight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Acquire(ctx, "act-done", "child-1", 1, "w1", time.Minute)
	s.MarkDone(ctx, "act-done", "w1")
	s.Acquire(ctx, "act-open", "child-1", 2, "w1", time.Minute)

	pruned, err := s.PruneBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if rec, _ := s.Get(ctx, "act-open"); rec == nil {
		t.Error("in-flight record must survive pruning")
	}
}

func TestStore_ActivitiesForSubject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a1", "a2", "a3"} {
		a := testActivity(id, "child-1", "k"+id)
		a.RecordedAt = a.RecordedAt.Add(time.Duration(i) * time.Minute)
		if _, err := s.CreateWithOutbox(ctx, a); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	s.CreateWithOutbox(ctx, testActivity("b1", "child-2", "kb1"))

	got, err := s.ActivitiesForSubject(ctx, "child-1", 2)
	if err != nil {
		t.Fatalf("ActivitiesForSubject: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("activities = %d, want 2", len(got))
	}
	if got[0].ID != "a3" || got[1].ID != "a2" {
		t.Errorf("order = %s, %s, want newest first", got[0].ID, got[1].ID)
	}
}
