// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package notify

import (
	"testing"

	"github.com/nestling-app/nestling/internal/insight"
)

func update(subjectID, key string, version int64) Update {
	return Update{
		SubjectID:     subjectID,
		DerivationKey: key,
		Version:       version,
		Status:        insight.StatusReady,
	}
}

func TestTracker_RevisionsPerSubject(t *testing.T) {
	tr := NewTracker()

	if rev := tr.Record(update("child-1", "activity-summary", 1)); rev != 1 {
		t.Errorf("first revision = %d, want 1", rev)
	}
	if rev := tr.Record(update("child-1", "sleep-pattern", 1)); rev != 2 {
		t.Errorf("second revision = %d, want 2", rev)
	}
	if rev := tr.Record(update("child-2", "activity-summary", 1)); rev != 1 {
		t.Errorf("other subject revision = %d, want independent counter", rev)
	}
}

func TestTracker_Since(t *testing.T) {
	tr := NewTracker()
	tr.Record(update("child-1", "activity-summary", 1))
	tr.Record(update("child-1", "activity-summary", 2))
	tr.Record(update("child-1", "sleep-pattern", 1))

	updates, current, truncated := tr.Since("child-1", 1)
	if truncated {
		t.Error("unexpected truncation")
	}
	if current != 3 {
		t.Errorf("current = %d, want 3", current)
	}
	if len(updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(updates))
	}
	if updates[0].Revision != 2 || updates[1].Revision != 3 {
		t.Errorf("revisions = %d, %d", updates[0].Revision, updates[1].Revision)
	}

	// Caught-up poll returns nothing.
	updates, _, _ = tr.Since("child-1", 3)
	if len(updates) != 0 {
		t.Errorf("caught-up poll returned %d updates", len(updates))
	}

	// Unknown subject is quiet, not an error.
	updates, current, _ = tr.Since("child-9", 0)
	if len(updates) != 0 || current != 0 {
		t.Errorf("unknown subject: %d updates, current %d", len(updates), current)
	}
}

func TestTracker_TruncationSignaled(t *testing.T) {
	tr := NewTracker()
	tr.depth = 3
	for v := int64(1); v <= 6; v++ {
		tr.Record(update("child-1", "activity-summary", v))
	}

	// Revisions 1-3 fell out of the window; polling from 1 must flag it.
	updates, current, truncated := tr.Since("child-1", 1)
	if !truncated {
		t.Error("expected truncation signal")
	}
	if current != 6 || len(updates) != 3 {
		t.Errorf("current = %d, updates = %d", current, len(updates))
	}
}
