// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package notify

import (
	"sync"
)

// defaultTrackerDepth bounds how many updates are kept per subject.
// Clients that fall further behind than this re-fetch current insights
// instead of replaying the gap.
const defaultTrackerDepth = 64

// Tracker keeps a bounded per-subject log of recent updates so clients
// without a websocket can poll for changes with a revision cursor.
type Tracker struct {
	mu    sync.RWMutex
	depth int
	// revs is the last assigned revision per subject; revisions start
	// at 1 and never repeat within a process lifetime.
	revs map[string]int64
	logs map[string][]Update
}

// NewTracker creates a tracker keeping the default number of updates per
// subject.
func NewTracker() *Tracker {
	return &Tracker{
		depth: defaultTrackerDepth,
		revs:  make(map[string]int64),
		logs:  make(map[string][]Update),
	}
}

// Record appends one update and returns its revision.
func (t *Tracker) Record(u Update) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	rev := t.revs[u.SubjectID] + 1
	t.revs[u.SubjectID] = rev
	u.Revision = rev

	log := append(t.logs[u.SubjectID], u)
	if len(log) > t.depth {
		log = log[len(log)-t.depth:]
	}
	t.logs[u.SubjectID] = log
	return rev
}

// Since returns updates for subjectID with revision greater than after,
// oldest first, and the subject's current revision. truncated reports
// that older updates fell out of the window; the caller should re-fetch
// current insights rather than rely on the gap.
func (t *Tracker) Since(subjectID string, after int64) (updates []Update, current int64, truncated bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	current = t.revs[subjectID]
	log := t.logs[subjectID]
	if len(log) > 0 && after > 0 && log[0].Revision > after+1 {
		truncated = true
	}
	for _, u := range log {
		if u.Revision > after {
			updates = append(updates, u)
		}
	}
	return updates, current, truncated
}

// Revision returns the subject's current revision, zero when no update
// was ever recorded.
func (t *Tracker) Revision(subjectID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.revs[subjectID]
}
