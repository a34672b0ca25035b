// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package enrich

import (
	"context"
	"fmt"
	"time"
)

// StubEnricher is the development-mode capability: it produces
// deterministic canned insights without calling the external service.
// The content names the derivation slot and the feeding activity so the
// full pipeline (versions, notifications, the poll endpoint) can be
// exercised offline.
type StubEnricher struct {
	// Delay simulates call latency. Zero means instant.
	Delay time.Duration
}

// Enrich returns a canned insight for the request's slot.
func (s *StubEnricher) Enrich(ctx context.Context, req Request) (Result, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	content := fmt.Sprintf("[stub] %s insight for subject %s from activity %s (%s)",
		req.DerivationKey, req.SubjectID, req.ActivityID, req.Kind)
	if req.PriorContent != "" {
		content += " [refined]"
	}
	return Result{Content: content}, nil
}
