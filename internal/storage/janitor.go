// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package storage

import (
	"context"
	"time"

	"github.com/nestling-app/nestling/internal/logging"
)

// JanitorConfig holds retention settings. Activities and insights are
// kept indefinitely; only relay and ledger bookkeeping is pruned.
type JanitorConfig struct {
	// Interval between pruning passes.
	Interval time.Duration

	// OutboxRetention is how long published outbox rows are kept for
	// audit.
	OutboxRetention time.Duration

	// RecordRetention is how long terminal processing records are kept.
	// Must cover the broker's redelivery horizon, or a very late
	// redelivery could be reprocessed.
	RecordRetention time.Duration
}

// DefaultJanitorConfig returns production defaults.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Interval:        6 * time.Hour,
		OutboxRetention: 7 * 24 * time.Hour,
		RecordRetention: 30 * 24 * time.Hour,
	}
}

// Janitor prunes aged bookkeeping rows on a schedule. It satisfies the
// suture.Service contract.
type Janitor struct {
	store *Store
	cfg   JanitorConfig
}

// NewJanitor creates a janitor over store.
func NewJanitor(store *Store, cfg JanitorConfig) *Janitor {
	def := DefaultJanitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.OutboxRetention <= 0 {
		cfg.OutboxRetention = def.OutboxRetention
	}
	if cfg.RecordRetention <= 0 {
		cfg.RecordRetention = def.RecordRetention
	}
	return &Janitor{store: store, cfg: cfg}
}

// Serve runs pruning passes until ctx is canceled.
func (j *Janitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.prune(ctx)
		}
	}
}

func (j *Janitor) prune(ctx context.Context) {
	now := time.Now()

	outbox, err := j.store.PruneOutboxBefore(ctx, now.Add(-j.cfg.OutboxRetention))
	if err != nil {
		logging.Warn().Err(err).Msg("outbox pruning failed")
	}
	records, err := j.store.PruneBefore(ctx, now.Add(-j.cfg.RecordRetention))
	if err != nil {
		logging.Warn().Err(err).Msg("record pruning failed")
	}

	if outbox > 0 || records > 0 {
		logging.Info().
			Int64("outbox_rows", outbox).
			Int("processing_records", records).
			Msg("retention pruning completed")
	}
}
