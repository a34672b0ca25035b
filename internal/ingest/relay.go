// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/nestling-app/nestling/internal/broker"
	"github.com/nestling-app/nestling/internal/logging"
	"github.com/nestling-app/nestling/internal/metrics"
)

// RelayConfig holds outbox relay settings.
type RelayConfig struct {
	// PollInterval between outbox scans when the previous scan was empty.
	PollInterval time.Duration

	// BatchSize caps entries relayed per scan.
	BatchSize int

	// Backoff settings for broker unavailability.
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
}

// DefaultRelayConfig returns production defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:      250 * time.Millisecond,
		BatchSize:         100,
		BackoffInitial:    500 * time.Millisecond,
		BackoffMax:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Relay is the outbox pattern's second half: a background loop that
// publishes committed outbox rows to the broker and marks them published.
// Publishing is at-least-once; a crash between publish and mark results in
// a republish that the broker's duplicate window and the consumer-side
// processing records both absorb.
type Relay struct {
	outbox    OutboxStore
	publisher broker.Publisher
	cfg       RelayConfig
}

// NewRelay creates an outbox relay.
func NewRelay(outbox OutboxStore, publisher broker.Publisher, cfg RelayConfig) *Relay {
	def := DefaultRelayConfig()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = def.BackoffInitial
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	return &Relay{outbox: outbox, publisher: publisher, cfg: cfg}
}

// Serve runs the relay loop until ctx is canceled. It satisfies the
// suture.Service contract: the supervisor restarts it if it returns early.
func (r *Relay) Serve(ctx context.Context) error {
	log := logging.With().Str("component", "outbox-relay").Logger()
	log.Info().Msg("outbox relay starting")

	backoff := r.cfg.BackoffInitial
	for {
		published, err := r.relayOnce(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
			log.Info().Msg("outbox relay stopping")
			return ctx.Err()
		case err != nil:
			metrics.OutboxPublishErrors.Inc()
			log.Warn().Err(err).Dur("backoff", backoff).Msg("broker publish failed, backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * r.cfg.BackoffMultiplier)
			if backoff > r.cfg.BackoffMax {
				backoff = r.cfg.BackoffMax
			}
			continue
		}

		backoff = r.cfg.BackoffInitial
		if published > 0 {
			// Keep draining without waiting while there is a backlog.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// relayOnce publishes one batch. Returns how many entries were published.
func (r *Relay) relayOnce(ctx context.Context) (int, error) {
	entries, err := r.outbox.PendingOutbox(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if pending, err := r.outbox.PendingOutboxCount(ctx); err == nil {
		metrics.OutboxPending.Set(float64(pending))
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var publishedIDs []int64
	for _, entry := range entries {
		msg := message.NewMessage(entry.MessageID, entry.Payload)
		msg.Metadata.Set("subject_id", entry.SubjectID)

		if err := r.publisher.Publish(ctx, entry.Topic, msg); err != nil {
			// Mark what made it out; the rest retries after backoff.
			if len(publishedIDs) > 0 {
				if merr := r.outbox.MarkPublished(ctx, publishedIDs); merr != nil {
					return len(publishedIDs), merr
				}
				metrics.OutboxPublished.Add(float64(len(publishedIDs)))
			}
			return len(publishedIDs), err
		}
		publishedIDs = append(publishedIDs, entry.ID)
	}

	if err := r.outbox.MarkPublished(ctx, publishedIDs); err != nil {
		return len(publishedIDs), err
	}
	metrics.OutboxPublished.Add(float64(len(publishedIDs)))
	return len(publishedIDs), nil
}
