// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package enrich

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nestling-app/nestling/internal/activity"
	"github.com/nestling-app/nestling/internal/broker"
	"github.com/nestling-app/nestling/internal/insight"
	"github.com/nestling-app/nestling/internal/logging"
	"github.com/nestling-app/nestling/internal/metrics"
)

// Notifier receives insight changes for delivery to connected clients.
// Delivery is best effort; implementations must not block.
type Notifier interface {
	InsightUpdated(subjectID, derivationKey string, version int64, status insight.Status)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) InsightUpdated(string, string, int64, insight.Status) {}

// PoolConfig holds worker pool settings.
type PoolConfig struct {
	// Workers is the number of partition goroutines. Envelopes are
	// assigned to partitions by subject hash, so each subject is always
	// processed by the same goroutine in order.
	Workers int

	// MaxInFlightAI bounds concurrent capability calls across all
	// partitions.
	MaxInFlightAI int

	// LeaseDuration is how long an acquired processing record stays
	// claimed. Must exceed EnrichTimeout with margin for the store
	// round trips around the call.
	LeaseDuration time.Duration

	// EnrichTimeout bounds one capability call.
	EnrichTimeout time.Duration

	// MaxAttempts dead-letters an envelope after this many transient
	// failures.
	MaxAttempts int

	// RetryBaseDelay and RetryMaxDelay shape the per-envelope backoff:
	// base * 2^(attempt-1), capped.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// PartitionBuffer is the per-partition channel depth.
	PartitionBuffer int
}

// DefaultPoolConfig returns production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:         4,
		MaxInFlightAI:   8,
		LeaseDuration:   2 * time.Minute,
		EnrichTimeout:   30 * time.Second,
		MaxAttempts:     6,
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   time.Minute,
		PartitionBuffer: 64,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	def := DefaultPoolConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxInFlightAI <= 0 {
		c.MaxInFlightAI = def.MaxInFlightAI
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	if c.EnrichTimeout <= 0 {
		c.EnrichTimeout = def.EnrichTimeout
	}
	if c.EnrichTimeout >= c.LeaseDuration {
		// The lease must outlive the call or a second worker could
		// claim an envelope that is still being processed.
		c.EnrichTimeout = c.LeaseDuration / 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.PartitionBuffer <= 0 {
		c.PartitionBuffer = def.PartitionBuffer
	}
	return c
}

// Pool consumes activity envelopes and turns them into versioned
// insights.
//
// Delivery from the broker is at least once and the pool makes the
// effect exactly once: every envelope passes through the processing
// record ledger, redeliveries of completed work are acknowledged without
// a capability call, and insight writes are version compare-and-swaps.
// Per-subject ordering holds because a subject always hashes to the same
// partition goroutine, which handles one envelope at a time and does not
// advance past an envelope until it is Done or DeadLettered.
type Pool struct {
	subscriber broker.Subscriber
	enricher   Enricher
	records    RecordStore
	insights   insight.Store
	notifier   Notifier
	cfg        PoolConfig

	serializer *activity.Serializer
	sem        *semaphore.Weighted
	poolID     string
}

// NewPool creates a worker pool. notifier may be nil.
func NewPool(sub broker.Subscriber, enricher Enricher, records RecordStore, insights insight.Store, notifier Notifier, cfg PoolConfig) *Pool {
	cfg = cfg.withDefaults()
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Pool{
		subscriber: sub,
		enricher:   enricher,
		records:    records,
		insights:   insights,
		notifier:   notifier,
		cfg:        cfg,
		serializer: activity.NewSerializer(),
		sem:        semaphore.NewWeighted(int64(cfg.MaxInFlightAI)),
		poolID:     uuid.NewString()[:8],
	}
}

// Serve runs the pool until ctx is canceled. It satisfies the
// suture.Service contract.
func (p *Pool) Serve(ctx context.Context) error {
	log := logging.With().Str("component", "enrich-pool").Str("pool_id", p.poolID).Logger()

	msgs, err := p.subscriber.Subscribe(ctx, activity.TopicWildcard)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	log.Info().
		Int("workers", p.cfg.Workers).
		Int("max_in_flight_ai", p.cfg.MaxInFlightAI).
		Msg("enrichment pool starting")

	partitions := make([]chan *message.Message, p.cfg.Workers)
	var wg sync.WaitGroup
	for i := range partitions {
		partitions[i] = make(chan *message.Message, p.cfg.PartitionBuffer)
		wg.Add(1)
		go func(id int, ch <-chan *message.Message) {
			defer wg.Done()
			p.runPartition(ctx, id, ch)
		}(i, partitions[i])
	}

	for {
		select {
		case <-ctx.Done():
			for _, ch := range partitions {
				close(ch)
			}
			wg.Wait()
			log.Info().Msg("enrichment pool stopped")
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				for _, ch := range partitions {
					close(ch)
				}
				wg.Wait()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return broker.ErrClosed
			}
			idx := p.partitionFor(msg)
			select {
			case partitions[idx] <- msg:
			case <-ctx.Done():
				msg.Nack()
			}
		}
	}
}

// partitionFor hashes the subject so one subject always lands on one
// goroutine.
func (p *Pool) partitionFor(msg *message.Message) int {
	subject := msg.Metadata.Get("subject_id")
	if subject == "" {
		subject = msg.UUID
	}
	h := fnv.New32a()
	h.Write([]byte(subject))
	return int(h.Sum32() % uint32(p.cfg.Workers))
}

func (p *Pool) runPartition(ctx context.Context, id int, ch <-chan *message.Message) {
	workerID := fmt.Sprintf("%s-p%d", p.poolID, id)
	log := logging.With().Str("component", "enrich-pool").Str("worker_id", workerID).Logger()

	for msg := range ch {
		if err := p.handle(ctx, workerID, msg); err != nil {
			// Shutdown or a ledger write failure mid-envelope: the record
			// never reached a terminal state, so give the envelope back to
			// the broker. The lease dedups the redelivery.
			msg.Nack()
			if ctx.Err() == nil {
				log.Error().Err(err).Str("message_id", msg.UUID).Msg("envelope handling aborted, requeued")
			}
			continue
		}
		msg.Ack()
	}
}

// handle drives one envelope to a terminal record state (Done or
// DeadLettered). Transient failures back off and retry in place, which
// deliberately stalls the partition: later envelopes for the subject must
// not overtake a failing one.
func (p *Pool) handle(ctx context.Context, workerID string, msg *message.Message) error {
	env, err := p.serializer.Unmarshal(msg.Payload)
	if err != nil {
		// Malformed payload can never succeed. Ledger it under the
		// message ID so it shows up in dead letter inspection.
		subject := msg.Metadata.Get("subject_id")
		outcome, _, aerr := p.records.Acquire(ctx, msg.UUID, subject, 0, workerID, p.cfg.LeaseDuration)
		if aerr != nil {
			return aerr
		}
		if outcome != OutcomeAcquired {
			return nil
		}
		if derr := p.records.MarkDeadLettered(ctx, msg.UUID, workerID, fmt.Sprintf("malformed envelope: %v", err)); derr != nil {
			return derr
		}
		metrics.DeadLetters.Inc()
		logging.Warn().Str("message_id", msg.UUID).Err(err).Msg("dead-lettered malformed envelope")
		return nil
	}
	if err := env.Validate(); err != nil {
		outcome, _, aerr := p.records.Acquire(ctx, env.ActivityID, env.SubjectID, env.Sequence, workerID, p.cfg.LeaseDuration)
		if aerr != nil {
			return aerr
		}
		if outcome != OutcomeAcquired {
			return nil
		}
		return p.deadLetter(ctx, workerID, env, fmt.Sprintf("invalid envelope: %v", err))
	}

	for {
		outcome, rec, err := p.records.Acquire(ctx, env.ActivityID, env.SubjectID, env.Sequence, workerID, p.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Ledger unavailable: wait and try again, the lease governs
			// correctness either way.
			if werr := sleepCtx(ctx, p.cfg.RetryBaseDelay); werr != nil {
				return werr
			}
			continue
		}

		switch outcome {
		case OutcomeDone, OutcomeDeadLettered:
			// Redelivery of finished work: acknowledge, no capability
			// call, no new version.
			metrics.RecordEnrichAttempt("skipped_duplicate")
			return nil
		case OutcomeLeased:
			// Someone else holds a live lease (a crashed predecessor or
			// another pool instance). Wait it out.
			wait := time.Until(rec.LeaseExpiry)
			if wait < p.cfg.RetryBaseDelay {
				wait = p.cfg.RetryBaseDelay
			}
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		done, err := p.attempt(ctx, workerID, env, rec)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		// Transient failure: the record carries the pushed-out lease
		// expiry, wait for it here so the semaphore slot is free for
		// other partitions meanwhile.
		if rec, err = p.records.Get(ctx, env.ActivityID); err == nil && rec != nil {
			if wait := time.Until(rec.LeaseExpiry); wait > 0 {
				if werr := sleepCtx(ctx, wait); werr != nil {
					return werr
				}
			}
		}
	}
}

// attempt makes one capability call under an acquired lease. Returns
// done=true when the record reached a terminal state.
func (p *Pool) attempt(ctx context.Context, workerID string, env *activity.Envelope, rec *Record) (bool, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	metrics.EnrichInFlight.Inc()
	start := time.Now()

	result, callErr := p.callEnricher(ctx, env)

	metrics.EnrichInFlight.Dec()
	p.sem.Release(1)
	metrics.RecordEnrichCall(time.Since(start))

	switch {
	case callErr == nil:
		if err := p.storeInsight(ctx, env, result.Content, insight.StatusReady, ""); err != nil {
			// The insight write is retryable like any transient failure.
			callErr = err
			break
		}
		if err := p.records.MarkDone(ctx, env.ActivityID, workerID); err != nil {
			if errors.Is(err, ErrLeaseLost) {
				// Another worker took over after our lease expired and
				// will produce its own terminal state. The version CAS
				// already prevented a double write.
				metrics.RecordEnrichAttempt("lease_lost")
				return true, nil
			}
			return false, err
		}
		metrics.RecordEnrichAttempt("done")
		return true, nil

	case IsPermanent(callErr):
		return true, p.deadLetter(ctx, workerID, env, permanentReason(callErr))

	case ctx.Err() != nil:
		// Shutdown mid-call. The lease expires on its own and the
		// broker redelivers.
		return false, ctx.Err()
	}

	// Transient: count the attempt, dead-letter once retries run out.
	attempt := rec.Attempts
	if attempt >= p.cfg.MaxAttempts {
		return true, p.deadLetter(ctx, workerID, env,
			fmt.Sprintf("retries exhausted after %d attempts: %v", attempt, callErr))
	}

	metrics.RecordEnrichAttempt("transient_failure")
	logging.Ctx(ctx).Warn().
		Str("activity_id", env.ActivityID).
		Str("subject_id", env.SubjectID).
		Int("attempt", attempt).
		Err(callErr).
		Msg("enrichment attempt failed, will retry")

	delay := backoffDelay(p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay, attempt)
	if err := p.records.Fail(ctx, env.ActivityID, workerID, delay); err != nil && !errors.Is(err, ErrLeaseLost) {
		return false, err
	}
	return false, nil
}

func (p *Pool) callEnricher(ctx context.Context, env *activity.Envelope) (Result, error) {
	req := Request{
		SubjectID:     env.SubjectID,
		DerivationKey: DerivationKeyFor(env.Kind),
		ActivityID:    env.ActivityID,
		Kind:          env.Kind,
		Payload:       env.Payload,
	}
	if prior, err := p.insights.GetLatest(ctx, env.SubjectID, req.DerivationKey); err == nil && prior.Status == insight.StatusReady {
		req.PriorContent = prior.Content
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.EnrichTimeout)
	defer cancel()
	return p.enricher.Enrich(callCtx, req)
}

// storeInsight writes the next insight version for the envelope's slot.
// On a version conflict it re-reads the winner: if the winner already
// covers this envelope's activity the write is discarded, otherwise the
// derivation set is merged and the write retried at the new version.
func (p *Pool) storeInsight(ctx context.Context, env *activity.Envelope, content string, status insight.Status, failReason string) error {
	key := DerivationKeyFor(env.Kind)

	for {
		derivedFrom := []string{env.ActivityID}
		var version int64 = 1

		latest, err := p.insights.GetLatest(ctx, env.SubjectID, key)
		switch {
		case err == nil:
			version = latest.Version + 1
			derivedFrom = mergeDerived(latest.DerivedFrom, env.ActivityID)
		case errors.Is(err, insight.ErrNotFound):
		default:
			return err
		}

		ins := insight.New(env.SubjectID, key, derivedFrom, content, status)
		ins.Version = version
		if failReason != "" {
			ins.FailureReason = failReason
		}

		stored, err := p.insights.Upsert(ctx, ins)
		if err == nil {
			metrics.RecordInsightUpsert("stored")
			p.notifier.InsightUpdated(env.SubjectID, key, stored, status)
			logging.Ctx(ctx).Info().
				Str("subject_id", env.SubjectID).
				Str("derivation_key", key).
				Int64("version", stored).
				Str("status", string(status)).
				Msg("insight stored")
			return nil
		}
		if !errors.Is(err, insight.ErrVersionConflict) {
			return err
		}

		winner, gerr := p.insights.GetLatest(ctx, env.SubjectID, key)
		if gerr == nil && winner.Covers(&insight.Insight{DerivedFrom: derivedFrom}) {
			// The concurrent write already incorporates everything this
			// one would have said. Writing again would only bump the
			// version with stale content.
			metrics.RecordInsightUpsert("discarded_covered")
			return nil
		}
		metrics.RecordInsightUpsert("conflict_retry")
	}
}

// failedInsightContent is what a Failed insight exposes to clients. The
// detailed failure reason stays on the processing record, visible only
// through the operator dead-letter listing.
const (
	failedInsightContent = "Enrichment could not be completed for this activity."
	failedInsightReason  = "enrichment failed"
)

// deadLetter parks the envelope and records a Failed insight so clients
// see the failure instead of silence.
func (p *Pool) deadLetter(ctx context.Context, workerID string, env *activity.Envelope, reason string) error {
	if err := p.records.MarkDeadLettered(ctx, env.ActivityID, workerID, reason); err != nil && !errors.Is(err, ErrLeaseLost) {
		return err
	}
	metrics.DeadLetters.Inc()
	metrics.RecordEnrichAttempt("dead_lettered")

	logging.Ctx(ctx).Error().
		Str("activity_id", env.ActivityID).
		Str("subject_id", env.SubjectID).
		Str("reason", reason).
		Msg("envelope dead-lettered")

	if err := p.storeInsight(ctx, env, failedInsightContent, insight.StatusFailed, failedInsightReason); err != nil {
		logging.Warn().Err(err).Str("activity_id", env.ActivityID).Msg("failed-insight write after dead-letter")
	}
	return nil
}

func permanentReason(err error) string {
	var perm *PermanentError
	if errors.As(err, &perm) && perm.Reason != "" {
		return perm.Reason
	}
	return err.Error()
}

func mergeDerived(prior []string, activityID string) []string {
	for _, id := range prior {
		if id == activityID {
			return append([]string(nil), prior...)
		}
	}
	out := make([]string, 0, len(prior)+1)
	out = append(out, prior...)
	return append(out, activityID)
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
