// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/nestling-app/nestling/internal/activity"
)

type capturePublisher struct {
	mu       sync.Mutex
	messages []*message.Message
	topics   []string
	failPerm bool
	failN    int
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, msg *message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPerm || p.failN > 0 {
		if p.failN > 0 {
			p.failN--
		}
		return errors.New("broker unavailable")
	}
	p.messages = append(p.messages, msg)
	p.topics = append(p.topics, topic)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) published() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.messages...)
}

func submitN(t *testing.T, svc *Service, n int) {
	t.Helper()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		req := feedingRequest("")
		req.OccurredAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := svc.Submit(context.Background(), req); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
}

func TestRelay_PublishesAndMarks(t *testing.T) {
	svc, store, _ := newTestService(t)
	submitN(t, svc, 3)

	pub := &capturePublisher{}
	relay := NewRelay(store, pub, RelayConfig{BatchSize: 2})

	// Two batches drain the backlog of three.
	for i := 0; i < 2; i++ {
		if _, err := relay.relayOnce(context.Background()); err != nil {
			t.Fatalf("relayOnce: %v", err)
		}
	}

	msgs := pub.published()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 published messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if topic := pub.topics[i]; topic != activity.TopicForSubject("child-1") {
			t.Errorf("message %d topic = %q", i, topic)
		}
		if msg.Metadata.Get("subject_id") != "child-1" {
			t.Errorf("message %d missing subject_id metadata", i)
		}
	}

	if pending, _ := store.PendingOutbox(context.Background(), 10); len(pending) != 0 {
		t.Errorf("expected all entries marked published, %d remain", len(pending))
	}
}

func TestRelay_MessageIDMatchesActivity(t *testing.T) {
	svc, store, _ := newTestService(t)

	res, err := svc.Submit(context.Background(), feedingRequest("r1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	pub := &capturePublisher{}
	relay := NewRelay(store, pub, RelayConfig{})
	if _, err := relay.relayOnce(context.Background()); err != nil {
		t.Fatalf("relayOnce: %v", err)
	}

	msgs := pub.published()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	// The watermill message UUID doubles as the broker dedup ID, so it
	// must be stable across republish: the activity ID.
	if msgs[0].UUID != res.ActivityID {
		t.Errorf("message UUID = %q, want activity ID %q", msgs[0].UUID, res.ActivityID)
	}
}

func TestRelay_PartialBatchOnPublishError(t *testing.T) {
	svc, store, _ := newTestService(t)
	submitN(t, svc, 3)

	// First publish succeeds, then the broker goes away mid-batch.
	pub := &capturePublisher{}
	step := 0
	wrapped := publisherFunc(func(ctx context.Context, topic string, msg *message.Message) error {
		step++
		if step > 1 {
			return errors.New("broker unavailable")
		}
		return pub.Publish(ctx, topic, msg)
	})
	relay := NewRelay(store, wrapped, RelayConfig{BatchSize: 10})

	if _, err := relay.relayOnce(context.Background()); err == nil {
		t.Fatal("expected publish error")
	}

	// The one that made it out is marked; the other two stay pending and
	// are retried later.
	pending, _ := store.PendingOutbox(context.Background(), 10)
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entries after partial batch, got %d", len(pending))
	}
}

func TestRelay_ServeRecoversAfterBrokerOutage(t *testing.T) {
	svc, store, _ := newTestService(t)
	submitN(t, svc, 2)

	pub := &capturePublisher{failN: 2}
	relay := NewRelay(store, pub, RelayConfig{
		PollInterval:   5 * time.Millisecond,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Serve(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if pending, _ := store.PendingOutboxCount(context.Background()); pending == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("relay did not drain outbox after broker recovery")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop on cancel")
	}

	if got := len(pub.published()); got != 2 {
		t.Errorf("expected 2 messages published after recovery, got %d", got)
	}
}

// publisherFunc adapts a function to broker.Publisher for tests.
type publisherFunc func(ctx context.Context, topic string, msg *message.Message) error

func (f publisherFunc) Publish(ctx context.Context, topic string, msg *message.Message) error {
	return f(ctx, topic, msg)
}

func (f publisherFunc) Close() error { return nil }
