// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go/jetstream"
)

func TestCollapseTopic(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"activity.recorded.child-1", "activity.recorded.*"},
		{"activity.recorded.*", "activity.recorded.*"},
		{"plain", "plain"},
		{"a.b", "a.*"},
	}
	for _, tc := range cases {
		if got := collapseTopic(tc.in); got != tc.want {
			t.Errorf("collapseTopic(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestChannelBroker_WildcardSubscriptionSeesAllSubjects(t *testing.T) {
	b := NewChannelBroker(nil)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := b.Subscribe(ctx, "activity.recorded.*")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for _, subject := range []string{"child-1", "child-2"} {
		msg := message.NewMessage(watermill.NewUUID(), []byte(subject))
		if err := b.Publish(ctx, "activity.recorded."+subject, msg); err != nil {
			t.Fatalf("Publish %s: %v", subject, err)
		}
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-msgs:
			seen[string(msg.Payload)] = true
			msg.Ack()
		case <-ctx.Done():
			t.Fatalf("timed out after %d messages", i)
		}
	}
	if !seen["child-1"] || !seen["child-2"] {
		t.Fatalf("missing subjects, saw %v", seen)
	}
}

func TestChannelBroker_PreservesPublishOrder(t *testing.T) {
	b := NewChannelBroker(nil)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := b.Subscribe(ctx, "activity.recorded.*")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	payloads := []string{"first", "second", "third"}
	for _, p := range payloads {
		msg := message.NewMessage(watermill.NewUUID(), []byte(p))
		if err := b.Publish(ctx, "activity.recorded.child-1", msg); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for i, want := range payloads {
		select {
		case msg := <-msgs:
			if string(msg.Payload) != want {
				t.Fatalf("message %d: got %q, want %q", i, msg.Payload, want)
			}
			msg.Ack()
		case <-ctx.Done():
			t.Fatal("timed out waiting for messages")
		}
	}
}

// fakeJetStream records which stream operations ran.
type fakeJetStream struct {
	existing map[string]jetstream.StreamConfig
	created  []string
	updated  []string
}

func (f *fakeJetStream) Stream(ctx context.Context, name string) (jetstream.Stream, error) {
	if _, ok := f.existing[name]; ok {
		return nil, nil
	}
	return nil, jetstream.ErrStreamNotFound
}

func (f *fakeJetStream) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.created = append(f.created, cfg.Name)
	if f.existing == nil {
		f.existing = map[string]jetstream.StreamConfig{}
	}
	f.existing[cfg.Name] = cfg
	return nil, nil
}

func (f *fakeJetStream) UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.updated = append(f.updated, cfg.Name)
	f.existing[cfg.Name] = cfg
	return nil, nil
}

func TestStreamInitializer_EnsureStream(t *testing.T) {
	ctx := context.Background()

	t.Run("creates missing stream", func(t *testing.T) {
		js := &fakeJetStream{}
		init, err := NewStreamInitializer(js, DefaultStreamConfig())
		if err != nil {
			t.Fatalf("NewStreamInitializer: %v", err)
		}
		if _, err := init.EnsureStream(ctx); err != nil {
			t.Fatalf("EnsureStream: %v", err)
		}
		if len(js.created) != 1 || js.created[0] != "ACTIVITY" {
			t.Fatalf("expected ACTIVITY created, got %v", js.created)
		}
		if len(js.updated) != 0 {
			t.Fatalf("unexpected updates %v", js.updated)
		}
	})

	t.Run("updates existing stream", func(t *testing.T) {
		js := &fakeJetStream{existing: map[string]jetstream.StreamConfig{"ACTIVITY": {}}}
		init, err := NewStreamInitializer(js, DefaultStreamConfig())
		if err != nil {
			t.Fatalf("NewStreamInitializer: %v", err)
		}
		if _, err := init.EnsureStream(ctx); err != nil {
			t.Fatalf("EnsureStream: %v", err)
		}
		if len(js.updated) != 1 {
			t.Fatalf("expected one update, got %v", js.updated)
		}
		if len(js.created) != 0 {
			t.Fatalf("unexpected creates %v", js.created)
		}
	})

	t.Run("rejects nil context", func(t *testing.T) {
		if _, err := NewStreamInitializer(nil, DefaultStreamConfig()); err == nil {
			t.Fatal("expected error for nil JetStream context")
		}
	})

	t.Run("is healthy once ensured", func(t *testing.T) {
		js := &fakeJetStream{}
		init, _ := NewStreamInitializer(js, DefaultStreamConfig())
		if init.IsHealthy(ctx) {
			t.Fatal("should not be healthy before the stream exists")
		}
		if _, err := init.EnsureStream(ctx); err != nil {
			t.Fatalf("EnsureStream: %v", err)
		}
		if !init.IsHealthy(ctx) {
			t.Fatal("should be healthy after ensure")
		}
	})
}
