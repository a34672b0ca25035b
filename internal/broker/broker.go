// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

// Package broker is the interface over the event log. Production runs on
// NATS JetStream through Watermill; tests and single-binary development use
// the in-process GoChannel implementation.
//
// Delivery is at-least-once per consumer group, strictly ordered within a
// partition (one subject's sub-stream) and unordered across partitions.
// Envelopes are retained at least as long as the processing-record dedup
// window so replays can be deduplicated downstream.
package broker

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
)

// ErrClosed is returned by operations on a closed publisher or subscriber.
var ErrClosed = errors.New("broker connection closed")

// Publisher places messages onto the event log.
type Publisher interface {
	// Publish sends one message to topic. The message UUID doubles as a
	// broker-side dedup ID where the substrate supports it.
	Publish(ctx context.Context, topic string, msg *message.Message) error

	Close() error
}

// Subscriber consumes messages from the event log as part of a consumer
// group. The returned channel is a lazy, logically infinite sequence:
// it resumes from the last committed offset after reconnects and closes
// only when the context is canceled or the subscriber is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)

	Close() error
}
