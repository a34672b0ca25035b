// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package broker

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// ChannelBroker is an in-process event log on Watermill's GoChannel
// Pub/Sub. It keeps the at-least-once contract (nacked messages are
// redelivered) without a running NATS server, which is what the test suite
// and the single-binary dev mode run on.
type ChannelBroker struct {
	pubsub *gochannel.GoChannel
}

// NewChannelBroker creates an in-process broker.
func NewChannelBroker(logger watermill.LoggerAdapter) *ChannelBroker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &ChannelBroker{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, logger),
	}
}

// Publish implements Publisher. GoChannel matches topics literally, so a
// per-subject publish is routed to its family's wildcard topic; the one
// wildcard subscription then sees every subject, the same shape the NATS
// subscriber gets from binding the stream. FIFO within the single channel
// preserves per-subject order.
func (b *ChannelBroker) Publish(ctx context.Context, topic string, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.pubsub.Publish(collapseTopic(topic), msg)
}

// collapseTopic maps a leaf subject to its wildcard family:
// "activity.recorded.child-1" becomes "activity.recorded.*". Topics
// without a hierarchy, or already wildcards, pass through.
func collapseTopic(topic string) string {
	idx := strings.LastIndex(topic, ".")
	if idx < 0 || strings.HasSuffix(topic, ".*") {
		return topic
	}
	return topic[:idx] + ".*"
}

// Subscribe implements Subscriber.
func (b *ChannelBroker) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Close shuts down the pub/sub and closes all subscription channels.
func (b *ChannelBroker) Close() error {
	return b.pubsub.Close()
}
