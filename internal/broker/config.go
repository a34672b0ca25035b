// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package broker

import "time"

// PublisherConfig holds NATS publisher settings.
type PublisherConfig struct {
	// URL is the NATS server connection URL.
	URL string

	// MaxReconnects before the connection gives up. -1 retries forever.
	MaxReconnects int

	// ReconnectWait between reconnect attempts.
	ReconnectWait time.Duration

	// ReconnectBuffer is bytes buffered while disconnected.
	ReconnectBuffer int

	// EnableTrackMsgID turns on JetStream publish-side deduplication via
	// Nats-Msg-Id. Must stay on: the outbox relay is at-least-once.
	EnableTrackMsgID bool
}

// DefaultPublisherConfig returns production defaults.
func DefaultPublisherConfig(url string) PublisherConfig {
	return PublisherConfig{
		URL:              url,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		ReconnectBuffer:  8 * 1024 * 1024,
		EnableTrackMsgID: true,
	}
}

// SubscriberConfig holds NATS consumer settings.
type SubscriberConfig struct {
	// URL is the NATS server connection URL.
	URL string

	// StreamName binds the consumer to a pre-created stream. Required for
	// wildcard topics.
	StreamName string

	// DurableName is the durable consumer prefix; offsets survive
	// restarts under this name.
	DurableName string

	// QueueGroup load-balances one consumer group across processes.
	QueueGroup string

	// MaxDeliver bounds broker-side redeliveries of one message.
	MaxDeliver int

	// AckWaitTimeout is how long the broker waits for an ack before
	// redelivering. Must exceed the worker lease duration.
	AckWaitTimeout time.Duration

	// MaxAckPending bounds unacknowledged messages in flight.
	MaxAckPending int

	MaxReconnects int
	ReconnectWait time.Duration
	CloseTimeout  time.Duration
}

// DefaultSubscriberConfig returns production defaults.
func DefaultSubscriberConfig(url string) SubscriberConfig {
	return SubscriberConfig{
		URL:            url,
		StreamName:     "ACTIVITY",
		DurableName:    "insight-workers",
		QueueGroup:     "insight-workers",
		MaxDeliver:     20,
		AckWaitTimeout: 2 * time.Minute,
		MaxAckPending:  256,
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		CloseTimeout:   30 * time.Second,
	}
}

// StreamConfig describes the JetStream stream holding activity envelopes.
type StreamConfig struct {
	Name     string
	Subjects []string

	// MaxAge must be at least the processing-record retention window so
	// replays remain deduplicatable.
	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64

	// DuplicateWindow is the broker-side publish dedup window.
	DuplicateWindow time.Duration
	Replicas        int
}

// DefaultStreamConfig returns the activity stream defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:            "ACTIVITY",
		Subjects:        []string{"activity.recorded.*"},
		MaxAge:          30 * 24 * time.Hour,
		MaxBytes:        10 << 30,
		MaxMsgs:         -1,
		DuplicateWindow: 10 * time.Minute,
		Replicas:        1,
	}
}

// ServerConfig holds embedded NATS server settings.
type ServerConfig struct {
	Host              string
	Port              int
	StoreDir          string
	JetStreamMaxMem   int64
	JetStreamMaxStore int64
}
