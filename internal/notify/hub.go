// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package notify

import (
	"context"
	"sync"

	"github.com/nestling-app/nestling/internal/logging"
	"github.com/nestling-app/nestling/internal/metrics"
)

// Hub maintains the set of connected websocket clients and routes
// updates to the ones watching the update's subject.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Update
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a hub.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Update, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Broadcast queues an update for delivery. Never blocks: when the queue
// is full the update is dropped, clients recover via the insight store.
func (h *Hub) Broadcast(u Update) {
	select {
	case h.broadcast <- u:
	default:
		logging.Warn().
			Str("subject_id", u.SubjectID).
			Str("derivation_key", u.DerivationKey).
			Msg("notification queue full, update dropped")
	}
}

// Serve runs the hub until ctx is canceled. Lifecycle events take
// priority over broadcasts so client state is settled before delivery.
// It satisfies the suture.Service contract.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.register(client)
			continue
		case client := <-h.Unregister:
			h.unregister(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.register(client)
		case client := <-h.Unregister:
			h.unregister(client)
		case u := <-h.broadcast:
			h.deliver(u)
		}
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(count))
	logging.Info().
		Str("subject_id", client.subjectID).
		Int("total_clients", count).
		Msg("websocket client connected")
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(count))
	logging.Info().Int("total_clients", count).Msg("websocket client disconnected")
}

// deliver fans one update out to the clients watching its subject. Slow
// clients are skipped, not waited on.
func (h *Hub) deliver(u Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.watches(u.SubjectID) {
			continue
		}
		select {
		case client.send <- u:
		default:
			logging.Warn().
				Str("subject_id", u.SubjectID).
				Msg("client send buffer full, notification dropped")
		}
	}
}

func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	count := len(h.clients)
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
	metrics.WebSocketClients.Set(0)

	logging.Info().
		Str("component", "notify-hub").
		Int("clients_closed", count).
		Msg("notification hub stopped")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
