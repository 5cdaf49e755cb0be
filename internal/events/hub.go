// Package events implements the real-time pub/sub hub that pushes server
// events to connected UI clients. It uses gorilla/websocket under the hood and
// exposes a topic-based broadcast API consumed by the gateway, dispatcher, and
// terminal manager.
//
// Topic naming convention:
//
//	agent:<id>  — status transitions and heartbeat snapshots for one agent
//	agents      — fleet-wide connect/disconnect events
//	commands    — command results as they arrive
package events

import (
	"context"
	"sync"
)

// EventType identifies the kind of event carried by an Event.
type EventType string

const (
	// EvAgentStatus is published when an agent connects, disconnects, or its
	// liveness classification changes.
	EvAgentStatus EventType = "agent.status"

	// EvAgentHeartbeat is published on every heartbeat with the reported
	// system info snapshot, so detail views can update without polling.
	EvAgentHeartbeat EventType = "agent.heartbeat"

	// EvCommandResult is published when a command result is delivered,
	// including synthetic results from mock agents.
	EvCommandResult EventType = "command.result"
)

// Event is the envelope for every frame pushed to UI clients.
type Event struct {
	Type    EventType `json:"type"`
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
}

// Hub is the central pub/sub broker for UI WebSocket clients.
//
// All mutations to the client registry are serialised through the Run loop
// via channels. Publish is the one exception: it holds a read-lock only long
// enough to copy the target set, then sends outside the lock so a slow client
// cannot stall the event loop.
type Hub struct {
	// clients maps each connected client to nothing; topics maps each topic
	// to its subscriber set. The two maps are always updated together.
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	// mu protects clients and topics during Publish, which reads them from
	// outside the Run goroutine.
	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its own
// goroutine, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, topic := range client.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]struct{})
				}
				h.topics[topic][client] = struct{}{}
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, topic := range client.topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends ev to every client subscribed to its topic. Safe to call from
// any goroutine. Clients whose send buffer is full are disconnected so a slow
// consumer cannot apply backpressure to other subscribers.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	targets := h.topics[ev.Topic]
	clients := make([]*Client, 0, len(targets))
	for c := range targets {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- ev:
		default:
			h.unregister <- c
		}
	}
}

// Subscribe registers client with the hub and all its topics.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and its topics.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the number of connected UI clients.
// Intended for metrics and health endpoints.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
