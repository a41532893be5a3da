// Package hub fans out live run activity to WebSocket subscribers.
//
// Delivery is best-effort, at-most-once. The hub is a liveness signal, not a
// recovery mechanism: clients catching up read the event log by cursor.
package hub

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/runhub/runhub/internal/common/logger"
	"github.com/runhub/runhub/pkg/ws"
)

// Hub manages all WebSocket subscriber connections and their topic
// subscriptions.
type Hub struct {
	clients   map[*Client]bool
	topicSubs map[string]map[*Client]bool

	mu     sync.RWMutex
	closed bool
	logger *logger.Logger
}

// NewHub creates a new subscription hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:   make(map[*Client]bool),
		topicSubs: make(map[string]map[*Client]bool),
		logger:    log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(client.send)
		return
	}
	h.clients[client] = true
	h.logger.Debug("client registered", zap.String("client_id", client.ID))
}

// Unregister removes a client and all its subscriptions.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for topic := range client.subscriptions {
		if subs, ok := h.topicSubs[topic]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.topicSubs, topic)
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Subscribe adds a client to a topic.
func (h *Hub) Subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.topicSubs[topic]; !ok {
		h.topicSubs[topic] = make(map[*Client]bool)
	}
	h.topicSubs[topic][client] = true
	client.subscriptions[topic] = true

	h.logger.Debug("client subscribed",
		zap.String("client_id", client.ID),
		zap.String("topic", topic))
}

// Unsubscribe removes a client from a topic.
func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, topic)
	if subs, ok := h.topicSubs[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.topicSubs, topic)
		}
	}
}

// Publish sends a message to every subscriber of a topic. Within one topic,
// messages reach each subscriber in publish order; a subscriber whose queue
// overflows loses its oldest queued message and is flagged lossy.
func (h *Hub) Publish(topic string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.topicSubs[topic] {
		client.enqueue(topic, data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the number of subscribers on a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topicSubs[topic])
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.topicSubs = make(map[string]map[*Client]bool)
}
