// Package ws fans log and operation events out to streaming subscribers.
package ws

import (
	"sync"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages subscriptions by topic. A topic is a project or operation id.
// The last backlog messages of each topic are replayed to new subscribers.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[Subscriber]struct{}
	recent  map[string][][]byte
	backlog int
	closed  bool
}

// NewHub creates a Hub that remembers backlog messages per topic.
func NewHub(backlog int) *Hub {
	if backlog < 0 {
		backlog = 0
	}
	return &Hub{
		clients: make(map[string]map[Subscriber]struct{}),
		recent:  make(map[string][][]byte),
		backlog: backlog,
	}
}

// Register adds a client to a topic and replays the topic backlog to it.
func (h *Hub) Register(topic string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		client.Close()
		return
	}
	for _, payload := range h.recent[topic] {
		if err := client.Send(payload); err != nil {
			client.Close()
			return
		}
	}
	if _, ok := h.clients[topic]; !ok {
		h.clients[topic] = make(map[Subscriber]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(topic, client)
}

// Broadcast sends payload to all topic clients. Clients that fail are dropped.
func (h *Hub) Broadcast(topic string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if h.backlog > 0 {
		buf := append(h.recent[topic], payload)
		if len(buf) > h.backlog {
			buf = buf[len(buf)-h.backlog:]
		}
		h.recent[topic] = buf
	}
	for c := range h.clients[topic] {
		if err := c.Send(payload); err != nil {
			c.Close()
			h.remove(topic, c)
		}
	}
}

// Forget drops the backlog of a finished topic.
func (h *Hub) Forget(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.recent, topic)
}

// Subscribers returns the number of clients on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[topic])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for topic, clients := range h.clients {
		for c := range clients {
			c.Close()
		}
		delete(h.clients, topic)
	}
}

func (h *Hub) remove(topic string, client Subscriber) {
	clients, ok := h.clients[topic]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, topic)
	}
}
