package events

import (
	"context"
	"sync"

	"github.com/fleetscan-io/fleetscan/internal/metrics"
)

// Hub routes published controller events to all WebSocket clients subscribed
// to a topic.
//
// Registry mutations (register, unregister) are serialized through the Run
// loop via channels. Publish delivers under a read-lock with non-blocking
// sends, so a slow client never stalls the caller and a send can never
// interleave with the shutdown path closing client channels.
type Hub struct {
	// clients and topics are updated together: clients holds every connected
	// client, topics maps topic → subscribed clients.
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	// mu protects the two maps and the closed flag. Run's shutdown branch
	// closes client send channels while holding the write lock; Publish
	// checks closed under the read lock before sending.
	mu     sync.RWMutex
	closed bool

	register   chan *Client
	unregister chan *Client

	// stopped is closed when Run exits; no messages are delivered after.
	stopped chan struct{}
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

// Run starts the hub's event loop. Call it exactly once, in its own
// goroutine; it exits when ctx is canceled during graceful shutdown.
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
			metrics.EventClientsConnected.Set(float64(len(h.clients)))
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
			metrics.EventClientsConnected.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			metrics.EventClientsConnected.Set(0)
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every client subscribed to topic. Safe to call from
// any goroutine, including after shutdown. A client whose send buffer is
// full is disconnected so it cannot apply backpressure to other subscribers.
func (h *Hub) Publish(topic string, msg Message) {
	msg.Topic = topic

	var slow []*Client
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	for c := range h.topics[topic] {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		select {
		case h.unregister <- c:
		case <-h.stopped:
		}
	}
}

// Subscribe registers client with the hub and all of its topics.
func (h *Hub) Subscribe(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopped:
	}
}

// Unsubscribe removes client from the hub and all topic subscriptions.
func (h *Hub) Unsubscribe(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

// ConnectedCount returns the number of connected clients. Used by metrics.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
