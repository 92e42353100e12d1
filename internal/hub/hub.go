package hub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"tellerq/dispatch-service/internal/bus"

	"github.com/google/uuid"
)

// Conn is the subset of a transport session the gateway needs. The SockJS
// session type satisfies it.
type Conn interface {
	Send(msg string) error
	Recv() (string, error)
}

type Client struct {
	ID     string
	Send   chan []byte
	topics map[string]bool
}

type SubscribeMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Hub tracks live subscriber connections and pushes bus events to each of
// them in publish order. It owns no domain state; a client that misses a
// delivery reconciles through the HTTP snapshot endpoints.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	bus       *bus.Bus
	heartbeat time.Duration
}

func New(b *bus.Bus, heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Hub{
		clients:   make(map[string]*Client),
		bus:       b,
		heartbeat: heartbeat,
	}
}

// Run forwards bus events to registered clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			h.broadcast(event)
		}
	}
}

func (h *Hub) broadcast(event bus.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("hub: marshal event %s: %v", event.Kind, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.topics[event.Topic] {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("hub: drop %s for client %s", event.Kind, client.ID)
		}
	}
}

func (h *Hub) Register(client *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.topics == nil {
		client.topics = allTopics()
	}
	h.clients[client.ID] = client
	return len(h.clients)
}

func (h *Hub) Unregister(client *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return len(h.clients)
	}
	delete(h.clients, client.ID)
	close(client.Send)
	return len(h.clients)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) SetTopics(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(topics) == 0 {
		client.topics = allTopics()
		return
	}
	set := make(map[string]bool, len(topics))
	for _, topic := range topics {
		set[topic] = true
	}
	client.topics = set
}

// sendTo delivers payload to one client if it is still registered. Sends
// go through the registry lock so a concurrent Unregister cannot close the
// channel mid-send.
func (h *Hub) sendTo(clientID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[clientID]
	if !ok {
		return
	}
	select {
	case client.Send <- payload:
	default:
		log.Printf("hub: drop direct message for client %s", clientID)
	}
}

// HandleSession serves one subscriber connection: registers it, announces
// the updated client count, relays events, heartbeats every interval, and
// cleans up on disconnect.
func (h *Hub) HandleSession(conn Conn) {
	client := &Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
	count := h.Register(client)

	done := make(chan struct{})
	go func() {
		for msg := range client.Send {
			if err := conn.Send(string(msg)); err != nil {
				return
			}
		}
	}()
	go h.heartbeatLoop(client.ID, done)

	h.sendTo(client.ID, connectionStatusPayload(client.ID, count, true))
	h.publishCount(count)

	defer func() {
		close(done)
		remaining := h.Unregister(client)
		h.publishCount(remaining)
	}()

	for {
		msg, err := conn.Recv()
		if err != nil {
			return
		}
		parsed, ok := ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			h.SetTopics(client, nil)
		} else {
			h.SetTopics(client, parsed.Topics)
		}
	}
}

func (h *Hub) heartbeatLoop(clientID string, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			frame, err := json.Marshal(map[string]interface{}{
				"kind":      "HEARTBEAT",
				"timestamp": now.UTC(),
			})
			if err != nil {
				continue
			}
			h.sendTo(clientID, frame)
		}
	}
}

func (h *Hub) publishCount(count int) {
	now := time.Now().UTC()
	h.bus.Publish(bus.NewEvent(
		bus.TopicConnectionStatus,
		bus.KindConnectionStatus,
		"gateway",
		map[string]interface{}{"clients_count": count},
		now,
	))
}

func connectionStatusPayload(clientID string, count int, connected bool) []byte {
	event := bus.NewEvent(
		bus.TopicConnectionStatus,
		bus.KindConnectionStatus,
		clientID,
		map[string]interface{}{
			"connected":     connected,
			"client_id":     clientID,
			"clients_count": count,
		},
		time.Now().UTC(),
	)
	payload, err := json.Marshal(event)
	if err != nil {
		return nil
	}
	return payload
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}

func allTopics() map[string]bool {
	return map[string]bool{
		bus.TopicTicketUpdates:    true,
		bus.TopicRecallEvents:     true,
		bus.TopicCounterUpdates:   true,
		bus.TopicConnectionStatus: true,
	}
}
