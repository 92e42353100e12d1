package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Topics carried by the bus. Delivery order is preserved per topic for
// each subscriber; no ordering is promised across topics.
const (
	TopicTicketUpdates    = "ticket-updates"
	TopicRecallEvents     = "recall-events"
	TopicCounterUpdates   = "counter-updates"
	TopicConnectionStatus = "connection-status"
)

const (
	KindTicketIssued     = "TICKET_ISSUED"
	KindTicketCalled     = "TICKET_CALLED"
	KindTicketServing    = "TICKET_SERVING"
	KindTicketCompleted  = "TICKET_COMPLETED"
	KindTicketSkipped    = "TICKET_SKIPPED"
	KindTicketRecalled   = "TICKET_RECALLED"
	KindQueueReset       = "QUEUE_RESET"
	KindCounterChanged   = "COUNTER_CHANGED"
	KindConnectionStatus = "CONNECTION_STATUS"
)

type Event struct {
	EventID   string          `json:"event_id"`
	Kind      string          `json:"kind"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventID derives a stable identity from the event kind, its subject, and
// the emission timestamp truncated to the second, so consumers can discard
// transport-level redeliveries.
func EventID(kind, subject string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d", kind, subject, at.UTC().Truncate(time.Second).Unix())
}

// NewEvent marshals payload and stamps the event identity. A payload that
// fails to marshal is a programming error; the event is still emitted with
// an empty payload so observers see the transition.
func NewEvent(topic, kind, subject string, payload interface{}, at time.Time) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("bus: marshal %s payload: %v", kind, err)
		raw = nil
	}
	return Event{
		EventID:   EventID(kind, subject, at),
		Kind:      kind,
		Topic:     topic,
		Payload:   raw,
		CreatedAt: at,
	}
}

type Subscription struct {
	C      <-chan Event
	id     int
	topics []string
	ch     chan Event
}

// Bus is the in-process publish-subscribe hub between the dispatch paths
// and the subscriber gateway. Publish never blocks: a subscriber whose
// buffer is full loses that delivery and must reconcile with a full-state
// fetch.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]map[int]*Subscription
	nextID     int
	bufferSize int
	lastRecall *Event
}

func New() *Bus {
	return &Bus{
		subs:       make(map[string]map[int]*Subscription),
		bufferSize: 64,
	}
}

// Subscribe registers interest in the given topics, or every topic when
// none are named. Events from all subscribed topics arrive on one channel.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	if len(topics) == 0 {
		topics = []string{TopicTicketUpdates, TopicRecallEvents, TopicCounterUpdates, TopicConnectionStatus}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	sub := &Subscription{C: ch, id: b.nextID, topics: topics, ch: ch}
	b.nextID++
	for _, topic := range topics {
		if b.subs[topic] == nil {
			b.subs[topic] = make(map[int]*Subscription)
		}
		b.subs[topic][sub.id] = sub
	}
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.ch == nil {
		return
	}
	for _, topic := range sub.topics {
		if m, ok := b.subs[topic]; ok {
			delete(m, sub.id)
		}
	}
	close(sub.ch)
	sub.ch = nil
}

// Publish fans event out to every subscriber of event.Topic. Callers must
// publish only after their store transaction has committed. Sends are
// non-blocking and happen under the registry lock, so a concurrent
// Unsubscribe can never close a channel mid-send.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if event.Kind == KindTicketRecalled {
		retained := event
		b.lastRecall = &retained
	}
	for _, sub := range b.subs[event.Topic] {
		select {
		case sub.ch <- event:
		default:
			log.Printf("bus: drop %s for slow subscriber %d", event.Kind, sub.id)
		}
	}
}

// LastRecall returns the most recent recall event, kept for subscribers
// that connected after it was published.
func (b *Bus) LastRecall() (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastRecall == nil {
		return Event{}, false
	}
	return *b.lastRecall, true
}
