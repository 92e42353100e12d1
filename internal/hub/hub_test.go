package hub

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"tellerq/dispatch-service/internal/bus"
)

type fakeConn struct {
	incoming chan string
	sent     chan string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan string),
		sent:     make(chan string, 64),
	}
}

func (c *fakeConn) Send(msg string) error {
	c.sent <- msg
	return nil
}

func (c *fakeConn) Recv() (string, error) {
	msg, ok := <-c.incoming
	if !ok {
		return "", io.EOF
	}
	return msg, nil
}

func waitFor(t *testing.T, c *fakeConn, match func(string) bool) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.sent:
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestRegisterUnregisterCounts(t *testing.T) {
	h := New(bus.New(), time.Minute)

	a := &Client{ID: "a", Send: make(chan []byte, 1)}
	b := &Client{ID: "b", Send: make(chan []byte, 1)}

	if got := h.Register(a); got != 1 {
		t.Fatalf("count after first register = %d, want 1", got)
	}
	if got := h.Register(b); got != 2 {
		t.Fatalf("count after second register = %d, want 2", got)
	}
	if got := h.Unregister(a); got != 1 {
		t.Fatalf("count after unregister = %d, want 1", got)
	}
	if got := h.Unregister(a); got != 1 {
		t.Fatalf("repeat unregister changed count to %d", got)
	}
	if got := h.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
}

func TestBroadcastHonorsTopicFilter(t *testing.T) {
	h := New(bus.New(), time.Minute)

	tickets := &Client{ID: "tickets", Send: make(chan []byte, 4)}
	h.Register(tickets)
	h.SetTopics(tickets, []string{bus.TopicTicketUpdates})

	counters := &Client{ID: "counters", Send: make(chan []byte, 4)}
	h.Register(counters)
	h.SetTopics(counters, []string{bus.TopicCounterUpdates})

	h.broadcast(bus.NewEvent(bus.TopicTicketUpdates, bus.KindTicketIssued, "t", nil, time.Now().UTC()))

	select {
	case raw := <-tickets.Send:
		var event bus.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if event.Kind != bus.KindTicketIssued {
			t.Fatalf("unexpected kind %s", event.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("ticket subscriber received nothing")
	}

	select {
	case <-counters.Send:
		t.Fatal("counter subscriber received a ticket event")
	default:
	}
}

func TestRunForwardsBusEvents(t *testing.T) {
	b := bus.New()
	h := New(b, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	client := &Client{ID: "c", Send: make(chan []byte, 4)}
	h.Register(client)

	b.Publish(bus.NewEvent(bus.TopicRecallEvents, bus.KindTicketRecalled, "ticket-9", map[string]int{"number": 9}, time.Now().UTC()))

	select {
	case raw := <-client.Send:
		var event bus.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if event.Kind != bus.KindTicketRecalled {
			t.Fatalf("unexpected kind %s", event.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client received nothing")
	}
}

func TestHandleSessionAnnouncesAndCleansUp(t *testing.T) {
	b := bus.New()
	h := New(b, time.Minute)

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.HandleSession(conn)
	}()

	first := waitFor(t, conn, func(msg string) bool {
		return strings.Contains(msg, bus.KindConnectionStatus)
	})
	var event bus.Event
	if err := json.Unmarshal([]byte(first), &event); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	var status struct {
		Connected    bool   `json:"connected"`
		ClientID     string `json:"client_id"`
		ClientsCount int    `json:"clients_count"`
	}
	if err := json.Unmarshal(event.Payload, &status); err != nil {
		t.Fatalf("unmarshal status payload: %v", err)
	}
	if !status.Connected || status.ClientID == "" || status.ClientsCount != 1 {
		t.Fatalf("unexpected status %+v", status)
	}

	close(conn.incoming)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit on disconnect")
	}
	if got := h.Count(); got != 0 {
		t.Fatalf("Count() after disconnect = %d, want 0", got)
	}
}

func TestHandleSessionNarrowsTopics(t *testing.T) {
	b := bus.New()
	h := New(b, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	conn := newFakeConn()
	go h.HandleSession(conn)

	waitFor(t, conn, func(msg string) bool {
		return strings.Contains(msg, bus.KindConnectionStatus)
	})

	conn.incoming <- `{"action":"subscribe","topics":["recall-events"]}`

	// Give the subscription update a moment to land before publishing.
	time.Sleep(50 * time.Millisecond)
	b.Publish(bus.NewEvent(bus.TopicTicketUpdates, bus.KindTicketIssued, "t", nil, time.Now().UTC()))
	b.Publish(bus.NewEvent(bus.TopicRecallEvents, bus.KindTicketRecalled, "t", nil, time.Now().UTC()))

	msg := waitFor(t, conn, func(msg string) bool {
		return strings.Contains(msg, "TICKET_")
	})
	if !strings.Contains(msg, bus.KindTicketRecalled) {
		t.Fatalf("expected recall event, got %s", msg)
	}

	close(conn.incoming)
}

func TestHandleSessionHeartbeat(t *testing.T) {
	b := bus.New()
	h := New(b, 20*time.Millisecond)

	conn := newFakeConn()
	go h.HandleSession(conn)

	waitFor(t, conn, func(msg string) bool {
		return strings.Contains(msg, "HEARTBEAT")
	})

	close(conn.incoming)
}

func TestParseSubscribe(t *testing.T) {
	cases := []struct {
		name   string
		input  string
		ok     bool
		action string
		topics int
	}{
		{"subscribe", `{"action":"subscribe","topics":["ticket-updates"]}`, true, "subscribe", 1},
		{"unsubscribe", `{"action":"unsubscribe"}`, true, "unsubscribe", 0},
		{"unknown action", `{"action":"ping"}`, false, "", 0},
		{"not json", `hello`, false, "", 0},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := ParseSubscribe([]byte(tt.input))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if msg.Action != tt.action || len(msg.Topics) != tt.topics {
				t.Fatalf("parsed %+v", msg)
			}
		})
	}
}
