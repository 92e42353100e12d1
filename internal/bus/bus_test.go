package bus

import (
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTicketUpdates)
	t.Cleanup(func() { b.Unsubscribe(sub) })

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		b.Publish(NewEvent(TopicTicketUpdates, KindTicketIssued, "ticket", map[string]int{"number": i}, at.Add(time.Duration(i)*time.Second)))
	}

	for i := 0; i < 10; i++ {
		select {
		case event := <-sub.C:
			want := at.Add(time.Duration(i) * time.Second)
			if !event.CreatedAt.Equal(want) {
				t.Fatalf("event %d out of order: got %v, want %v", i, event.CreatedAt, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestPublishScopedToTopic(t *testing.T) {
	b := New()
	tickets := b.Subscribe(TopicTicketUpdates)
	counters := b.Subscribe(TopicCounterUpdates)
	t.Cleanup(func() {
		b.Unsubscribe(tickets)
		b.Unsubscribe(counters)
	})

	b.Publish(NewEvent(TopicCounterUpdates, KindCounterChanged, "counter-1", nil, time.Now().UTC()))

	select {
	case event := <-counters.C:
		if event.Kind != KindCounterChanged {
			t.Fatalf("unexpected kind %s", event.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for counter event")
	}

	select {
	case event := <-tickets.C:
		t.Fatalf("ticket subscriber received %s", event.Kind)
	default:
	}
}

func TestSubscribeDefaultsToAllTopics(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	t.Cleanup(func() { b.Unsubscribe(sub) })

	now := time.Now().UTC()
	b.Publish(NewEvent(TopicTicketUpdates, KindTicketIssued, "t", nil, now))
	b.Publish(NewEvent(TopicRecallEvents, KindTicketRecalled, "t", nil, now))
	b.Publish(NewEvent(TopicConnectionStatus, KindConnectionStatus, "gateway", nil, now))

	for i := 0; i < 3; i++ {
		select {
		case <-sub.C:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	b.bufferSize = 1
	slow := b.Subscribe(TopicTicketUpdates)
	fast := b.Subscribe(TopicTicketUpdates)
	t.Cleanup(func() {
		b.Unsubscribe(slow)
		b.Unsubscribe(fast)
	})

	now := time.Now().UTC()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			b.Publish(NewEvent(TopicTicketUpdates, KindTicketIssued, "t", map[string]int{"seq": i}, now.Add(time.Duration(i)*time.Second)))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	// The fast subscriber only has room for one event; it keeps the first
	// and the bus drops the rest rather than stalling the publisher.
	select {
	case event := <-fast.C:
		if !event.CreatedAt.Equal(now) {
			t.Fatalf("expected first event, got %v", event.CreatedAt)
		}
	case <-time.After(time.Second):
		t.Fatal("fast subscriber received nothing")
	}
}

func TestLastRecallRetained(t *testing.T) {
	b := New()

	if _, ok := b.LastRecall(); ok {
		t.Fatal("expected no recall before publish")
	}

	first := NewEvent(TopicRecallEvents, KindTicketRecalled, "ticket-1", map[string]int{"number": 4}, time.Now().UTC())
	second := NewEvent(TopicRecallEvents, KindTicketRecalled, "ticket-2", map[string]int{"number": 5}, time.Now().UTC().Add(time.Second))
	b.Publish(first)
	b.Publish(second)

	retained, ok := b.LastRecall()
	if !ok {
		t.Fatal("expected retained recall event")
	}
	if retained.EventID != second.EventID {
		t.Fatalf("expected latest recall %s, got %s", second.EventID, retained.EventID)
	}
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTicketUpdates)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	b.Publish(NewEvent(TopicTicketUpdates, KindTicketIssued, "t", nil, time.Now().UTC()))
}

func TestEventIDTruncatesToSecond(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 1, 500000000, time.UTC)
	a := EventID(KindTicketCalled, "ticket-1", at)
	b := EventID(KindTicketCalled, "ticket-1", at.Add(400*time.Millisecond))
	if a != b {
		t.Fatalf("ids differ within the same second: %s vs %s", a, b)
	}
	c := EventID(KindTicketCalled, "ticket-1", at.Add(time.Second))
	if a == c {
		t.Fatal("ids match across seconds")
	}
}
