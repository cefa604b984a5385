package sse

import "testing"

func TestBroadcasterDeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	_, ch1 := b.Subscribe()
	_, ch2 := b.Subscribe()

	b.Publish(Event{Name: "state", Data: map[string]int{"stateVersion": 1}})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Name != "state" {
				t.Fatalf("expected state event, got %s", ev.Name)
			}
		default:
			t.Fatal("expected event to be immediately available")
		}
	}
}

func TestBroadcasterUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	id, ch := b.Subscribe()
	b.Unsubscribe(id)

	b.Publish(Event{Name: "state"})

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestBroadcasterDropsSlowSubscriberRatherThanBlock(t *testing.T) {
	b := NewBroadcaster()
	_, ch := b.Subscribe()

	// Fill the subscriber's buffer without draining it.
	for i := 0; i < subscriberBuffer+5; i++ {
		b.Publish(Event{Name: "state"})
	}

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected overflowing subscriber to be dropped, count=%d", b.SubscriberCount())
	}
	// The channel should be closed, draining it should not panic or hang.
	drained := 0
	for range ch {
		drained++
	}
	if drained == 0 {
		t.Fatal("expected some buffered events to have been delivered before drop")
	}
}
