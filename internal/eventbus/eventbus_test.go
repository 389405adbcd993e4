package eventbus

import (
	"testing"
	"time"

	"github.com/kestrelrelay/relayd/internal/protocol"
)

func TestPublishDeliversInOrderPerSubscriber(t *testing.T) {
	bus := New(8, nil)
	sub, unsubscribe := bus.Subscribe("watch")
	defer unsubscribe()

	bus.Publish(protocol.Event{Type: protocol.EventStateChanged, Status: "listening"})
	bus.Publish(protocol.Event{Type: protocol.EventStateChanged, Status: "thinking"})

	first := recvOrTimeout(t, sub.Events)
	second := recvOrTimeout(t, sub.Events)
	if first.Status != "listening" || second.Status != "thinking" {
		t.Fatalf("got order %q,%q want listening,thinking", first.Status, second.Status)
	}
}

func TestSlowSubscriberDropsOldestAndIncrementsCounter(t *testing.T) {
	var droppedKind string
	bus := New(2, func(kind string) { droppedKind = kind })
	sub, unsubscribe := bus.Subscribe("phone")
	defer unsubscribe()

	bus.Publish(protocol.Event{Type: protocol.EventTextChunk, Text: "a"})
	bus.Publish(protocol.Event{Type: protocol.EventTextChunk, Text: "b"})
	bus.Publish(protocol.Event{Type: protocol.EventTextChunk, Text: "c"})

	if sub.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", sub.Dropped())
	}
	if droppedKind != "phone" {
		t.Fatalf("onDrop kind = %q, want phone", droppedKind)
	}

	first := recvOrTimeout(t, sub.Events)
	second := recvOrTimeout(t, sub.Events)
	if first.Text != "b" || second.Text != "c" {
		t.Fatalf("got %q,%q want b,c (oldest dropped)", first.Text, second.Text)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(4, nil)
	sub, unsubscribe := bus.Subscribe("dashboard")
	unsubscribe()

	_, ok := <-sub.Events
	if ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

func TestPublishDoesNotBlockOnOtherSubscribers(t *testing.T) {
	bus := New(1, nil)
	slow, unsubSlow := bus.Subscribe("viewer")
	defer unsubSlow()
	fast, unsubFast := bus.Subscribe("watch")
	defer unsubFast()

	for i := 0; i < 5; i++ {
		bus.Publish(protocol.Event{Type: protocol.EventTextChunk, Text: "x"})
	}

	if bus.SubscriberCount() != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", bus.SubscriberCount())
	}
	_ = recvOrTimeout(t, fast.Events)
	if slow.Dropped() == 0 {
		t.Fatal("expected the slow subscriber to have dropped events")
	}
}

func recvOrTimeout(t *testing.T, ch <-chan protocol.Event) protocol.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return protocol.Event{}
	}
}
