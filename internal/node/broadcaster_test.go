package node

import (
	"testing"
	"time"

	"agentmesh/pkg/protocol"
)

func TestBroadcasterFansOutToAllSubscribers(t *testing.T) {
	b := newBroadcaster()
	ch1, cancel1 := b.subscribe()
	defer cancel1()
	ch2, cancel2 := b.subscribe()
	defer cancel2()

	b.publish(protocol.Event{Type: protocol.EventNewMessage, MessageID: "m1"})

	for _, ch := range []<-chan protocol.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.MessageID != "m1" {
				t.Fatalf("got %q, want m1", ev.MessageID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBroadcasterCancelStopsDelivery(t *testing.T) {
	b := newBroadcaster()
	ch, cancel := b.subscribe()
	cancel()

	b.publish(protocol.Event{Type: protocol.EventNewMessage, MessageID: "m1"})

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected no event after cancel")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterDropsForFullSlowSubscriber(t *testing.T) {
	b := newBroadcaster()
	_, cancel := b.subscribe()
	defer cancel()

	for i := 0; i < subscriberQueueCapacity+10; i++ {
		b.publish(protocol.Event{Type: protocol.EventNewMessage})
	}
}
