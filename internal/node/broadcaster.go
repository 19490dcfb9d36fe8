package node

import (
	"sync"

	"agentmesh/pkg/protocol"
)

const subscriberQueueCapacity = 32

// broadcaster fans out events to every currently-subscribed local API
// connection, dropping for a slow subscriber rather than blocking the
// delivery loop.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan protocol.Event]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan protocol.Event]struct{})}
}

func (b *broadcaster) subscribe() (<-chan protocol.Event, func()) {
	ch := make(chan protocol.Event, subscriberQueueCapacity)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *broadcaster) publish(event protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
