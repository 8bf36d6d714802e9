package fakebackend

import (
	"sync"
	"time"

	"github.com/pspitzner/beetsflask-sync/pkg/protocol"
)

// subscriberBuffer is the per-subscriber queue length.
const subscriberBuffer = 64

// Broadcaster fans push messages out to connected subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan protocol.PushMessage]struct{}
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan protocol.PushMessage]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan protocol.PushMessage {
	ch := make(chan protocol.PushMessage, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. It is a no-op for
// channels already dropped by DisconnectAll.
func (b *Broadcaster) Unsubscribe(ch chan protocol.PushMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// DisconnectAll closes every subscriber channel, which ends the serving
// connection.
func (b *Broadcaster) DisconnectAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.subscribers)
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
	return n
}

// Publish sends msg to all subscribers. Non-blocking: drops messages for
// slow consumers.
func (b *Broadcaster) Publish(msg protocol.PushMessage) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			// Drop message for slow consumer
		}
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
