package fakebackend

import (
	"testing"
	"time"

	"github.com/pspitzner/beetsflask-sync/pkg/protocol"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(protocol.PushMessage{Event: protocol.EventFolderStatusUpdate, Data: []byte(`{"hash":"h1"}`)})

	select {
	case received := <-ch:
		if received.Event != protocol.EventFolderStatusUpdate {
			t.Errorf("expected event %s, got %s", protocol.EventFolderStatusUpdate, received.Event)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.Publish(protocol.PushMessage{Event: protocol.EventJobStatusUpdate})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			goto done
		}
	}
done:
	if count != subscriberBuffer {
		t.Errorf("expected %d buffered messages, got %d", subscriberBuffer, count)
	}
}

func TestBroadcasterDisconnectAll(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()

	if n := b.DisconnectAll(); n != 1 {
		t.Fatalf("expected 1 disconnected, got %d", n)
	}
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed")
	}
	// Unsubscribe after disconnect must not double-close.
	b.Unsubscribe(ch)
}
