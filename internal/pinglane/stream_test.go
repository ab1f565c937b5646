package pinglane

import (
	"testing"
	"time"
)

func TestStreamHubDeliversToAccountSubscribers(t *testing.T) {
	hub := NewStreamHub()
	sub := hub.Subscribe("acct_1")
	defer sub.Close()
	other := hub.Subscribe("acct_2")
	defer other.Close()

	hub.Publish(Event{ID: "evt_1", AccountID: "acct_1", DeliveryStatus: StatusDelivered})

	select {
	case event := <-sub.Events():
		if event.ID != "evt_1" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event on subscriber channel")
	}

	select {
	case event := <-other.Events():
		t.Fatalf("expected no cross-account delivery, got %+v", event)
	default:
	}
}

func TestStreamHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewStreamHub()
	sub := hub.Subscribe("acct_1")
	defer sub.Close()

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(Event{ID: "evt", AccountID: "acct_1"})
	}

	received := 0
	for {
		select {
		case <-sub.Events():
			received++
			continue
		default:
		}
		break
	}
	if received != subscriberBuffer {
		t.Fatalf("expected exactly the buffered %d events, got %d", subscriberBuffer, received)
	}
}

func TestStreamHubCloseIsIdempotent(t *testing.T) {
	hub := NewStreamHub()
	sub := hub.Subscribe("acct_1")
	sub.Close()
	sub.Close()

	// Publishing after close must not panic or block.
	hub.Publish(Event{ID: "evt_1", AccountID: "acct_1"})

	if _, open := <-sub.Events(); open {
		t.Fatal("expected closed channel")
	}
}

func TestNilHubPublishIsNoop(t *testing.T) {
	var hub *StreamHub
	hub.Publish(Event{ID: "evt_1"})
}
