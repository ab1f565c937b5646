package pinglane

import "sync"

const subscriberBuffer = 16

// StreamHub fans terminal event records out to live subscribers (the
// dashboard websocket feed). Publishing never blocks the ingestion path:
// a subscriber that cannot keep up loses records, not the pipeline.
type StreamHub struct {
	mu          sync.Mutex
	subscribers map[*StreamSubscriber]struct{}
}

type StreamSubscriber struct {
	hub       *StreamHub
	accountID string
	ch        chan Event
	closeOnce sync.Once
}

func NewStreamHub() *StreamHub {
	return &StreamHub{subscribers: map[*StreamSubscriber]struct{}{}}
}

// Subscribe registers a listener for one account's terminal event records.
// The caller must Close the subscriber when done.
func (h *StreamHub) Subscribe(accountID string) *StreamSubscriber {
	sub := &StreamSubscriber{
		hub:       h,
		accountID: accountID,
		ch:        make(chan Event, subscriberBuffer),
	}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers the record to every subscriber of its account.
func (h *StreamHub) Publish(event Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		if sub.accountID != event.AccountID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

func (s *StreamSubscriber) Events() <-chan Event {
	return s.ch
}

func (s *StreamSubscriber) Close() {
	s.closeOnce.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subscribers, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}
