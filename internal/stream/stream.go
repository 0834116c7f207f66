package stream

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Event describes a transaction that reached a terminal or pending state.
// Events are dispatched after the database transaction commits; consumers must treat
// them as notifications, never as the source of truth.
type Event struct {
	Reference            string            `json:"reference"`
	AccountID            string            `json:"account_id"`
	DestinationAccountID string            `json:"destination_account_id,omitempty"`
	Type                 string            `json:"type"`
	Status               string            `json:"status"`
	Amount               decimal.Decimal   `json:"amount"`
	Timestamp            time.Time         `json:"timestamp"`
}

// Stream fan-outs transaction events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
