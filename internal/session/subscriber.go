package session

import (
	"sync"
	"time"

	"github.com/halcyon-ai/casefile/internal/event"
	"github.com/halcyon-ai/casefile/internal/metrics"
)

// subscriberBuffer is the capacity of each subscriber's channel.
// Large enough to absorb burst traffic and network jitter; a subscriber
// that falls further behind than this is closed and must re-subscribe.
const subscriberBuffer = 100

// Subscriber is a single live consumer of a session's event stream.
//
// Delivery is best-effort: sends never block the session. When the buffered
// channel is full the subscriber is deemed slow, its channel is closed, and
// it must re-subscribe with a fresh offset. The event log remains the
// authoritative record.
type Subscriber struct {
	// ID uniquely identifies this subscriber (typically a UUID).
	ID string

	// JoinedAt is when this subscriber attached to the session.
	JoinedAt time.Time

	ch     chan event.Event
	mu     sync.Mutex
	closed bool
}

func newSubscriber(id string) *Subscriber {
	return &Subscriber{
		ID:       id,
		JoinedAt: time.Now(),
		ch:       make(chan event.Event, subscriberBuffer),
	}
}

// Events returns the receive side of the subscriber's channel. The channel
// is closed when the subscriber overflows, is unsubscribed, or the session
// shuts down.
func (s *Subscriber) Events() <-chan event.Event {
	return s.ch
}

// send attempts a non-blocking delivery. Returns false when the subscriber
// is closed or its buffer is full; a full buffer closes the subscriber.
func (s *Subscriber) send(e event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- e:
		return true
	default:
		// Overflow: the subscriber is too slow to keep up. Close it so the
		// reader observes the gap and re-subscribes instead of silently
		// missing events.
		s.closed = true
		close(s.ch)
		metrics.SubscriberDrops.Inc()
		return false
	}
}

// close closes the channel exactly once. Safe to call concurrently with send.
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// IsClosed reports whether the subscriber's channel has been closed.
func (s *Subscriber) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
