package cdp

import "sync/atomic"

// SessionAny subscribes across every session, tagged or not.
const SessionAny = "*"

// subscriptionBuffer is the per-subscriber queue depth. A full queue
// drops its oldest entry so a slow consumer never blocks the reader.
const subscriptionBuffer = 256

// Subscription receives matching protocol events on C. The channel is
// closed when the client shuts down or Unsubscribe is called.
type Subscription struct {
	client  *Client
	methods map[string]struct{}
	session string
	ch      chan Event
	dropped uint64
	closed  bool // guarded by client.subsMu
}

// C is the event stream. It is closed as the end-of-stream marker.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the queue was
// full.
func (s *Subscription) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// Unsubscribe stops delivery and closes the stream. Safe to call more
// than once and concurrently with delivery.
func (s *Subscription) Unsubscribe() { s.client.unsubscribe(s) }

func (s *Subscription) matches(ev Event) bool {
	if _, ok := s.methods[ev.Method]; !ok {
		return false
	}
	return s.session == SessionAny || s.session == ev.SessionID
}

// deliver runs only on the client's reader goroutine, under the
// subscription registry read lock, so it is the sole producer on ch and
// the drop-oldest dance below cannot race another producer.
func (s *Subscription) deliver(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch: // queue full: sacrifice the oldest entry
		atomic.AddUint64(&s.dropped, 1)
		atomic.AddUint64(&s.client.droppedEvents, 1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		atomic.AddUint64(&s.dropped, 1)
		atomic.AddUint64(&s.client.droppedEvents, 1)
	}
}
