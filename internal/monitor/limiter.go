package monitor

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// EventLimiter is a token bucket gating a high-volume event stream.
// Over-limit events are not queued: the caller drops them and the drop is
// counted for the session overview.
type EventLimiter struct {
	limiter *rate.Limiter
	dropped uint64
}

// NewEventLimiter allows perSecond events per second with an equal burst.
func NewEventLimiter(perSecond int) *EventLimiter {
	return &EventLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
}

// Allow reports whether the next event may pass; a false return has
// already been counted as a drop.
func (l *EventLimiter) Allow() bool {
	if l.limiter.Allow() {
		return true
	}
	atomic.AddUint64(&l.dropped, 1)
	return false
}

// Dropped returns how many events the bucket has rejected.
func (l *EventLimiter) Dropped() uint64 { return atomic.LoadUint64(&l.dropped) }
