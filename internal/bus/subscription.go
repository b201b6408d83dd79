package bus

import (
	"sync/atomic"
	"time"
)

// Subscription records one subscriber's interest in a message type.
// A subscriber may hold many subscriptions. Counters and the
// last-delivery clock are atomics so readers never block publishes.
type Subscription struct {
	id         string
	subscriber string
	msgType    string
	handler    Handler
	filter     FilterFunc
	created    time.Time

	active atomic.Bool

	lastDeliveryNs atomic.Int64
	delivered      atomic.Uint64
	failed         atomic.Uint64
}

func newSubscription(subscriber, msgType string, h Handler, filter FilterFunc) *Subscription {
	s := &Subscription{
		id:         generateID(),
		subscriber: subscriber,
		msgType:    msgType,
		handler:    h,
		filter:     filter,
		created:    time.Now(),
	}
	s.active.Store(true)
	return s
}

// ID returns the unique subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Subscriber returns the owning subscriber id.
func (s *Subscription) Subscriber() string { return s.subscriber }

// MessageType returns the routed message type key.
func (s *Subscription) MessageType() string { return s.msgType }

// Created returns the creation time.
func (s *Subscription) Created() time.Time { return s.created }

// IsActive reports whether the subscription receives messages.
func (s *Subscription) IsActive() bool { return s.active.Load() }

// Cancel deactivates the subscription. The registry prunes cancelled
// entries lazily, so Cancel is safe to call from inside a handler.
func (s *Subscription) Cancel() { s.active.Store(false) }

// LastDelivery returns the time of the most recent delivery, zero if
// nothing was ever delivered.
func (s *Subscription) LastDelivery() time.Time {
	ns := s.lastDeliveryNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Delivered returns the successful delivery count.
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

// Failed returns the failed delivery count.
func (s *Subscription) Failed() uint64 { return s.failed.Load() }

// shouldDeliver applies the active flag and the predicate.
func (s *Subscription) shouldDeliver(msg Message) bool {
	if !s.active.Load() {
		return false
	}
	if s.filter != nil && !s.filter(msg) {
		return false
	}
	return true
}

// recordDelivery updates bookkeeping after a handler ran.
func (s *Subscription) recordDelivery(err error) {
	s.lastDeliveryNs.Store(time.Now().UnixNano())
	if err != nil {
		s.failed.Add(1)
	} else {
		s.delivered.Add(1)
	}
}
