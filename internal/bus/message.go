// Package bus implements the typed message fabric: publish/subscribe
// with type-indexed routing, priority delivery, broadcast, unicast and
// multicast modes, synchronous and asynchronous dispatch, and
// request/reply correlation on top of plain messages.
package bus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Priority orders queued messages. Higher values drain first once the
// queue is contended.
type Priority int

// Message priorities.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// DeliveryMode selects recipients and the dispatch path.
type DeliveryMode int

// Delivery modes.
const (
	// Immediate runs handlers on the publishing goroutine in
	// subscription-registration order.
	Immediate DeliveryMode = iota

	// Queued enqueues the message; the worker pool drains it.
	Queued

	// Broadcast delivers to every matching subscriber.
	Broadcast

	// Unicast delivers to exactly one named recipient.
	Unicast

	// Multicast delivers to the explicit recipient list intersected
	// with matching subscribers.
	Multicast

	// Targeted is Multicast routing under a distinct tag.
	Targeted
)

// String returns a human-readable mode name.
func (m DeliveryMode) String() string {
	switch m {
	case Immediate:
		return "immediate"
	case Queued:
		return "queued"
	case Broadcast:
		return "broadcast"
	case Unicast:
		return "unicast"
	case Multicast:
		return "multicast"
	case Targeted:
		return "targeted"
	default:
		return "unknown"
	}
}

// Message is the unit of traffic. The bus stamps ID and Timestamp at
// publication; messages are immutable after that point, so handlers
// must not modify the payload.
type Message struct {
	// Type is the routing key. Subscriptions are indexed by it.
	Type string

	// Sender identifies the publishing component or plugin.
	Sender string

	// ID is assigned monotonically by the bus at publication.
	ID uint64

	// Timestamp is the wall-clock publication time.
	Timestamp time.Time

	Priority Priority
	Mode     DeliveryMode

	// Recipients names target subscribers for Unicast, Multicast and
	// Targeted modes. Ignored otherwise.
	Recipients []string

	// Correlation links request and reply messages.
	Correlation string

	// Payload is the typed message body.
	Payload any
}

// Handler processes a delivered message.
type Handler func(ctx context.Context, msg Message) error

// FilterFunc is a per-subscription predicate. Return false to skip
// delivery of the message to that subscription.
type FilterFunc func(msg Message) bool

// generateID produces a random hex id for subscriptions.
func generateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}
