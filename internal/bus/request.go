package bus

import (
	"context"

	"github.com/plugrig/plugrig/internal/fault"
)

// ReplyType returns the conventional reply message type for a request
// type. Request/reply is a correlated message pair, not a separate
// transport: the responder publishes a message of ReplyType(reqType)
// carrying the request's Correlation id.
func ReplyType(requestType string) string {
	return requestType + ".reply"
}

// Request publishes a message and blocks for a correlated reply, or
// until the context expires. The request's Correlation field is
// filled when empty.
func (b *Bus) Request(ctx context.Context, msg Message) (Message, error) {
	if msg.Correlation == "" {
		msg.Correlation = generateID()
	}
	correlation := msg.Correlation

	replyCh := make(chan Message, 1)
	sub, err := b.Subscribe("request:"+correlation, ReplyType(msg.Type),
		func(_ context.Context, reply Message) error {
			select {
			case replyCh <- reply:
			default:
			}
			return nil
		},
		WithFilter(func(m Message) bool { return m.Correlation == correlation }),
	)
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = b.Unsubscribe(sub.ID()) }()

	if err := b.Publish(ctx, msg); err != nil {
		return Message{}, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return Message{}, fault.Wrap(fault.Timeout, ctx.Err(), "waiting for reply to %s", msg.Type)
	}
}

// Reply publishes the response to a request message, copying its
// correlation id.
func (b *Bus) Reply(ctx context.Context, request Message, payload any, sender string) error {
	return b.Publish(ctx, Message{
		Type:        ReplyType(request.Type),
		Sender:      sender,
		Priority:    request.Priority,
		Mode:        Broadcast,
		Correlation: request.Correlation,
		Payload:     payload,
	})
}
