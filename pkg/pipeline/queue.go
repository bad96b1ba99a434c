package pipeline

import "context"

// Delivery is one in-flight queue message with manual acknowledgement.
//
// Ack must only be called after the message's bytes are durable (container
// uploaded and indexed). Nack with requeue returns the message to the
// broker for redelivery.
type Delivery interface {
	// Body returns the raw message payload.
	Body() []byte

	// Ack acknowledges the message to the broker.
	Ack() error

	// Nack negatively acknowledges the message, optionally requeueing it.
	Nack(requeue bool) error
}

// Handler consumes deliveries one at a time.
type Handler interface {
	Handle(ctx context.Context, d Delivery)
}

// Consumer connects a broker queue to a Handler. Implementations own the
// connection lifecycle, including reconnects; Run blocks until the context
// is cancelled.
type Consumer interface {
	Run(ctx context.Context, h Handler) error
}
