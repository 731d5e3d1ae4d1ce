package core

import "context"

// SignalTransport is a participant's bidirectional signaling channel.
// Implementations must deliver inbound messages from one sender in the order they were sent.
type SignalTransport interface {
	Send(ctx context.Context, msg Message) error
	// Messages is closed when the transport ends.
	Messages() <-chan Message
	Close() error
}
