// Package transport provides the realtime connection primitive the chat
// client runs on: a bidirectional, message-oriented connection that can be
// read, written and closed. Framing, TLS and retries live here or below,
// never in the session logic.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Read and Write once the connection has been
// closed, locally or by the remote end, in an orderly way. Any other error
// is a transport failure.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one open realtime connection.
type Conn interface {
	// Read blocks until the next text frame arrives.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one text frame.
	Write(ctx context.Context, data []byte) error
	// Close closes the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens connections. The room is passed so transports that scope
// traffic by room (NATS subjects) can do so; transports with a fixed
// endpoint ignore it.
type Dialer interface {
	Dial(ctx context.Context, room string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, room string) (Conn, error)

// Dial calls f(ctx, room).
func (f DialerFunc) Dial(ctx context.Context, room string) (Conn, error) {
	return f(ctx, room)
}
