package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectRoom is the subject segment between the prefix and the encoded room.
const SubjectRoom = "room"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	SubjectPrefix string        // subjects are <prefix>.room.<encoded room>
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // 0 surfaces a dropped server as a closed connection
	BufferSize    int           // inbound frames buffered per connection
	Logger        zerolog.Logger
}

// DefaultNATSConfig returns sensible defaults. Reconnection is off: a
// dropped connection is reported and the user rejoins.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "roomchat",
		SubjectPrefix: "roomchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: 0,
		BufferSize:    256,
		Logger:        zerolog.Nop(),
	}
}

// RoomSubject returns the subject that carries room's traffic. The room is
// base64url-encoded so any room name forms a single valid subject token.
func RoomSubject(prefix, room string) string {
	return prefix + "." + SubjectRoom + "." + base64.RawURLEncoding.EncodeToString([]byte(room))
}

// NATSDialer opens one NATS connection per Dial, subscribed to the room's
// subject. Writes publish to the same subject, so a client receives its own
// messages back the same way a broadcasting socket server would echo them.
type NATSDialer struct {
	config NATSConfig
}

// NewNATSDialer creates a dialer for config.
func NewNATSDialer(config NATSConfig) *NATSDialer {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "roomchat"
	}
	return &NATSDialer{config: config}
}

// Dial connects to NATS and subscribes to the room subject.
func (d *NATSDialer) Dial(ctx context.Context, room string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := d.config.Logger
	c := &natsConn{
		subject: RoomSubject(d.config.SubjectPrefix, room),
		msgs:    make(chan *nats.Msg, d.config.BufferSize),
		closed:  make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Name(d.config.Name),
		nats.ReconnectWait(d.config.ReconnectWait),
		nats.MaxReconnects(d.config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Str("subject", c.subject).Msg("[nats] disconnected")
			} else {
				log.Debug().Str("subject", c.subject).Msg("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("[nats] reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.markClosed()
		}),
	}

	nc, err := nats.Connect(d.config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: nats connect: %w", err)
	}

	sub, err := nc.ChanSubscribe(c.subject, c.msgs)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport: nats subscribe %s: %w", c.subject, err)
	}
	// The subscription must be registered server-side before the caller
	// writes its join frame, or the echo could be missed.
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport: nats flush: %w", err)
	}

	c.nc = nc
	c.sub = sub
	log.Debug().Str("url", nc.ConnectedUrl()).Str("subject", c.subject).Msg("[nats] connected")
	return c, nil
}

// natsConn is one NATS connection bound to a room subject.
type natsConn struct {
	nc         *nats.Conn
	sub        *nats.Subscription
	subject    string
	msgs       chan *nats.Msg
	closed     chan struct{}
	closeOnce  sync.Once
	markedOnce sync.Once
}

// Read returns the next payload published on the room subject.
func (c *natsConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.msgs:
		return msg.Data, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write publishes data on the room subject.
func (c *natsConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if err := c.nc.Publish(c.subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("transport: nats publish %s: %w", c.subject, err)
	}
	return nil
}

// Close unsubscribes and closes the NATS connection. It is safe to call
// multiple times.
func (c *natsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if uerr := c.sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrConnectionClosed) {
			err = fmt.Errorf("transport: nats unsubscribe %s: %w", c.subject, uerr)
		}
		c.nc.Close()
		c.markClosed()
	})
	return err
}

func (c *natsConn) markClosed() {
	c.markedOnce.Do(func() { close(c.closed) })
}
