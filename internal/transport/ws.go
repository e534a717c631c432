package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WSConfig holds WebSocket dialer settings.
type WSConfig struct {
	URL          string        // ws://localhost:8080/ws
	DialTimeout  time.Duration // upper bound for the TCP + upgrade handshake
	WriteTimeout time.Duration // per-frame write deadline
}

// DefaultWSConfig returns sensible defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		URL:          "ws://localhost:8080/ws",
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// WSDialer dials WebSocket connections with gobwas/ws.
type WSDialer struct {
	config WSConfig
}

// NewWSDialer creates a dialer for config.URL.
func NewWSDialer(config WSConfig) *WSDialer {
	return &WSDialer{config: config}
}

// Dial opens a WebSocket connection. The room is not part of the URL; the
// caller declares it with the join handshake.
func (d *WSDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	dialer := ws.Dialer{Timeout: d.config.DialTimeout}
	conn, _, _, err := dialer.Dial(ctx, d.config.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: ws dial %s: %w", d.config.URL, err)
	}
	return &wsConn{conn: conn, writeTimeout: d.config.WriteTimeout, closed: make(chan struct{})}, nil
}

// wsConn is the client side of one WebSocket connection.
type wsConn struct {
	conn         net.Conn
	writeTimeout time.Duration
	readMu       sync.Mutex
	writeMu      sync.Mutex // serializes outbound frames
	closeOnce    sync.Once
	closed       chan struct{}
}

// Read returns the next text frame. Ping and close control frames are
// answered in place; a close frame or EOF surfaces as ErrClosed.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	_ = c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	data, err := c.readText()
	if err == nil {
		return data, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, c.classify(err)
}

// readText reads frames until a text frame arrives. Control frames are
// answered under the write lock so replies never interleave with Write.
func (c *wsConn) readText() ([]byte, error) {
	control := func(h ws.Header, r io.Reader) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)(h, r)
	}
	rd := wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&rd)
	}
}

// Write sends one text frame.
func (c *wsConn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return c.classify(err)
	}
	return nil
}

// Close sends a normal-closure frame and closes the socket. It is safe to
// call multiple times.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.closed)
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) classify(err error) error {
	var closedErr wsutil.ClosedError
	switch {
	case errors.As(err, &closedErr):
		return fmt.Errorf("%w: %s", ErrClosed, closedErr.Error())
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return ErrClosed
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return fmt.Errorf("transport: ws: %w", err)
}
