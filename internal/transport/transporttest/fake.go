// Package transporttest provides in-memory transport fakes for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/whisper/roomchat/internal/transport"
)

// Conn is a scripted transport.Conn. Frames pushed with Deliver are returned
// by Read in order; everything written is recorded.
type Conn struct {
	Room string

	inbound  chan []byte
	failures chan error
	closed   chan struct{}

	mu         sync.Mutex
	writes     [][]byte
	writeErr   error
	closeCalls int
	teardowns  int
	closeOnce  sync.Once
	hangupOnce sync.Once
	hungUp     chan struct{}
}

func newConn(room string) *Conn {
	return &Conn{
		Room:     room,
		inbound:  make(chan []byte, 256),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
		hungUp:   make(chan struct{}),
	}
}

// Read returns the next delivered frame.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, transport.ErrClosed
	default:
	}
	select {
	case data := <-c.inbound:
		return data, nil
	case err := <-c.failures:
		return nil, err
	case <-c.hungUp:
		return nil, transport.ErrClosed
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write records data.
func (c *Conn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	c.writes = append(c.writes, frame)
	return nil
}

// Close marks the connection closed. Only the first call tears down.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.teardowns++
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

// Deliver queues a raw inbound frame.
func (c *Conn) Deliver(frame []byte) {
	select {
	case c.inbound <- frame:
	case <-c.closed:
	}
}

// DeliverJSON marshals v and queues it.
func (c *Conn) DeliverJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.Deliver(data)
}

// Hangup simulates an orderly close by the remote end.
func (c *Conn) Hangup() {
	c.hangupOnce.Do(func() { close(c.hungUp) })
}

// Fail makes the pending or next Read return err.
func (c *Conn) Fail(err error) {
	select {
	case c.failures <- err:
	default:
	}
}

// SetWriteError makes subsequent writes fail with err.
func (c *Conn) SetWriteError(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Writes returns every frame written so far.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// CloseCalls returns how many times Close was called.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Teardowns returns how many times Close actually tore the connection down.
func (c *Conn) Teardowns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teardowns
}

// Dialer hands out Conns and records them.
type Dialer struct {
	mu     sync.Mutex
	conns  []*Conn
	err      error
	writeErr error
	gate     chan struct{}
	dialed chan *Conn
}

// NewDialer creates a Dialer that succeeds immediately.
func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Conn, 64)}
}

// Dial returns a new Conn, or the configured error. While the dialer is
// held, Dial blocks until Release or ctx cancellation.
func (d *Dialer) Dial(ctx context.Context, room string) (transport.Conn, error) {
	d.mu.Lock()
	gate, err, writeErr := d.gate, d.err, d.writeErr
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c := newConn(room)
	c.writeErr = writeErr
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	d.dialed <- c
	return c, nil
}

// FailWith makes subsequent dials fail with err.
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// FailWrites makes every Conn dialed from now on reject writes with err.
func (d *Dialer) FailWrites(err error) {
	d.mu.Lock()
	d.writeErr = err
	d.mu.Unlock()
}

// Hold makes subsequent dials block until Release.
func (d *Dialer) Hold() {
	d.mu.Lock()
	d.gate = make(chan struct{})
	d.mu.Unlock()
}

// Release unblocks held dials.
func (d *Dialer) Release() {
	d.mu.Lock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
	d.mu.Unlock()
}

// Conns returns every Conn handed out so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Next waits for the next successful dial. It returns nil on timeout.
func (d *Dialer) Next(timeout time.Duration) *Conn {
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(timeout):
		return nil
	}
}
