package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/transport"
)

var (
	// ErrNotOpen is returned by Send when the handle is not in StateOpen.
	ErrNotOpen = errors.New("connection: not open")
	// ErrTransport wraps failures reported by the underlying transport.
	ErrTransport = errors.New("connection: transport failure")
)

// State is the lifecycle state of a Handle.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handle is one realtime connection bound to a room.
type Handle struct {
	id     string
	room   string
	m      *Manager
	logger zerolog.Logger

	// ctx is cancelled by a local Close; it aborts the dial and the read
	// loop and suppresses any further events.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex // guards state and conn, serializes writes
	state State
	conn  transport.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the handle's unique id.
func (h *Handle) ID() string { return h.id }

// Room returns the room the handle joined.
func (h *Handle) Room() string { return h.room }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed when the handle's background goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Send validates msg and writes it to the connection. Validation failures
// wrap chat.ErrValidation and are reported before the state is checked. A
// handle that is not open returns ErrNotOpen; a failed write wraps
// ErrTransport. Nothing is retried.
func (h *Handle) Send(ctx context.Context, msg protocol.Message) error {
	if err := chat.ValidateMessage(msg.Username, msg.Text); err != nil {
		return err
	}
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateOpen {
		return fmt.Errorf("%w: connection is %s", ErrNotOpen, h.state)
	}
	if err := h.conn.Write(ctx, data); err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeSendFailed).Inc()
		if errors.Is(err, transport.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrNotOpen, err)
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	metrics.MessagesTotal.WithLabelValues(metrics.OutcomeSent).Inc()
	return nil
}

// Close tears the connection down. Only the first call has any effect;
// later calls return nil. No events are delivered for the handle after
// Close returns.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.cancel()

		h.mu.Lock()
		if h.state == StateConnecting || h.state == StateOpen {
			h.state = StateClosing
		}
		conn := h.conn
		h.mu.Unlock()

		if conn != nil {
			if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, transport.ErrClosed) {
				err = fmt.Errorf("connection: close: %w", cerr)
			}
		}

		h.mu.Lock()
		h.state = StateClosed
		h.mu.Unlock()

		if h.m.forget(h) {
			h.logger.Debug().Msg("connection: closed")
		}
	})
	return err
}

// run dials, performs the join handshake and then reads until the
// connection ends.
func (h *Handle) run() {
	defer close(h.done)

	start := time.Now()
	conn, err := h.m.dialer.Dial(h.ctx, h.room)
	if err != nil {
		if h.ctx.Err() != nil {
			return
		}
		h.fail(fmt.Errorf("dial: %w", err))
		return
	}

	join, err := protocol.NewJoin(h.room)
	if err != nil {
		_ = conn.Close()
		h.fail(err)
		return
	}

	// The join frame goes out under the lock, before the state flips to
	// open, so no Send can get ahead of it.
	h.mu.Lock()
	if h.state != StateConnecting {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.conn = conn
	if err := conn.Write(h.ctx, join); err != nil {
		h.mu.Unlock()
		h.fail(fmt.Errorf("join handshake: %w", err))
		return
	}
	h.state = StateOpen
	h.mu.Unlock()

	metrics.ConnectionsOpened.Inc()
	metrics.ConnectLatency.Observe(time.Since(start).Seconds())
	h.logger.Info().Dur("latency", time.Since(start)).Msg("connection: open")
	h.emit(Opened{Handle: h})

	h.readLoop(conn)
}

func (h *Handle) readLoop(conn transport.Conn) {
	for {
		data, err := conn.Read(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			if errors.Is(err, transport.ErrClosed) {
				h.remoteClosed()
				return
			}
			h.fail(fmt.Errorf("read: %w", err))
			return
		}

		in, err := protocol.ParseInbound(data)
		if err != nil {
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeMalformed).Inc()
			h.logger.Warn().Err(err).Int("bytes", len(data)).Msg("connection: malformed frame")
			h.emit(Malformed{Handle: h, Err: err})
			continue
		}
		if in.Kind == protocol.KindControl {
			h.logger.Debug().Str("type", in.Type).Msg("connection: control frame ignored")
			continue
		}
		h.emit(Received{Handle: h, Message: in.Message})
	}
}

// remoteClosed handles an orderly close initiated by the other end.
func (h *Handle) remoteClosed() {
	if !h.settle(StateClosed) {
		return
	}
	h.logger.Info().Msg("connection: closed by remote")
	h.emit(Closed{Handle: h})
	h.finish()
}

// fail moves the handle through Error to Closed and reports err.
func (h *Handle) fail(err error) {
	if !h.settle(StateError) {
		return
	}
	metrics.ConnectionErrors.Inc()
	h.logger.Warn().Err(err).Msg("connection: transport failure")
	h.emit(Errored{Handle: h, Err: fmt.Errorf("%w: %w", ErrTransport, err)})

	h.mu.Lock()
	h.state = StateClosed
	h.mu.Unlock()
	h.emit(Closed{Handle: h})
	h.finish()
}

// settle moves the handle to state unless a local Close got there first,
// and releases the underlying connection.
func (h *Handle) settle(state State) bool {
	h.mu.Lock()
	if h.state == StateClosing || h.state == StateClosed {
		h.mu.Unlock()
		return false
	}
	h.state = state
	conn := h.conn
	h.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return true
}

// finish drops the handle from the live set after it ended on its own. The
// owner may still call Close, which then only releases the context.
func (h *Handle) finish() {
	h.m.forget(h)
}

// emit delivers ev unless the handle has been closed locally.
func (h *Handle) emit(ev Event) {
	select {
	case <-h.ctx.Done():
		return
	default:
	}
	select {
	case h.m.events <- ev:
	case <-h.ctx.Done():
	}
}
