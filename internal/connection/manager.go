// Package connection owns the realtime connections of a room session. Each
// Handle wraps one transport connection bound to one room: it performs the
// join handshake, turns inbound frames into events and tears down exactly
// once. Events from every handle funnel into the Manager's single ordered
// channel.
package connection

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/logging"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/transport"
)

// DefaultEventBuffer is the capacity of the event channel.
const DefaultEventBuffer = 64

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger handles log through.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.bufSize = n
		}
	}
}

// Manager opens handles over a transport.Dialer and tracks the ones that
// have not been closed yet.
type Manager struct {
	dialer  transport.Dialer
	logger  zerolog.Logger
	bufSize int
	events  chan Event

	mu   sync.Mutex
	live map[*Handle]struct{}
}

// NewManager creates a Manager that dials through dialer.
func NewManager(dialer transport.Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:  dialer,
		logger:  zerolog.Nop(),
		bufSize: DefaultEventBuffer,
		live:    make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events = make(chan Event, m.bufSize)
	return m
}

// Events returns the channel every handle's events are delivered on, in the
// order they occurred per handle.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Open creates a handle for room in the Connecting state and starts dialing
// in the background. It never blocks on the network.
func (m *Manager) Open(room string) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()

	h := &Handle{
		id:     id,
		room:   room,
		m:      m,
		ctx:    ctx,
		cancel: cancel,
		state:  StateConnecting,
		done:   make(chan struct{}),
		logger: m.logger.With().Str(logging.FieldHandle, id).Str(logging.FieldRoom, room).Logger(),
	}

	m.mu.Lock()
	m.live[h] = struct{}{}
	m.mu.Unlock()
	metrics.LiveHandles.Inc()

	h.logger.Debug().Msg("connection: opening")
	go h.run()
	return h
}

// Live returns the number of handles that have not reached Closed.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// CloseAll closes every live handle.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.live))
	for h := range m.live {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
}

// forget removes h from the live set. Returns false if it was already gone.
func (m *Manager) forget(h *Handle) bool {
	m.mu.Lock()
	_, ok := m.live[h]
	delete(m.live, h)
	m.mu.Unlock()

	if ok {
		metrics.LiveHandles.Dec()
	}
	return ok
}
