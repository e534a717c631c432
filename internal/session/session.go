// Package session is the room-session state machine. A Session captures the
// user's display name and room, keeps exactly one connection for the room it
// has joined, filters inbound traffic into the room's message log and sends
// the composed draft.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/connection"
	"github.com/whisper/roomchat/internal/identity"
	"github.com/whisper/roomchat/internal/locator"
	"github.com/whisper/roomchat/internal/logging"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
)

// ErrNotJoined is returned by Send outside the Joined state.
var ErrNotJoined = fmt.Errorf("session: not joined: %w", connection.ErrNotOpen)

// State is the session's membership state.
type State int

const (
	StateUnjoined State = iota
	StateJoined
)

func (s State) String() string {
	if s == StateJoined {
		return "joined"
	}
	return "unjoined"
}

// Connector opens room connections and delivers their events.
// *connection.Manager implements it.
type Connector interface {
	Open(room string) *connection.Handle
	Events() <-chan connection.Event
}

// Options configures a Session.
type Options struct {
	Connector Connector        // required
	Locator   *locator.Locator // required
	Identity  identity.Store   // defaults to an in-memory store
	Logger    zerolog.Logger

	// OnChange is called after every change to the state, the draft or the
	// message log. It runs outside the session lock.
	OnChange func()
}

// Session is one user's room session. All methods are goroutine-safe.
type Session struct {
	connector Connector
	locator   *locator.Locator
	identity  identity.Store
	logger    zerolog.Logger
	onChange  func()

	mu       sync.Mutex
	state    State
	username string
	room     string
	draft    string
	handle   *connection.Handle
	log      *chat.Log
}

// New creates an unjoined Session.
func New(opts Options) (*Session, error) {
	if opts.Connector == nil {
		return nil, errors.New("session: connector is required")
	}
	if opts.Locator == nil {
		return nil, errors.New("session: locator is required")
	}
	if opts.Identity == nil {
		opts.Identity = identity.NewMemoryStore()
	}
	return &Session{
		connector: opts.Connector,
		locator:   opts.Locator,
		identity:  opts.Identity,
		logger:    opts.Logger,
		onChange:  opts.OnChange,
		log:       chat.NewLog(),
	}, nil
}

// Resume joins directly when both a remembered identity and a room in the
// address are available. It reports whether it joined.
func (s *Session) Resume(ctx context.Context) (bool, error) {
	room, ok := s.locator.CurrentRoom()
	if !ok {
		return false, nil
	}
	name := s.resolveIdentity(ctx)
	if name == "" {
		return false, nil
	}
	if err := s.Join(ctx, name, room); err != nil {
		return false, err
	}
	s.logger.Info().Str(logging.FieldRoom, room).Msg("session: resumed from address")
	return true, nil
}

// JoinDefaults returns the values a join form should be prefilled with: the
// remembered display name and the room named by the address.
func (s *Session) JoinDefaults(ctx context.Context) (username, room string) {
	room, _ = s.locator.CurrentRoom()
	return s.resolveIdentity(ctx), room
}

// Join enters room as username. An empty username falls back to the
// remembered identity. On a validation failure nothing changes. Otherwise
// the log is cleared, any previous connection is closed before the new one
// is opened, the identity is remembered and the address is rewritten to
// name the room.
func (s *Session) Join(ctx context.Context, username, room string) error {
	if username == "" {
		username = s.resolveIdentity(ctx)
	}
	if err := chat.ValidateJoin(username, room); err != nil {
		return fmt.Errorf("session: join: %w", err)
	}

	s.mu.Lock()
	s.log.Reset(room)
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			s.logger.Warn().Err(err).Str(logging.FieldHandle, s.handle.ID()).Msg("session: closing previous connection")
		}
	}
	s.handle = s.connector.Open(room)
	if err := s.identity.Persist(ctx, username); err != nil {
		s.logger.Warn().Err(err).Msg("session: failed to remember identity")
	}
	s.locator.SetRoom(room)
	s.username = username
	s.room = room
	s.state = StateJoined
	handleID := s.handle.ID()
	s.mu.Unlock()

	metrics.JoinsTotal.Inc()
	s.logger.Info().
		Str(logging.FieldRoom, room).
		Str(logging.FieldHandle, handleID).
		Str("username", username).
		Msg("session: joined")
	s.changed()
	return nil
}

// Leave closes the connection, forgets the identity and returns the session
// to its initial state.
func (s *Session) Leave(ctx context.Context) {
	s.mu.Lock()
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("session: closing connection")
		}
		s.handle = nil
	}
	s.log.Reset("")
	if err := s.identity.Clear(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("session: failed to clear identity")
	}
	s.locator.ClearRoom()
	room := s.room
	s.username = ""
	s.room = ""
	s.draft = ""
	s.state = StateUnjoined
	s.mu.Unlock()

	s.logger.Info().Str(logging.FieldRoom, room).Msg("session: left")
	s.changed()
}

// SetDraft replaces the text being composed.
func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
	s.changed()
}

// Draft returns the text being composed.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Send transmits the draft to the current room. The draft is cleared only
// when the send succeeds. The message is not added to the local log; it
// appears once the server echoes it back.
func (s *Session) Send(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateJoined || s.handle == nil {
		s.mu.Unlock()
		return ErrNotJoined
	}
	h := s.handle
	msg := protocol.Message{Username: s.username, Text: s.draft, Room: protocol.Scoped(s.room)}
	s.mu.Unlock()

	if err := h.Send(ctx, msg); err != nil {
		return fmt.Errorf("session: send: %w", err)
	}

	s.mu.Lock()
	if s.handle == h && s.draft == msg.Text {
		s.draft = ""
	}
	s.mu.Unlock()
	s.changed()
	return nil
}

// SendText sets the draft to text and sends it.
func (s *Session) SendText(ctx context.Context, text string) error {
	s.SetDraft(text)
	return s.Send(ctx)
}

// Run applies connector events in order until ctx is done.
func (s *Session) Run(ctx context.Context) {
	events := s.connector.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.HandleEvent(ev)
		}
	}
}

// HandleEvent applies one connection event. Events from any handle other
// than the current one are dropped.
func (s *Session) HandleEvent(ev connection.Event) {
	s.mu.Lock()
	if s.handle == nil || ev.Source() != s.handle {
		s.mu.Unlock()
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeSuperseded).Inc()
		s.logger.Debug().Str(logging.FieldHandle, ev.Source().ID()).Msgf("session: dropped %T from superseded connection", ev)
		return
	}
	room := s.room
	changed := false

	switch e := ev.(type) {
	case connection.Opened:
		s.logger.Debug().Str(logging.FieldRoom, room).Msg("session: connection open")
		changed = true
	case connection.Received:
		if s.log.Admit(e.Message) {
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeAdmitted).Inc()
			changed = true
		} else {
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDiscarded).Inc()
			s.logger.Debug().
				Str(logging.FieldRoom, room).
				Stringer("message_room", e.Message.Room).
				Msg("session: discarded message for another room")
		}
	case connection.Malformed:
		s.logger.Warn().Err(e.Err).Str(logging.FieldRoom, room).Msg("session: malformed inbound frame")
	case connection.Errored:
		s.logger.Error().Err(e.Err).Str(logging.FieldRoom, room).Msg("session: connection error")
	case connection.Closed:
		s.logger.Warn().Str(logging.FieldRoom, room).Msg("session: connection closed, rejoin to reconnect")
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.changed()
	}
}

// Close releases the connection without forgetting the identity or the
// room in the address.
func (s *Session) Close() error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Close()
}

// State returns the membership state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Username returns the display name of the joined session.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Room returns the joined room, or "".
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Messages returns the current room's log in arrival order.
func (s *Session) Messages() []protocol.Message {
	return s.log.Messages()
}

// Handle returns the current connection handle, or nil.
func (s *Session) Handle() *connection.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// ConnectionState returns the state of the current connection. Without a
// connection it reports StateClosed.
func (s *Session) ConnectionState() connection.State {
	h := s.Handle()
	if h == nil {
		return connection.StateClosed
	}
	return h.State()
}

// InviteLink returns an address that opens the joined room. It returns ""
// when the session is not joined.
func (s *Session) InviteLink() string {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()

	if room == "" {
		return ""
	}
	return s.locator.InviteLink(room)
}

// resolveIdentity returns the remembered name; storage failures count as
// unresolved.
func (s *Session) resolveIdentity(ctx context.Context) string {
	name, err := s.identity.Resolve(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("session: identity unavailable")
		return ""
	}
	return name
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
