package connection

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/transport"
	"github.com/whisper/roomchat/internal/transport/transporttest"
)

const waitTimeout = 2 * time.Second

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func noEvent(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// openHandle opens a handle and waits for it to reach the open state.
func openHandle(t *testing.T, m *Manager, d *transporttest.Dialer, room string) (*Handle, *transporttest.Conn) {
	t.Helper()
	h := m.Open(room)
	conn := d.Next(waitTimeout)
	require.NotNil(t, conn, "dial did not happen")

	ev := nextEvent(t, m)
	opened, ok := ev.(Opened)
	require.True(t, ok, "expected Opened, got %T", ev)
	require.Same(t, h, opened.Handle)
	return h, conn
}

func msg(user, text, room string) protocol.Message {
	return protocol.Message{Username: user, Text: text, Room: protocol.Scoped(room)}
}

func TestOpen_SendsJoinBeforeOpen(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)

	h, conn := openHandle(t, m, d, "lobby")
	defer h.Close()

	assert.Equal(t, StateOpen, h.State())
	assert.Equal(t, "lobby", h.Room())
	assert.NotEmpty(t, h.ID())

	writes := conn.Writes()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"type":"join","room":"lobby"}`, string(writes[0]))

	require.NoError(t, h.Send(context.Background(), msg("ada", "hi", "lobby")))
	writes = conn.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, protocol.TypeJoin, protocol.PeekType(writes[0]))
	assert.JSONEq(t, `{"username":"ada","text":"hi","room":"lobby"}`, string(writes[1]))
}

func TestSend_WhileConnecting(t *testing.T) {
	d := transporttest.NewDialer()
	d.Hold()
	m := NewManager(d)

	h := m.Open("lobby")
	defer h.Close()
	assert.Equal(t, StateConnecting, h.State())

	err := h.Send(context.Background(), msg("ada", "hi", "lobby"))
	assert.ErrorIs(t, err, ErrNotOpen)

	d.Release()
	conn := d.Next(waitTimeout)
	require.NotNil(t, conn)
	_, ok := nextEvent(t, m).(Opened)
	require.True(t, ok)
	assert.Len(t, conn.Writes(), 1, "only the join frame was written")
}

func TestSend_ValidationBeforeState(t *testing.T) {
	d := transporttest.NewDialer()
	d.Hold()
	m := NewManager(d)

	h := m.Open("lobby")
	defer h.Close()

	err := h.Send(context.Background(), msg("ada", "   ", "lobby"))
	assert.ErrorIs(t, err, chat.ErrValidation)
	assert.NotErrorIs(t, err, ErrNotOpen)

	err = h.Send(context.Background(), msg("", "hi", "lobby"))
	assert.ErrorIs(t, err, chat.ErrValidation)
}

func TestSend_TransportFailure(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)
	h, conn := openHandle(t, m, d, "lobby")
	defer h.Close()

	conn.SetWriteError(errors.New("broken pipe"))
	err := h.Send(context.Background(), msg("ada", "hi", "lobby"))
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateOpen, h.State(), "a failed send does not change state")
}

func TestClose_Idempotent(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)
	h, conn := openHandle(t, m, d, "lobby")

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	assert.Equal(t, StateClosed, h.State())
	assert.Equal(t, 1, conn.Teardowns())
	assert.Equal(t, 1, conn.CloseCalls())
	assert.Equal(t, 0, m.Live())

	err := h.Send(context.Background(), msg("ada", "hi", "lobby"))
	assert.ErrorIs(t, err, ErrNotOpen)

	select {
	case <-h.Done():
	case <-time.After(waitTimeout):
		t.Fatal("handle goroutine did not exit")
	}
	noEvent(t, m)
}

func TestClose_WhileConnecting(t *testing.T) {
	d := transporttest.NewDialer()
	d.Hold()
	m := NewManager(d)

	h := m.Open("lobby")
	require.NoError(t, h.Close())
	assert.Equal(t, StateClosed, h.State())

	select {
	case <-h.Done():
	case <-time.After(waitTimeout):
		t.Fatal("dial was not aborted")
	}
	assert.Empty(t, d.Conns())
	noEvent(t, m)
}

func TestReceived_InOrder(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)
	h, conn := openHandle(t, m, d, "lobby")
	defer h.Close()

	conn.DeliverJSON(map[string]string{"username": "bo", "text": "one", "room": "lobby"})
	conn.DeliverJSON(map[string]string{"type": "join", "room": "lobby"})
	conn.DeliverJSON(map[string]interface{}{"username": "bo", "text": "two", "room": nil})

	first, ok := nextEvent(t, m).(Received)
	require.True(t, ok)
	assert.Same(t, h, first.Handle)
	assert.Equal(t, "one", first.Message.Text)
	assert.True(t, first.Message.Room.Matches("lobby"))

	second, ok := nextEvent(t, m).(Received)
	require.True(t, ok, "control frame must be dropped")
	assert.Equal(t, "two", second.Message.Text)
	assert.False(t, second.Message.Room.IsScoped())
}

func TestMalformed_KeepsConnectionOpen(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)
	h, conn := openHandle(t, m, d, "lobby")
	defer h.Close()

	conn.Deliver([]byte(`{not json`))
	ev, ok := nextEvent(t, m).(Malformed)
	require.True(t, ok)
	assert.ErrorIs(t, ev.Err, protocol.ErrMalformed)
	assert.Equal(t, StateOpen, h.State())

	data, _ := json.Marshal(msg("bo", "still here", "lobby"))
	conn.Deliver(data)
	rcv, ok := nextEvent(t, m).(Received)
	require.True(t, ok)
	assert.Equal(t, "still here", rcv.Message.Text)
}

func TestRemoteClose(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)
	h, conn := openHandle(t, m, d, "lobby")

	conn.Hangup()
	ev, ok := nextEvent(t, m).(Closed)
	require.True(t, ok)
	assert.Same(t, h, ev.Handle)
	assert.Equal(t, StateClosed, h.State())
	assert.Equal(t, 0, m.Live())

	err := h.Send(context.Background(), msg("ada", "hi", "lobby"))
	assert.ErrorIs(t, err, ErrNotOpen)
	require.NoError(t, h.Close())
	assert.Equal(t, 1, conn.Teardowns())
}

func TestTransportError_ThenClosed(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)
	h, conn := openHandle(t, m, d, "lobby")

	conn.Fail(errors.New("connection reset"))
	errEv, ok := nextEvent(t, m).(Errored)
	require.True(t, ok)
	assert.ErrorIs(t, errEv.Err, ErrTransport)

	_, ok = nextEvent(t, m).(Closed)
	require.True(t, ok)
	assert.Equal(t, StateClosed, h.State())
	assert.True(t, conn.IsClosed())
}

func TestDialFailure(t *testing.T) {
	d := transporttest.NewDialer()
	d.FailWith(errors.New("connection refused"))
	m := NewManager(d)

	h := m.Open("lobby")
	errEv, ok := nextEvent(t, m).(Errored)
	require.True(t, ok)
	assert.Same(t, h, errEv.Handle)
	assert.ErrorIs(t, errEv.Err, ErrTransport)

	_, ok = nextEvent(t, m).(Closed)
	require.True(t, ok)
	assert.Equal(t, 0, m.Live())
}

func TestJoinWriteFailure(t *testing.T) {
	d := transporttest.NewDialer()
	d.FailWrites(errors.New("broken pipe"))
	m := NewManager(d)

	h := m.Open("lobby")
	errEv, ok := nextEvent(t, m).(Errored)
	require.True(t, ok, "a failed handshake never reaches Opened")
	assert.ErrorIs(t, errEv.Err, ErrTransport)

	_, ok = nextEvent(t, m).(Closed)
	require.True(t, ok)
	assert.Equal(t, StateClosed, h.State())

	conn := d.Next(waitTimeout)
	require.NotNil(t, conn)
	assert.Empty(t, conn.Writes())
	assert.True(t, conn.IsClosed())
}

func TestSupersededHandleDeliversNothing(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)

	old, oldConn := openHandle(t, m, d, "lobby")
	require.NoError(t, old.Close())

	cur, curConn := openHandle(t, m, d, "attic")
	defer cur.Close()
	assert.Equal(t, 1, m.Live())

	oldConn.DeliverJSON(map[string]string{"username": "bo", "text": "late", "room": "lobby"})
	curConn.DeliverJSON(map[string]string{"username": "bo", "text": "fresh", "room": "attic"})

	ev, ok := nextEvent(t, m).(Received)
	require.True(t, ok)
	assert.Same(t, cur, ev.Handle)
	assert.Equal(t, "fresh", ev.Message.Text)
	noEvent(t, m)
}

func TestCloseAll(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)
	a, _ := openHandle(t, m, d, "a")
	b, _ := openHandle(t, m, d, "b")
	assert.Equal(t, 2, m.Live())

	m.CloseAll()
	assert.Equal(t, 0, m.Live())
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, StateClosed, b.State())
}

func TestManager_WithDialerFunc(t *testing.T) {
	var dialedRoom string
	d := transporttest.NewDialer()
	m := NewManager(transport.DialerFunc(func(ctx context.Context, room string) (transport.Conn, error) {
		dialedRoom = room
		return d.Dial(ctx, room)
	}), WithEventBuffer(4))

	h := m.Open("cellar")
	defer h.Close()
	_, ok := nextEvent(t, m).(Opened)
	require.True(t, ok)
	assert.Equal(t, "cellar", dialedRoom)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "error", StateError.String())
}
