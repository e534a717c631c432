package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runNATSServer starts an embedded NATS server on a random port.
func runNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func dialNATS(t *testing.T, url, room string) Conn {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.URL = url
	conn, err := NewNATSDialer(cfg).Dial(context.Background(), room)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestNATS_RoomTrafficAndEcho(t *testing.T) {
	ns := runNATSServer(t)
	alice := dialNATS(t, ns.ClientURL(), "lobby")
	bob := dialNATS(t, ns.ClientURL(), "lobby")
	carol := dialNATS(t, ns.ClientURL(), "attic")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frame := []byte(`{"username":"alice","text":"hi","room":"lobby"}`)
	require.NoError(t, alice.Write(ctx, frame))

	got, err := bob.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, frame, got)

	echo, err := alice.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, frame, echo, "sender receives its own message back")

	short, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShort()
	_, err = carol.Read(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "other rooms see nothing")
}

func TestNATS_CloseIsIdempotent(t *testing.T) {
	ns := runNATSServer(t)
	conn := dialNATS(t, ns.ClientURL(), "lobby")

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	err := conn.Write(context.Background(), []byte("late"))
	assert.True(t, errors.Is(err, ErrClosed), "expected ErrClosed, got %v", err)
	_, err = conn.Read(context.Background())
	assert.True(t, errors.Is(err, ErrClosed), "expected ErrClosed, got %v", err)
}

func TestNATS_ServerShutdownClosesConn(t *testing.T) {
	ns := runNATSServer(t)
	conn := dialNATS(t, ns.ClientURL(), "lobby")

	ns.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := conn.Read(ctx)
	assert.True(t, errors.Is(err, ErrClosed), "expected ErrClosed, got %v", err)
}

func TestNATS_DialCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewNATSDialer(DefaultNATSConfig()).Dial(ctx, "lobby")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRoomSubject(t *testing.T) {
	assert.Equal(t, "roomchat.room.bG9iYnk", RoomSubject("roomchat", "lobby"))
	assert.NotEqual(t, RoomSubject("roomchat", "lobby"), RoomSubject("roomchat", "Lobby"))
	assert.NotContains(t, RoomSubject("roomchat", "a.b c*>"), " ")
}
