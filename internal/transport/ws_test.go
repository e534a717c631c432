package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEchoServer starts a gorilla/websocket peer that echoes every text frame
// and closes normally when it receives "bye".
func newEchoServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, payload, err := c.ReadMessage()
			if err != nil {
				return
			}
			if string(payload) == "bye" {
				_ = c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
					time.Now().Add(time.Second))
				// Wait for the client's close reply.
				_, _, _ = c.ReadMessage()
				return
			}
			if err := c.WriteMessage(mt, payload); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWS(t *testing.T, url string) Conn {
	t.Helper()
	cfg := DefaultWSConfig()
	cfg.URL = url
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := NewWSDialer(cfg).Dial(ctx, "lobby")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWS_WriteAndReadEcho(t *testing.T) {
	conn := dialWS(t, newEchoServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, conn.Write(ctx, []byte(`{"type":"join","room":"lobby"}`)))
	require.NoError(t, conn.Write(ctx, []byte(`{"username":"ada","text":"hi","room":"lobby"}`)))

	first, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"join","room":"lobby"}`, string(first))

	second, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"ada","text":"hi","room":"lobby"}`, string(second))
}

func TestWS_RemoteCloseIsErrClosed(t *testing.T) {
	conn := dialWS(t, newEchoServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, conn.Write(ctx, []byte("bye")))
	_, err := conn.Read(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClosed), "expected ErrClosed, got %v", err)
}

func TestWS_CloseIsIdempotent(t *testing.T) {
	conn := dialWS(t, newEchoServer(t))

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	err := conn.Write(context.Background(), []byte("late"))
	assert.True(t, errors.Is(err, ErrClosed), "expected ErrClosed after close, got %v", err)

	_, err = conn.Read(context.Background())
	assert.True(t, errors.Is(err, ErrClosed), "expected ErrClosed after close, got %v", err)
}

func TestWS_ReadHonoursContext(t *testing.T) {
	conn := dialWS(t, newEchoServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := conn.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWS_DialFailure(t *testing.T) {
	cfg := DefaultWSConfig()
	cfg.URL = "ws://127.0.0.1:1/ws"
	cfg.DialTimeout = time.Second

	_, err := NewWSDialer(cfg).Dial(context.Background(), "lobby")
	assert.Error(t, err)
}
