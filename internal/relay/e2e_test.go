package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/roomchat/internal/connection"
	"github.com/whisper/roomchat/internal/identity"
	"github.com/whisper/roomchat/internal/locator"
	"github.com/whisper/roomchat/internal/session"
	"github.com/whisper/roomchat/internal/transport"
)

func newClient(t *testing.T, r *testRelay, address string) *session.Session {
	t.Helper()
	cfg := transport.DefaultWSConfig()
	cfg.URL = r.wsURL()

	loc, err := locator.New(address)
	require.NoError(t, err)

	sess, err := session.New(session.Options{
		Connector: connection.NewManager(transport.NewWSDialer(cfg)),
		Locator:   loc,
		Identity:  identity.NewMemoryStore(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go sess.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = sess.Close()
	})
	return sess
}

func waitOpen(t *testing.T, s *session.Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.ConnectionState() == connection.StateOpen
	}, waitFor, 5*time.Millisecond)
}

func TestSessionsOverBroadcastRelay(t *testing.T) {
	r := startRelay(t, nil)

	ada := newClient(t, r, "https://chat.example/")
	bo := newClient(t, r, "https://chat.example/")
	cy := newClient(t, r, "https://chat.example/")

	ctx := context.Background()
	require.NoError(t, ada.Join(ctx, "ada", "lobby"))
	require.NoError(t, bo.Join(ctx, "bo", "lobby"))
	require.NoError(t, cy.Join(ctx, "cy", "attic"))
	waitOpen(t, ada)
	waitOpen(t, bo)
	waitOpen(t, cy)
	r.waitConns(t, 3, true)

	require.NoError(t, cy.SendText(ctx, "attic only"))
	require.NoError(t, ada.SendText(ctx, "hello lobby"))

	for _, s := range []*session.Session{ada, bo} {
		s := s
		require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, 5*time.Millisecond)
		msg := s.Messages()[0]
		assert.Equal(t, "ada", msg.Username)
		assert.Equal(t, "hello lobby", msg.Text)
	}

	require.Eventually(t, func() bool { return len(cy.Messages()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "attic only", cy.Messages()[0].Text)

	// Give any stray cross-room frames time to arrive, then re-check.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ada.Messages(), 1)
	assert.Len(t, bo.Messages(), 1)
	assert.Len(t, cy.Messages(), 1)
}

func TestSessionSeesRelayShutdown(t *testing.T) {
	r := startRelay(t, nil)
	ada := newClient(t, r, "")

	require.NoError(t, ada.Join(context.Background(), "ada", "lobby"))
	waitOpen(t, ada)
	r.waitConns(t, 1, true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.srv.Shutdown(ctx))

	require.Eventually(t, func() bool {
		return ada.ConnectionState() == connection.StateClosed
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, session.StateJoined, ada.State())
	assert.ErrorIs(t, ada.SendText(context.Background(), "anyone?"), connection.ErrNotOpen)
}
