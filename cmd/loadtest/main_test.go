package main

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/roomchat/internal/config"
	"github.com/whisper/roomchat/internal/relay"
)

func TestRunAgainstBroadcastRelay(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := relay.NewServer(config.DefaultRelayConfig(), zerolog.Nop())
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	opts := options{
		ServerURL: "ws://" + l.Addr().String() + "/ws",
		Transport: config.TransportWS,
		Clients:   6,
		Rooms:     3,
		Messages:  3,
		Interval:  time.Millisecond,
		Timeout:   5 * time.Second,
		LogLevel:  "disabled",
	}

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), opts, &out))
	assert.Contains(t, out.String(), "Connections:  6")
	assert.Contains(t, out.String(), "Sent:         18")
	assert.Contains(t, out.String(), "Violations:   0")
	assert.Contains(t, out.String(), "Errors:       0")
}

func TestRunRejectsBadOptions(t *testing.T) {
	err := run(context.Background(), options{Clients: 0, Rooms: 1}, &bytes.Buffer{})
	assert.Error(t, err)
}
