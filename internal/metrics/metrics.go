// Package metrics provides Prometheus instrumentation for the room chat
// client and the development relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Inbound outcomes for MessagesTotal.
const (
	OutcomeAdmitted   = "admitted"
	OutcomeDiscarded  = "discarded"
	OutcomeMalformed  = "malformed"
	OutcomeSuperseded = "superseded"
	OutcomeSent       = "sent"
	OutcomeSendFailed = "send_failed"
)

var (
	// MessagesTotal counts chat frames by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_messages_total",
		Help: "Chat frames processed by the client, by outcome",
	}, []string{"outcome"})

	// JoinsTotal counts successful join transitions.
	JoinsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomchat_joins_total",
		Help: "Successful room joins",
	})

	// ConnectionsOpened counts connections that reached the open state.
	ConnectionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomchat_connections_opened_total",
		Help: "Connections that completed the join handshake",
	})

	// ConnectionErrors counts transport failures.
	ConnectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomchat_connection_errors_total",
		Help: "Connections that ended in the error state",
	})

	// LiveHandles tracks connection handles that have not been closed.
	LiveHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_live_handles",
		Help: "Connection handles not yet closed",
	})

	// ConnectLatency records time from open request to join handshake sent.
	ConnectLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roomchat_connect_latency_seconds",
		Help:    "Time from open request to completed join handshake",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// RelayConnections tracks the relay's current WebSocket connections.
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_relay_connections",
		Help: "Current number of relay WebSocket connections",
	})

	// RelayFramesTotal counts frames handled by the relay, labeled by
	// type: "join", "chat", "malformed", "rate_limited", "delivered".
	RelayFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_relay_frames_total",
		Help: "Frames handled by the relay",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		MessagesTotal,
		JoinsTotal,
		ConnectionsOpened,
		ConnectionErrors,
		LiveHandles,
		ConnectLatency,
		RelayConnections,
		RelayFramesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
