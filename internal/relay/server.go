// Package relay is a small development server for the room chat client. It
// accepts WebSocket connections, records the room each connection joins and
// fans chat frames out either to every connection or only to the frame's
// room.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/config"
	"github.com/whisper/roomchat/internal/logging"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/ratelimit"
)

const (
	// MaxFrameBytes bounds a single inbound data frame.
	MaxFrameBytes = 64 << 10

	writeTimeout = 10 * time.Second
)

// Limiter throttles chat frames per connection. *ratelimit.Limiter
// implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Reset(ctx context.Context, identifier string, rule ratelimit.Rule) error
}

// Option configures a Server.
type Option func(*Server)

// WithLimiter enables per-connection rate limiting of chat frames.
func WithLimiter(l Limiter, rule ratelimit.Rule) Option {
	return func(s *Server) {
		s.limiter = l
		s.rule = rule
	}
}

// Server is the relay.
type Server struct {
	config     config.RelayConfig
	limiter    Limiter
	rule       ratelimit.Rule
	conns      *Registry
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. Nothing listens until Serve or
// ListenAndServe is called.
func NewServer(cfg config.RelayConfig, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		config:    cfg,
		conns:     NewRegistry(),
		logger:    logger,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleUpgrade)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	s.router = r

	s.httpServer = &http.Server{Handler: r}
	return s
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Connections returns the registry of live connections.
func (s *Server) Connections() *Registry {
	return s.conns
}

// ListenAndServe listens on the configured address and serves until
// Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.startHeartbeat()
	s.logger.Info().
		Str("addr", l.Addr().String()).
		Str("mode", s.config.Mode).
		Int("max_connections", s.config.MaxConnections).
		Msg("relay: listening")

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay: http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and closes every live one.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if herr := s.httpServer.Shutdown(ctx); herr != nil {
			err = fmt.Errorf("relay: http shutdown: %w", herr)
		}
		for _, c := range s.conns.All() {
			s.remove(c)
		}
		s.logger.Info().Msg("relay: stopped")
	})
	return err
}

// handleUpgrade upgrades the request with gobwas/ws and starts the
// connection's read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Msg("relay: upgrade failed")
		return
	}

	c := newConnection(uuid.New().String(), conn)
	s.conns.Add(c)
	metrics.RelayConnections.Inc()
	s.logger.Debug().Str(logging.FieldConn, c.ID).Int("total", s.conns.Count()).Msg("relay: new connection")

	go s.serveConn(c)
}

// serveConn reads frames until the connection fails or closes. Control
// frames are answered under the write lock; data frames are dispatched.
func (s *Server) serveConn(c *Connection) {
	defer s.remove(c)

	control := wsutil.ControlFrameHandler(c.Conn, ws.StateServerSide)
	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.touch()

		if header.OpCode.IsControl() {
			c.writeMu.Lock()
			err := control(header, reader)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
			continue
		}

		if header.Length > MaxFrameBytes {
			s.logger.Warn().Str(logging.FieldConn, c.ID).Int64("bytes", header.Length).Msg("relay: frame too large")
			return
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		s.dispatch(c, data)
	}
}

// remove unregisters c once, however many paths race to drop it.
func (s *Server) remove(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.RelayConnections.Dec()
	if s.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.limiter.Reset(ctx, c.ID, s.rule); err != nil {
			s.logger.Debug().Err(err).Str(logging.FieldConn, c.ID).Msg("relay: reset rate limit")
		}
		cancel()
	}
	s.logger.Debug().Str(logging.FieldConn, c.ID).Str(logging.FieldRoom, c.Room()).Int("total", s.conns.Count()).Msg("relay: connection closed")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Mode        string `json:"mode"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Mode:        s.config.Mode,
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}
