package relay

import (
	"time"

	"github.com/whisper/roomchat/internal/logging"
)

// startHeartbeat pings every connection each interval and drops those with
// no inbound frame within interval + timeout. It returns immediately; the
// goroutine exits when the server shuts down.
func (s *Server) startHeartbeat() {
	go func() {
		ticker := time.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(time.Now())
			}
		}
	}()
}

// checkConnections drops stale connections and pings the rest. Clients
// answer pings with pongs, which refresh LastSeen.
func (s *Server) checkConnections(now time.Time) {
	deadline := s.config.HeartbeatInterval + s.config.HeartbeatTimeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.logger.Info().Str(logging.FieldConn, c.ID).Dur("idle", idle.Round(time.Second)).Msg("relay: heartbeat timeout")
			s.remove(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.logger.Debug().Err(err).Str(logging.FieldConn, c.ID).Msg("relay: heartbeat ping failed")
			s.remove(c)
		}
	}
}
