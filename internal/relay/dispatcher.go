package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/whisper/roomchat/internal/config"
	"github.com/whisper/roomchat/internal/logging"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
)

// Error codes sent in {type:"error"} frames.
const (
	CodeParseError      = "parse_error"
	CodeInvalidJoin     = "invalid_join"
	CodeUnsupportedType = "unsupported_type"
	CodeRateLimited     = "rate_limited"
)

// dispatch routes one inbound data frame by its type.
func (s *Server) dispatch(c *Connection, data []byte) {
	switch msgType := protocol.PeekType(data); msgType {
	case protocol.TypeJoin:
		s.handleJoin(c, data)
	case "", protocol.TypeMessage:
		s.handleChat(c, data)
	default:
		s.logger.Debug().Str(logging.FieldConn, c.ID).Str("type", msgType).Msg("relay: unsupported frame type")
		s.sendError(c, CodeUnsupportedType, "unsupported message type")
	}
}

func (s *Server) handleJoin(c *Connection, data []byte) {
	var join protocol.JoinMsg
	if err := json.Unmarshal(data, &join); err != nil || strings.TrimSpace(join.Room) == "" {
		metrics.RelayFramesTotal.WithLabelValues("malformed").Inc()
		s.sendError(c, CodeInvalidJoin, "join requires a room")
		return
	}
	c.setRoom(join.Room)
	metrics.RelayFramesTotal.WithLabelValues("join").Inc()
	s.logger.Debug().Str(logging.FieldConn, c.ID).Str(logging.FieldRoom, join.Room).Msg("relay: joined")
}

func (s *Server) handleChat(c *Connection, data []byte) {
	in, err := protocol.ParseInbound(data)
	if err != nil {
		metrics.RelayFramesTotal.WithLabelValues("malformed").Inc()
		s.logger.Debug().Err(err).Str(logging.FieldConn, c.ID).Msg("relay: malformed frame")
		s.sendError(c, CodeParseError, "invalid message format")
		return
	}
	if !s.allow(c) {
		metrics.RelayFramesTotal.WithLabelValues("rate_limited").Inc()
		s.sendError(c, CodeRateLimited, "too many messages, slow down")
		return
	}
	metrics.RelayFramesTotal.WithLabelValues("chat").Inc()

	out, err := protocol.EncodeMessage(in.Message)
	if err != nil {
		s.logger.Error().Err(err).Msg("relay: encode message")
		return
	}
	s.fanout(in.Message, out)
}

// allow reports whether c may send another chat frame. Without a limiter
// every frame is allowed.
func (s *Server) allow(c *Connection) bool {
	if s.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, err := s.limiter.Allow(ctx, c.ID, s.rule)
	if err != nil {
		s.logger.Debug().Err(err).Str(logging.FieldConn, c.ID).Msg("relay: rate limit check")
	}
	return ok
}

// fanout delivers a chat frame. In room mode only connections that joined
// the message's room receive it and unscoped messages go nowhere; in
// broadcast mode every connection receives it, the sender included.
func (s *Server) fanout(msg protocol.Message, out []byte) {
	var targets []*Connection
	if s.config.Mode == config.ModeRoom {
		room, ok := msg.Room.Room()
		if !ok {
			s.logger.Debug().Msg("relay: dropped unscoped message in room mode")
			return
		}
		targets = s.conns.InRoom(room)
	} else {
		targets = s.conns.All()
	}

	delivered := 0
	for _, t := range targets {
		if err := t.WriteMessage(out, writeTimeout); err != nil {
			s.logger.Debug().Err(err).Str(logging.FieldConn, t.ID).Msg("relay: delivery failed")
			s.remove(t)
			continue
		}
		delivered++
	}
	metrics.RelayFramesTotal.WithLabelValues("delivered").Add(float64(delivered))
}

// sendError replies with a structured error frame. Failures are logged and
// not propagated.
func (s *Server) sendError(c *Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("relay: build error frame")
		return
	}
	if err := c.WriteMessage(data, writeTimeout); err != nil {
		s.logger.Debug().Err(err).Str(logging.FieldConn, c.ID).Msg("relay: send error frame")
	}
}
