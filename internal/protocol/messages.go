// Package protocol defines the JSON frames exchanged between a room chat
// client and its realtime endpoint. Chat messages share one shape in both
// directions; control frames carry a "type" discriminator.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Server control frames.
const (
	TypeJoin = "join"
)

// Chat frames may optionally be tagged with TypeMessage. Untagged frames are
// treated as chat messages as well.
const TypeMessage = "message"

// Server -> Client control frames.
const (
	TypeError = "error"
)

// ErrMalformed is returned when an inbound frame cannot be decoded as a chat
// message.
var ErrMalformed = errors.New("protocol: malformed message")

// ---------------------------------------------------------------------------
// RoomScope
// ---------------------------------------------------------------------------

// RoomScope is the routing tag of a Message. A scoped message belongs to
// exactly one room; an unscoped one comes from a protocol variant that had
// no rooms and is never admitted by a client that has joined a room.
type RoomScope struct {
	room   string
	scoped bool
}

// Scoped returns a scope bound to room.
func Scoped(room string) RoomScope {
	return RoomScope{room: room, scoped: true}
}

// Unscoped returns the legacy broadcast scope.
func Unscoped() RoomScope {
	return RoomScope{}
}

// Room returns the room name and whether the scope is bound to a room.
func (s RoomScope) Room() (string, bool) {
	return s.room, s.scoped
}

// IsScoped reports whether the scope names a room.
func (s RoomScope) IsScoped() bool {
	return s.scoped
}

// Matches reports whether the scope names exactly room. The comparison is a
// literal byte comparison: no case folding, no trimming. Unscoped never
// matches.
func (s RoomScope) Matches(room string) bool {
	return s.scoped && s.room == room
}

// String renders the scope for logs.
func (s RoomScope) String() string {
	if !s.scoped {
		return "<unscoped>"
	}
	return s.room
}

// MarshalJSON encodes a scoped room as a string and Unscoped as null.
func (s RoomScope) MarshalJSON() ([]byte, error) {
	if !s.scoped {
		return []byte("null"), nil
	}
	return json.Marshal(s.room)
}

// UnmarshalJSON decodes a string into Scoped and null into Unscoped.
func (s *RoomScope) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = Unscoped()
		return nil
	}
	var room string
	if err := json.Unmarshal(data, &room); err != nil {
		return fmt.Errorf("protocol: room must be a string or null: %w", err)
	}
	*s = Scoped(room)
	return nil
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// Message is one chat utterance. It is immutable once created.
type Message struct {
	Username string    `json:"username"`
	Text     string    `json:"text"`
	Room     RoomScope `json:"room"`
}

// JoinMsg is sent once per connection, immediately after it opens, to
// declare the room the client wants to receive.
type JoinMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// ErrorMsg is sent by the relay to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Kind classifies an inbound frame.
type Kind int

const (
	// KindChat is a chat message.
	KindChat Kind = iota
	// KindControl is a control frame (join, error, ...) the client does not
	// render.
	KindControl
)

// Inbound is the result of parsing one frame.
type Inbound struct {
	Kind    Kind
	Type    string  // control frame type, empty for chat messages
	Message Message // valid when Kind == KindChat
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// NewJoin encodes the join handshake for room.
func NewJoin(room string) ([]byte, error) {
	data, err := json.Marshal(JoinMsg{Type: TypeJoin, Room: room})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal join: %w", err)
	}
	return data, nil
}

// EncodeMessage encodes a chat message in its wire shape.
func EncodeMessage(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return data, nil
}

// PeekType returns the "type" field of a frame, or "" when the frame has
// none or is not a JSON object.
func PeekType(data []byte) string {
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return ""
	}
	return partial.Type
}

// ParseInbound parses raw frame bytes. Frames tagged with a type other than
// "message" are control frames. Everything else must decode as a Message
// with string username and text fields; a missing room field decodes as
// Unscoped. Failures wrap ErrMalformed.
func ParseInbound(data []byte) (Inbound, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if t, ok := raw["type"]; ok {
		var msgType string
		if err := json.Unmarshal(t, &msgType); err != nil {
			return Inbound{}, fmt.Errorf("%w: type must be a string", ErrMalformed)
		}
		if msgType != TypeMessage {
			return Inbound{Kind: KindControl, Type: msgType}, nil
		}
	}

	for _, field := range []string{"username", "text"} {
		v, ok := raw[field]
		if !ok {
			return Inbound{}, fmt.Errorf("%w: missing %q field", ErrMalformed, field)
		}
		var s *string
		if err := json.Unmarshal(v, &s); err != nil || s == nil {
			return Inbound{}, fmt.Errorf("%w: %q must be a string", ErrMalformed, field)
		}
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Inbound{Kind: KindChat, Message: msg}, nil
}

// NewServerMessage creates a JSON-encoded frame for a relay control message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
