package connection

import "github.com/whisper/roomchat/internal/protocol"

// Event is something that happened on a Handle. The set is closed: Opened,
// Received, Malformed, Errored and Closed are the only implementations.
type Event interface {
	// Source returns the handle the event originated from. Consumers compare
	// it against their current handle to drop events from superseded
	// connections.
	Source() *Handle
	event()
}

// Opened is emitted once the join handshake has been written.
type Opened struct {
	Handle *Handle
}

// Received carries one inbound chat message.
type Received struct {
	Handle  *Handle
	Message protocol.Message
}

// Malformed reports an inbound frame that could not be decoded. The
// connection stays open.
type Malformed struct {
	Handle *Handle
	Err    error
}

// Errored reports a transport failure. It is always followed by Closed.
type Errored struct {
	Handle *Handle
	Err    error
}

// Closed is emitted when a connection ends without a local Close: the remote
// end hung up or the transport failed.
type Closed struct {
	Handle *Handle
}

func (e Opened) Source() *Handle    { return e.Handle }
func (e Received) Source() *Handle  { return e.Handle }
func (e Malformed) Source() *Handle { return e.Handle }
func (e Errored) Source() *Handle   { return e.Handle }
func (e Closed) Source() *Handle    { return e.Handle }

func (Opened) event()    {}
func (Received) event()  {}
func (Malformed) event() {}
func (Errored) event()   {}
func (Closed) event()    {}
