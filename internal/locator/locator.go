// Package locator derives the target room from the client's navigable
// address and rewrites that address when a room is joined or left. The room
// travels as the "room" query parameter, so an address doubles as an invite
// link.
package locator

import (
	"fmt"
	"net/url"
	"sync"
)

// Param is the query parameter that carries the room.
const Param = "room"

// Locator holds the current address. Mutations replace the address in
// place, the way history.replaceState does, and are recorded in History.
type Locator struct {
	mu      sync.Mutex
	address *url.URL
	history []string
}

// New parses address. An empty address is allowed and yields a locator
// without a room.
func New(address string) (*Locator, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("locator: invalid address %q: %w", address, err)
	}
	return &Locator{address: u, history: []string{u.String()}}, nil
}

// CurrentRoom returns the room encoded in the address. An empty room
// parameter counts as absent.
func (l *Locator) CurrentRoom() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	room := l.address.Query().Get(Param)
	return room, room != ""
}

// SetRoom rewrites the address to carry room, keeping other parameters.
func (l *Locator) SetRoom(room string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.replace(withRoom(l.address, room))
}

// ClearRoom rewrites the address to its room-less form.
func (l *Locator) ClearRoom() {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := *l.address
	q := u.Query()
	q.Del(Param)
	u.RawQuery = q.Encode()
	l.replace(&u)
}

// Address returns the current address.
func (l *Locator) Address() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.address.String()
}

// InviteLink returns the address with room set, without changing the
// locator.
func (l *Locator) InviteLink(room string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return withRoom(l.address, room).String()
}

// History returns every address the locator has held, oldest first.
func (l *Locator) History() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]string, len(l.history))
	copy(result, l.history)
	return result
}

func (l *Locator) replace(u *url.URL) {
	l.address = u
	l.history = append(l.history, u.String())
}

func withRoom(base *url.URL, room string) *url.URL {
	u := *base
	q := u.Query()
	q.Set(Param, room)
	u.RawQuery = q.Encode()
	return &u
}
