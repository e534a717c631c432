package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	"github.com/whisper/roomchat/internal/connection"
	"github.com/whisper/roomchat/internal/session"
)

const helpText = `commands:
  /join <room> [name]  join a room (name defaults to the remembered one)
  /leave               leave the room and forget your name
  /invite              print a link that opens this room
  /help                show this help
  /quit                exit
anything else is sent to the room`

// terminal renders a session as plain lines and turns input lines into
// session operations.
type terminal struct {
	out    io.Writer
	policy *bluemonday.Policy
	sess   *session.Session

	mu        sync.Mutex
	room      string
	printed   int
	connState connection.State
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out, policy: bluemonday.StrictPolicy(), connState: connection.StateClosed}
}

func (t *terminal) attach(sess *session.Session) {
	t.mu.Lock()
	t.sess = sess
	t.mu.Unlock()
}

func (t *terminal) greet(name, room string) {
	switch {
	case room != "" && name != "":
		fmt.Fprintf(t.out, "* welcome back %s, type /join %s to enter\n", t.clean(name), t.clean(room))
	case room != "":
		fmt.Fprintf(t.out, "* invited to %s, type /join %s <name>\n", t.clean(room), t.clean(room))
	default:
		fmt.Fprintln(t.out, "* not in a room, type /join <room> <name> or /help")
	}
}

// render prints messages that arrived since the last call and reports
// connection state changes. It is the session's change callback.
func (t *terminal) render() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return
	}

	room := t.sess.Room()
	msgs := t.sess.Messages()
	if room != t.room || len(msgs) < t.printed {
		t.room = room
		t.printed = 0
	}
	for _, m := range msgs[t.printed:] {
		fmt.Fprintf(t.out, "%s: %s\n", t.clean(m.Username), t.clean(m.Text))
	}
	t.printed = len(msgs)

	state := t.sess.ConnectionState()
	if state != t.connState {
		if t.sess.State() == session.StateJoined {
			switch state {
			case connection.StateOpen:
				fmt.Fprintf(t.out, "* connected to %s\n", t.clean(room))
			case connection.StateClosed:
				fmt.Fprintf(t.out, "* connection lost, /join %s to reconnect\n", t.clean(room))
			}
		}
		t.connState = state
	}
}

// handleLine executes one line of input. It reports whether the user asked
// to quit.
func (t *terminal) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		t.send(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(t.out, helpText)
	case "/join":
		if len(fields) < 2 {
			fmt.Fprintln(t.out, "* usage: /join <room> [name]")
			return false
		}
		name := strings.Join(fields[2:], " ")
		if err := t.sess.Join(ctx, name, fields[1]); err != nil {
			fmt.Fprintf(t.out, "* join failed: %s\n", describe(err))
			return false
		}
		fmt.Fprintf(t.out, "* joined %s as %s\n", t.clean(t.sess.Room()), t.clean(t.sess.Username()))
	case "/leave":
		t.sess.Leave(ctx)
		fmt.Fprintln(t.out, "* left the room")
	case "/invite":
		if link := t.sess.InviteLink(); link != "" {
			fmt.Fprintf(t.out, "* invite: %s\n", link)
		} else {
			fmt.Fprintln(t.out, "* not in a room")
		}
	default:
		fmt.Fprintf(t.out, "* unknown command %s, try /help\n", fields[0])
	}
	return false
}

func (t *terminal) send(ctx context.Context, text string) {
	if err := t.sess.SendText(ctx, text); err != nil {
		fmt.Fprintf(t.out, "* not sent: %s\n", describe(err))
	}
}

// clean strips markup from remote text and decodes entities for display.
func (t *terminal) clean(s string) string {
	return html.UnescapeString(t.policy.Sanitize(s))
}

func describe(err error) string {
	switch {
	case errors.Is(err, session.ErrNotJoined):
		return "join a room first"
	case errors.Is(err, connection.ErrNotOpen):
		return "not connected"
	default:
		return err.Error()
	}
}
