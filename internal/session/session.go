// Package session defines the per-connection session object: its
// connection-state enum and the fields the hub mutates as a stanza
// moves the session through the stream lifecycle. It is grounded on
// the original session_t (session.c/session.h): file descriptor,
// connection state, bound JID parts, presence flags, and the cached
// roster.
//
// Unlike the original, a Session carries no parser or write-buffer
// state of its own: framing is owned by the per-connection reader
// goroutine (internal/parser), and writes go straight to the
// underlying net.Conn from the hub goroutine, which is the session's
// sole writer — see SPEC_FULL.md §5 for why this preserves the
// single-threaded invariants without a poll loop.
package session

import (
	"net"

	"xmppd/internal/roster"
	"xmppd/internal/stanza"
)

// State is a session's position in the stream lifecycle.
type State int

// States, in the order spec.md's table advances them.
const (
	Connected State = iota
	StreamOpened
	Authenticating
	Authenticated
	Bound
	SessionActive
	Disconnected
)

// Session is one TCP connection's state, exclusively owned and mutated
// by the hub goroutine.
type Session struct {
	Conn net.Conn

	State State

	// Bound JID components. Invariant: Authenticated implies Local and
	// Domain are non-empty; State >= Bound implies Resource is non-empty.
	Local    string
	Domain   string
	Resource string

	Authenticated        bool
	Available            bool
	InitialPresenceSent  bool

	// PresenceStanza is the most recently published available-presence
	// stanza, from-rewritten to this session's full JID, used to echo
	// current presence to newly-approving contacts.
	PresenceStanza *stanza.Element

	Roster *roster.Roster

	// Outgoing events channel closed by the reader goroutine is not
	// modeled here; see internal/router for the channel wiring.
}

// New creates a session in the Connected state.
func New(conn net.Conn) *Session {
	return &Session{Conn: conn, State: Connected, Roster: &roster.Roster{}}
}

// BareJID returns local@domain, or domain alone if Local is empty.
func (s *Session) BareJID() string {
	if s.Local == "" {
		return s.Domain
	}
	return s.Local + "@" + s.Domain
}

// FullJID returns local@domain/resource.
func (s *Session) FullJID() string {
	bare := s.BareJID()
	if s.Resource == "" {
		return bare
	}
	return bare + "/" + s.Resource
}

// Send serializes and writes el to the underlying connection. Callers
// (the hub) are the sole writer for a session's Conn.
func (s *Session) Send(el *stanza.Element) error {
	_, err := s.Conn.Write([]byte(el.String()))
	return err
}

// SendRaw writes a literal string, used for stream-header framing that
// isn't modeled as a stanza.Element (the opening <stream:stream> tag).
func (s *Session) SendRaw(data string) error {
	_, err := s.Conn.Write([]byte(data))
	return err
}

// Active reports whether the session has completed bind and session
// establishment and can receive ordinary stanza traffic.
func (s *Session) Active() bool {
	return s.State == Bound || s.State == SessionActive
}
