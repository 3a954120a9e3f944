// Package router implements the connection hub: the single goroutine
// that owns every session, the live JID registry, and the bind-conflict
// and stanza-dispatch logic, grounded on the original server.c's
// sessions[] table and stanza.c's stanza_route/handle_iq dispatch.
//
// Per-connection reader goroutines only parse bytes into stanza.Element
// values (internal/parser) and forward them to the hub over a channel;
// the hub is the sole mutator of session/roster/presence state and the
// sole writer to any session's connection, preserving the single-
// threaded invariants the original's poll/select loop relied on without
// needing a poll loop of its own.
package router

import (
	"fmt"
	"net"

	"xmppd/internal/auth"
	"xmppd/internal/disco"
	"xmppd/internal/jid"
	"xmppd/internal/log"
	"xmppd/internal/message"
	"xmppd/internal/parser"
	"xmppd/internal/presence"
	"xmppd/internal/registration"
	"xmppd/internal/roster"
	"xmppd/internal/session"
	"xmppd/internal/stanza"
	"xmppd/internal/userstore"
)

const (
	nsStream     = "http://etherx.jabber.org/streams"
	nsClient     = "jabber:client"
	nsSASL       = "urn:ietf:params:xml:ns:xmpp-sasl"
	nsBind       = "urn:ietf:params:xml:ns:xmpp-bind"
	nsSession    = "urn:ietf:params:xml:ns:xmpp-session"
	nsRoster     = "jabber:iq:roster"
	eventBacklog = 64
)

type eventKind int

const (
	evConnected eventKind = iota
	evStreamOpened
	evStanza
	evDisconnected
	evShutdown
)

// action tells a reader goroutine what to do after the hub has
// processed the event it just forwarded.
type action struct {
	restartParser bool
	closeConn     bool
}

type hubEvent struct {
	kind   eventKind
	sess   *session.Session
	to     string
	stanza *stanza.Element
	reply  chan action
}

// Hub owns every session and all shared server state. Create one with
// New, start it with Run in its own goroutine, and hand accepted
// connections to Serve.
type Hub struct {
	domain        string
	maxStanzaSize int

	users       *userstore.Store
	rosterStore *roster.Store
	messages    *message.Queue
	presStores  *presence.Stores

	events   chan hubEvent
	sessions map[*session.Session]bool
}

// New creates a Hub for domain, rooted at the given account/roster
// stores.
func New(domain string, maxStanzaSize int, users *userstore.Store, rosterStore *roster.Store) *Hub {
	return &Hub{
		domain:        domain,
		maxStanzaSize: maxStanzaSize,
		users:         users,
		rosterStore:   rosterStore,
		messages:      message.NewQueue(users, domain),
		presStores:    &presence.Stores{Roster: rosterStore, Users: users},
		events:        make(chan hubEvent, eventBacklog),
		sessions:      make(map[*session.Session]bool),
	}
}

// Run processes hub events until the events channel is closed. Call it
// from its own goroutine; it is the only goroutine that may touch Hub's
// session table or any session's mutable fields.
func (h *Hub) Run() {
	for ev := range h.events {
		switch ev.kind {
		case evConnected:
			h.sessions[ev.sess] = true
			log.Debugf("router: new connection")
		case evDisconnected:
			h.handleDisconnected(ev.sess)
		case evStreamOpened:
			ev.reply <- h.handleStreamOpened(ev.sess, ev.to)
		case evStanza:
			ev.reply <- h.handleStanza(ev.sess, ev.stanza)
		case evShutdown:
			h.handleShutdown()
			if ev.reply != nil {
				ev.reply <- action{}
			}
		}
	}
}

// Shutdown raises the shutdown flag on the hub goroutine: every session
// gets a stream-level system-shutdown error and its connection closed.
// It blocks until that pass completes, so callers (a SIGINT/SIGTERM
// handler) can safely exit once it returns. The caller should stop the
// listener accepting new connections first.
func (h *Hub) Shutdown() {
	reply := make(chan action, 1)
	h.events <- hubEvent{kind: evShutdown, reply: reply}
	<-reply
}

func (h *Hub) handleShutdown() {
	log.Infof("router: shutting down, closing %d session(s)", len(h.sessions))
	for sess := range h.sessions {
		h.sendStreamError(sess, "system-shutdown")
		sess.Conn.Close()
		sess.State = session.Disconnected
	}
	h.sessions = make(map[*session.Session]bool)
}

// Serve frames conn's byte stream and feeds events to the hub until the
// connection closes, blocking the calling goroutine. Callers should run
// it in its own goroutine per accepted connection.
func (h *Hub) Serve(conn net.Conn) {
	sess := session.New(conn)
	h.events <- hubEvent{kind: evConnected, sess: sess}
	defer conn.Close()

	p := parser.New(conn, h.maxStanzaSize)
	for {
		ev, err := p.Next()
		if err != nil {
			h.events <- hubEvent{kind: evDisconnected, sess: sess}
			return
		}

		var out hubEvent
		switch ev.Kind {
		case parser.StreamOpened:
			out = hubEvent{kind: evStreamOpened, sess: sess, to: ev.To}
		case parser.StanzaComplete:
			out = hubEvent{kind: evStanza, sess: sess, stanza: ev.Stanza}
		case parser.StreamClosed:
			h.events <- hubEvent{kind: evDisconnected, sess: sess}
			return
		default:
			continue
		}

		reply := make(chan action, 1)
		out.reply = reply
		h.events <- out
		act := <-reply

		if act.restartParser {
			p = parser.New(conn, h.maxStanzaSize)
		}
		if act.closeConn {
			return
		}
	}
}

// --- Directory interface, satisfying internal/presence and internal/message ---

// FindByBareJID returns the one bound session for bareJID, if any. The
// server keeps at most one resource per account (see bind conflict
// resolution), so bare-JID lookup is unambiguous.
func (h *Hub) FindByBareJID(bareJID string) (*session.Session, bool) {
	for s := range h.sessions {
		if s.Resource != "" && s.BareJID() == bareJID {
			return s, true
		}
	}
	return nil, false
}

// AllSessions returns every bound session, for presence redelivery scans.
func (h *Hub) AllSessions() []*session.Session {
	out := make([]*session.Session, 0, len(h.sessions))
	for s := range h.sessions {
		if s.Resource != "" {
			out = append(out, s)
		}
	}
	return out
}

// --- event handlers (hub goroutine only) ---

func (h *Hub) handleDisconnected(sess *session.Session) {
	if sess.Available {
		presence.BroadcastUnavailable(sess, h, h.presStores)
	}
	delete(h.sessions, sess)
	sess.State = session.Disconnected
	log.Infof("router: connection closed (%s)", sess.FullJID())
}

func (h *Hub) handleStreamOpened(sess *session.Session, to string) action {
	if to != "" && to != h.domain {
		h.sendStreamError(sess, "host-unknown")
		return action{closeConn: true}
	}

	streamID := jid.GenerateID()
	header := fmt.Sprintf(
		`<?xml version="1.0"?><stream:stream xmlns="%s" xmlns:stream="%s" id="%s" from="%s" version="1.0">`,
		nsClient, nsStream, streamID, h.domain)
	if err := sess.SendRaw(header); err != nil {
		log.Errorf("router: write stream header: %v", err)
		return action{closeConn: true}
	}

	features := stanza.NewName("stream:features")
	if !sess.Authenticated {
		sess.State = session.StreamOpened
		mechanisms := stanza.NewNamespace("mechanisms", nsSASL)
		mechanism := stanza.NewName("mechanism")
		mechanism.SetText("PLAIN")
		mechanisms.AppendElement(mechanism)
		features.AppendElement(mechanisms)

		registerFeature := stanza.NewNamespace("register", "http://jabber.org/features/iq-register")
		features.AppendElement(registerFeature)
	} else if sess.Resource == "" {
		bind := stanza.NewNamespace("bind", nsBind)
		bind.AppendElement(stanza.NewName("required"))
		features.AppendElement(bind)
		features.AppendElement(stanza.NewNamespace("session", nsSession))
	}

	if err := sess.Send(features); err != nil {
		log.Errorf("router: write stream features: %v", err)
		return action{closeConn: true}
	}
	return action{}
}

func (h *Hub) handleStanza(sess *session.Session, st *stanza.Element) action {
	if !sess.Authenticated {
		return h.handlePreAuth(sess, st)
	}
	if sess.Resource == "" {
		return h.handlePreBind(sess, st)
	}
	return h.handleBound(sess, st)
}

func (h *Hub) handlePreAuth(sess *session.Session, st *stanza.Element) action {
	if st.Name() == "auth" && st.Namespace() == nsSASL {
		return h.handleAuth(sess, st)
	}
	if st.Name() == "iq" {
		if q := st.AnyChildElement(); q != nil && q.Namespace() == registration.NSRegister {
			registration.HandleIQ(sess, st, h.users, h.domain, func() {})
			return action{}
		}
	}
	h.sendStreamError(sess, "not-authorized")
	return action{closeConn: true}
}

func (h *Hub) handleAuth(sess *session.Session, st *stanza.Element) action {
	mechanism := st.Attribute("mechanism")
	if err := auth.CheckMechanism(mechanism); err != nil {
		h.sendSASLFailure(sess, "invalid-mechanism")
		return action{}
	}

	username, err := auth.Authenticate(h.users, st.Text())
	if err != nil {
		h.sendSASLFailure(sess, "not-authorized")
		return action{}
	}

	sess.Local = username
	sess.Domain = h.domain
	sess.Authenticated = true
	sess.State = session.Authenticated

	success := stanza.NewNamespace("success", nsSASL)
	if err := sess.Send(success); err != nil {
		log.Errorf("router: write SASL success: %v", err)
		return action{closeConn: true}
	}
	log.Infof("router: authenticated %s", sess.Local)
	return action{restartParser: true}
}

func (h *Hub) handlePreBind(sess *session.Session, st *stanza.Element) action {
	if st.Name() == "iq" {
		if q := st.AnyChildElement(); q != nil && q.Namespace() == registration.NSRegister {
			registration.HandleIQ(sess, st, h.users, h.domain, func() { h.teardown(sess) })
			return action{}
		}
		if bind := st.ChildNamespace("bind", nsBind); bind != nil {
			h.handleBind(sess, st, bind)
			return action{}
		}
	}
	h.sendStreamError(sess, "not-authorized")
	return action{closeConn: true}
}

func (h *Hub) handleBind(sess *session.Session, iq *stanza.Element, bind *stanza.Element) {
	resource := ""
	if r := bind.Child("resource"); r != nil {
		resource = r.Text()
	}
	if resource == "" {
		resource = jid.GenerateResource()
	}

	if old, ok := h.FindByBareJID(sess.Local + "@" + h.domain); ok && old != sess {
		h.sendStreamError(old, "conflict")
		delete(h.sessions, old)
		old.State = session.Disconnected
		old.Conn.Close()
	}

	sess.Resource = resource
	sess.State = session.Bound

	result := stanza.NewName("iq")
	result.SetAttribute("type", stanza.IQResult)
	if id := stanza.ID(iq); id != "" {
		result.SetAttribute("id", id)
	}
	bound := stanza.NewNamespace("bind", nsBind)
	jidEl := stanza.NewName("jid")
	jidEl.SetText(sess.FullJID())
	bound.AppendElement(jidEl)
	result.AppendElement(bound)

	if err := sess.Send(result); err != nil {
		log.Errorf("router: write bind result: %v", err)
	}
	log.Infof("router: bound resource %s", sess.FullJID())
}

func (h *Hub) handleBound(sess *session.Session, st *stanza.Element) action {
	switch st.Name() {
	case "iq":
		h.handleIQ(sess, st)
	case "presence":
		presence.Dispatch(sess, st, h, h.presStores, func(s *session.Session) {
			h.messages.DeliverOffline(s)
		})
	case "message":
		h.messages.Handle(sess, st, h)
	default:
		h.sendStreamError(sess, "unsupported-stanza-type")
		return action{closeConn: true}
	}
	return action{}
}

func (h *Hub) handleIQ(sess *session.Session, iq *stanza.Element) {
	to := stanza.To(iq)
	if to != "" && to != h.domain && to != sess.BareJID() && to != sess.FullJID() {
		h.routeToOther(sess, iq, to)
		return
	}

	if iq.ChildNamespace("bind", nsBind) != nil {
		if err := sess.Send(stanza.NotAllowedError(iq, h.domain)); err != nil {
			log.Errorf("router: write not-allowed: %v", err)
		}
		return
	}
	if iq.ChildNamespace("session", nsSession) != nil {
		sess.State = session.SessionActive
		if err := sess.Send(h.resultIQ(sess, iq)); err != nil {
			log.Errorf("router: write session result: %v", err)
		}
		return
	}
	if q := iq.AnyChildElement(); q != nil {
		switch q.Namespace() {
		case registration.NSRegister:
			registration.HandleIQ(sess, iq, h.users, h.domain, func() { h.teardown(sess) })
			return
		case disco.NSInfo:
			disco.HandleInfo(sess, iq, h.domain)
			return
		case disco.NSItems:
			disco.HandleItems(sess, iq, h.domain)
			return
		case nsRoster:
			h.handleRosterIQ(sess, iq, q)
			return
		}
	}

	if stanza.Type(iq) == stanza.IQGet || stanza.Type(iq) == stanza.IQSet {
		if err := sess.Send(stanza.ServiceUnavailableError(iq, h.domain)); err != nil {
			log.Errorf("router: write service-unavailable: %v", err)
		}
	}
}

// routeToOther forwards iq to another local bare JID's online session.
// A result/error iq that can't be delivered (bad JID, recipient
// offline) is dropped silently, per the "route if online, else drop"
// rule for reply-type iqs — only get/set get an error reply back.
func (h *Hub) routeToOther(sess *session.Session, iq *stanza.Element, to string) {
	isReply := stanza.Type(iq) == stanza.IQResult || stanza.Type(iq) == stanza.IQError

	target, err := jid.Parse(to)
	if err != nil {
		if isReply {
			return
		}
		if err2 := sess.Send(stanza.JIDMalformedError(iq, h.domain)); err2 != nil {
			log.Errorf("router: write jid-malformed: %v", err2)
		}
		return
	}
	stanza.SetFrom(iq, sess.FullJID())
	if recipient, ok := h.FindByBareJID(target.Bare()); ok {
		if err := recipient.Send(iq); err != nil {
			log.Errorf("router: route iq to %s: %v", target.Bare(), err)
		}
		return
	}
	if isReply {
		return
	}
	if err := sess.Send(stanza.ServiceUnavailableError(iq, h.domain)); err != nil {
		log.Errorf("router: write service-unavailable: %v", err)
	}
}

func (h *Hub) handleRosterIQ(sess *session.Session, iq *stanza.Element, query *stanza.Element) {
	presence.EnsureRosterLoaded(sess, h.presStores)

	switch stanza.Type(iq) {
	case stanza.IQGet:
		result := h.resultIQ(sess, iq)
		rosterQuery := stanza.NewNamespace("query", nsRoster)
		for _, it := range sess.Roster.Items {
			rosterQuery.AppendElement(rosterItemElement(it))
		}
		result.AppendElement(rosterQuery)
		if err := sess.Send(result); err != nil {
			log.Errorf("router: write roster result: %v", err)
		}

	case stanza.IQSet:
		item := query.Child("item")
		if item == nil {
			if err := sess.Send(stanza.BadRequestError(iq, h.domain)); err != nil {
				log.Errorf("router: write bad-request: %v", err)
			}
			return
		}
		bareJID := item.Attribute("jid")
		name := item.Attribute("name")

		if item.Attribute("subscription") == roster.SubRemove {
			sess.Roster.Remove(bareJID)
			if err := h.rosterStore.Save(h.users.RosterPath(sess.Local), sess.Roster); err != nil {
				log.Errorf("router: save roster for %s: %v", sess.Local, err)
			}
			if err := sess.Send(roster.PushIQ(sess.FullJID(), roster.Item{JID: bareJID, Subscription: roster.SubRemove})); err != nil {
				log.Errorf("router: roster push (remove): %v", err)
			}
		} else {
			existingAsk := false
			if existing := sess.Roster.Find(bareJID); existing != nil {
				existingAsk = existing.AskSubscribe
			}
			sess.Roster.Add(bareJID, name, "", existingAsk)
			if err := h.rosterStore.Save(h.users.RosterPath(sess.Local), sess.Roster); err != nil {
				log.Errorf("router: save roster for %s: %v", sess.Local, err)
			}
			if added := sess.Roster.Find(bareJID); added != nil {
				if err := sess.Send(roster.PushIQ(sess.FullJID(), *added)); err != nil {
					log.Errorf("router: roster push: %v", err)
				}
			}
		}
		if err := sess.Send(h.resultIQ(sess, iq)); err != nil {
			log.Errorf("router: write roster-set result: %v", err)
		}

	default:
		if err := sess.Send(stanza.BadRequestError(iq, h.domain)); err != nil {
			log.Errorf("router: write bad-request: %v", err)
		}
	}
}

func rosterItemElement(it roster.Item) *stanza.Element {
	el := stanza.NewName("item")
	el.SetAttribute("jid", it.JID)
	if it.Name != "" {
		el.SetAttribute("name", it.Name)
	}
	el.SetAttribute("subscription", it.Subscription)
	if it.AskSubscribe {
		el.SetAttribute("ask", "subscribe")
	}
	return el
}

func (h *Hub) resultIQ(sess *session.Session, iq *stanza.Element) *stanza.Element {
	result := stanza.NewName("iq")
	result.SetAttribute("type", stanza.IQResult)
	if id := stanza.ID(iq); id != "" {
		result.SetAttribute("id", id)
	}
	result.SetAttribute("from", h.domain)
	result.SetAttribute("to", sess.FullJID())
	return result
}

// teardown closes an account-removal session's stream cleanly: the
// caller (registration.HandleIQ) has already sent the result IQ. The
// final unavailable broadcast and session-table removal happen here,
// immediately. Closing the socket later makes the session's reader
// goroutine fail its next read and deliver an evDisconnected event;
// by then Available is false and the session is already gone from the
// table, so handleDisconnected broadcasts nothing further.
func (h *Hub) teardown(sess *session.Session) {
	if sess.Available {
		presence.BroadcastUnavailable(sess, h, h.presStores)
	}
	h.sendStreamError(sess, "not-authorized")
	delete(h.sessions, sess)
	sess.State = session.Disconnected
	sess.Conn.Close()
}

func (h *Hub) sendStreamError(sess *session.Session, condition string) {
	if err := sess.SendRaw(stanza.StreamError(condition).String() + "</stream:stream>"); err != nil {
		log.Errorf("router: write stream error: %v", err)
	}
}

func (h *Hub) sendSASLFailure(sess *session.Session, condition string) {
	failure := stanza.NewNamespace("failure", nsSASL)
	failure.AppendElement(stanza.NewName(condition))
	if err := sess.Send(failure); err != nil {
		log.Errorf("router: write SASL failure: %v", err)
	}
}
