// Package disco implements service discovery (disco#info/disco#items),
// grounded on the original disco_handle_info/disco_handle_items: a
// single fixed server identity and feature set, and an empty items list.
package disco

import (
	"xmppd/internal/log"
	"xmppd/internal/session"
	"xmppd/internal/stanza"
)

// Namespaces for disco info and items queries.
const (
	NSInfo  = "http://jabber.org/protocol/disco#info"
	NSItems = "http://jabber.org/protocol/disco#items"
)

// Features advertised by the server's disco#info identity.
var Features = []string{
	NSInfo,
	NSItems,
	"jabber:iq:roster",
	"urn:xmpp:delay",
}

// HandleInfo replies to a disco#info query with the server's fixed
// identity (category=server, type=im, name=xmppd) and feature set.
func HandleInfo(s *session.Session, iq *stanza.Element, domain string) {
	result := resultIQ(s, iq, domain)

	query := stanza.NewNamespace("query", NSInfo)
	identity := stanza.NewName("identity")
	identity.SetAttribute("category", "server")
	identity.SetAttribute("type", "im")
	identity.SetAttribute("name", "xmppd")
	query.AppendElement(identity)

	for _, feature := range Features {
		feat := stanza.NewName("feature")
		feat.SetAttribute("var", feature)
		query.AppendElement(feat)
	}
	result.AppendElement(query)

	send(s, result)
}

// HandleItems replies to a disco#items query with an empty item list.
func HandleItems(s *session.Session, iq *stanza.Element, domain string) {
	result := resultIQ(s, iq, domain)
	result.AppendElement(stanza.NewNamespace("query", NSItems))
	send(s, result)
}

func resultIQ(s *session.Session, iq *stanza.Element, domain string) *stanza.Element {
	result := stanza.NewName("iq")
	result.SetAttribute("type", stanza.IQResult)
	result.SetAttribute("from", domain)
	result.SetAttribute("to", s.FullJID())
	if id := stanza.ID(iq); id != "" {
		result.SetAttribute("id", id)
	}
	return result
}

func send(s *session.Session, el *stanza.Element) {
	if err := s.Send(el); err != nil {
		log.Errorf("disco: write to %s: %v", s.FullJID(), err)
	}
}
