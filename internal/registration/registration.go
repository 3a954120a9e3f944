// Package registration implements in-band account registration
// (XEP-0077), grounded on the original register_handle_iq: account
// create, post-auth password change, and account removal.
package registration

import (
	"xmppd/internal/log"
	"xmppd/internal/session"
	"xmppd/internal/stanza"
	"xmppd/internal/userstore"
)

// NSRegister is the in-band registration namespace.
const NSRegister = "jabber:iq:register"

// Store is the account store registration mutates.
type Store interface {
	Create(username, password string) error
	ChangePassword(username, password string) error
	Delete(username string) error
}

// HandleIQ dispatches a jabber:iq:register IQ, replying on s and
// invoking teardown if the IQ was an authenticated account removal.
func HandleIQ(s *session.Session, iq *stanza.Element, st Store, domain string, teardown func()) {
	switch stanza.Type(iq) {
	case stanza.IQGet:
		handleGet(s, iq, domain)
	case stanza.IQSet:
		handleSet(s, iq, st, domain, teardown)
	default:
		send(s, stanza.ErrorResponse(iq, domain, "cancel", "bad-request"))
	}
}

func handleGet(s *session.Session, iq *stanza.Element, domain string) {
	result := stanza.NewName("iq")
	result.SetAttribute("type", stanza.IQResult)
	if id := stanza.ID(iq); id != "" {
		result.SetAttribute("id", id)
	}
	result.SetAttribute("from", domain)
	if s.Authenticated {
		result.SetAttribute("to", s.FullJID())
	}

	query := stanza.NewNamespace("query", NSRegister)
	instructions := stanza.NewName("instructions")
	instructions.SetText("Choose a username and password.")
	query.AppendElement(instructions)
	query.AppendElement(stanza.NewName("username"))
	query.AppendElement(stanza.NewName("password"))
	result.AppendElement(query)

	send(s, result)
}

func handleSet(s *session.Session, iq *stanza.Element, st Store, domain string, teardown func()) {
	query := iq.AnyChildElement()

	if query != nil && query.Child("remove") != nil {
		if !s.Authenticated {
			send(s, stanza.NotAllowedError(iq, domain))
			return
		}
		sendResult(s, iq, domain, true)
		if err := st.Delete(s.Local); err != nil {
			log.Errorf("registration: delete account %s: %v", s.Local, err)
		}
		teardown()
		return
	}

	var username, password string
	if query != nil {
		if u := query.Child("username"); u != nil {
			username = u.Text()
		}
		if p := query.Child("password"); p != nil {
			password = p.Text()
		}
	}

	if username == "" || password == "" {
		send(s, stanza.BadRequestError(iq, domain))
		return
	}

	if !s.Authenticated {
		handleCreate(s, iq, st, domain, username, password)
		return
	}
	handleChangePassword(s, iq, st, domain, username, password)
}

func handleCreate(s *session.Session, iq *stanza.Element, st Store, domain, username, password string) {
	switch err := st.Create(username, password); err {
	case nil:
		log.Infof("registration: new account %q", username)
		sendResult(s, iq, domain, false)
	case userstore.ErrConflict:
		send(s, stanza.ConflictError(iq, domain))
	case userstore.ErrInvalidUsername:
		send(s, stanza.NotAcceptableError(iq, domain))
	default:
		log.Errorf("registration: create account %q: %v", username, err)
		send(s, stanza.InternalServerErrorResponse(iq, domain))
	}
}

func handleChangePassword(s *session.Session, iq *stanza.Element, st Store, domain, username, password string) {
	if username != s.Local {
		send(s, stanza.NotAllowedError(iq, domain))
		return
	}
	if err := st.ChangePassword(username, password); err != nil {
		log.Errorf("registration: change password for %q: %v", username, err)
		send(s, stanza.InternalServerErrorResponse(iq, domain))
		return
	}
	log.Infof("registration: password changed for %q", username)
	sendResult(s, iq, domain, true)
}

func sendResult(s *session.Session, iq *stanza.Element, domain string, includeTo bool) {
	result := stanza.NewName("iq")
	result.SetAttribute("type", stanza.IQResult)
	if id := stanza.ID(iq); id != "" {
		result.SetAttribute("id", id)
	}
	result.SetAttribute("from", domain)
	if includeTo {
		result.SetAttribute("to", s.FullJID())
	}
	send(s, result)
}

func send(s *session.Session, el *stanza.Element) {
	if err := s.Send(el); err != nil {
		log.Errorf("registration: write to %s: %v", s.FullJID(), err)
	}
}
