// Package message implements message stanza delivery and the offline
// message queue, grounded on the original handle_message/
// message_store_offline/message_deliver_offline.
package message

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"xmppd/internal/jid"
	"xmppd/internal/log"
	"xmppd/internal/session"
	"xmppd/internal/stanza"
	"xmppd/internal/userstore"
)

// NSDelay is the XEP-0203 delayed-delivery namespace.
const NSDelay = "urn:xmpp:delay"

// Directory looks up an online session by bare JID.
type Directory interface {
	FindByBareJID(bare string) (*session.Session, bool)
}

// Queue manages the offline-message directory for each local user.
type Queue struct {
	Users  *userstore.Store
	Domain string
}

// NewQueue creates a Queue rooted at the given user store.
func NewQueue(users *userstore.Store, domain string) *Queue {
	return &Queue{Users: users, Domain: domain}
}

// Handle routes an incoming message stanza from s, per handle_message:
// validate the target JID and local user, rewrite from, and either
// deliver immediately to an available session or store offline.
func (q *Queue) Handle(s *session.Session, msg *stanza.Element, dir Directory) {
	to := stanza.To(msg)
	typ := stanza.Type(msg)
	if typ == "" {
		typ = stanza.MessageNormal
	}

	target, err := jid.Parse(to)
	if err != nil || target.Local() == "" {
		if err2 := s.Send(stanza.JIDMalformedError(msg, s.Domain)); err2 != nil {
			log.Errorf("message: send jid-malformed error: %v", err2)
		}
		return
	}
	if target.Domain() != s.Domain {
		if err2 := s.Send(stanza.ItemNotFoundError(msg, s.Domain)); err2 != nil {
			log.Errorf("message: send item-not-found error: %v", err2)
		}
		return
	}
	if !q.Users.Exists(target.Local()) {
		if err2 := s.Send(stanza.ItemNotFoundError(msg, s.Domain)); err2 != nil {
			log.Errorf("message: send item-not-found error: %v", err2)
		}
		return
	}

	stanza.SetFrom(msg, s.FullJID())

	if recipient, ok := dir.FindByBareJID(target.Bare()); ok && recipient.Available {
		if err := recipient.Send(msg); err != nil {
			log.Errorf("message: deliver to %s: %v", target.Bare(), err)
		}
		return
	}

	if typ == stanza.MessageError {
		return
	}
	if err := q.StoreOffline(target.Local(), msg); err != nil {
		log.Errorf("message: store offline for %s: %v", target.Local(), err)
	}
}

// StoreOffline appends a delay-stamped copy of msg to username's offline
// queue, using a zero-padded sequence number one greater than the
// current maximum.
func (q *Queue) StoreOffline(username string, msg *stanza.Element) error {
	dir := q.Users.OfflineDir(username)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "message: mkdir offline dir for %s", username)
	}

	seq, err := nextSequence(dir)
	if err != nil {
		return err
	}

	copy := msg.Copy()
	delay := stanza.NewNamespace("delay", NSDelay)
	delay.SetAttribute("from", q.Domain)
	delay.SetAttribute("stamp", time.Now().UTC().Format("2006-01-02T15:04:05Z"))
	copy.AppendElement(delay)

	path := filepath.Join(dir, fmt.Sprintf("%04d.xml", seq))
	if err := os.WriteFile(path, []byte(copy.String()), 0o644); err != nil {
		return errors.Wrapf(err, "message: write offline file %s", path)
	}
	log.Infof("message: stored offline message for %s: %s", username, path)
	return nil
}

func nextSequence(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrapf(err, "message: read offline dir %s", dir)
	}
	max := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		trimmed := strings.TrimSuffix(name, filepath.Ext(name))
		if n, err := strconv.Atoi(trimmed); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

// DeliverOffline sends every stored offline message to s, in filename
// (sequence) order, deleting each file once sent or once it fails to
// parse.
func (q *Queue) DeliverOffline(s *session.Session) {
	dir := q.Users.OfflineDir(s.Local)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".xml") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("message: failed to read offline message %s: %v", path, err)
			os.Remove(path)
			continue
		}
		el, err := parseElement(data)
		if err != nil {
			log.Warnf("message: failed to parse offline message %s: %v", path, err)
			os.Remove(path)
			continue
		}
		if err := s.Send(el); err != nil {
			log.Errorf("message: deliver offline message to %s: %v", s.Local, err)
		} else {
			log.Infof("message: delivered offline message to %s: %s", s.Local, name)
		}
		os.Remove(path)
	}
}

// parseElement decodes a single standalone serialized stanza.Element,
// without the enclosing stream wrapper the live framer expects.
func parseElement(data []byte) (*stanza.Element, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var root *stanza.Element
	var stack []*stanza.Element

	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := stanza.NewNamespace(t.Name.Local, t.Name.Space)
			for _, a := range t.Attr {
				el.SetAttribute(a.Name.Local, a.Value)
			}
			if len(stack) == 0 {
				root = el
			} else {
				stack[len(stack)-1].AppendElement(el)
			}
			stack = append(stack, el)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				top.SetText(top.Text() + string(t))
			}
		}
	}
	if root == nil {
		return nil, errors.New("message: empty or malformed stanza file")
	}
	return root, nil
}
