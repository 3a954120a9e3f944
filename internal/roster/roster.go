// Package roster implements the roster data model, its XML document
// persistence, and the roster-push element builder, grounded on the
// original roster_load_from_path/roster_save_to_path/roster_find_item/
// roster_add_item/roster_remove_item/roster_push.
package roster

import (
	"encoding/xml"
	"os"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"xmppd/internal/jid"
	"xmppd/internal/log"
	"xmppd/internal/stanza"
)

// Subscription states, per spec.md's Roster Item invariants. Remove is
// a transient sentinel used only in a roster-push announcing deletion;
// it is never itself persisted.
const (
	SubNone   = "none"
	SubTo     = "to"
	SubFrom   = "from"
	SubBoth   = "both"
	SubRemove = "remove"
)

// MaxItems bounds the number of items a roster may hold.
const MaxItems = 128

// Item is one roster entry.
type Item struct {
	JID          string
	Name         string
	Subscription string
	AskSubscribe bool
}

// Roster is a bounded ordered sequence of Items for one user, with a
// Loaded flag distinguishing "never read from disk" from "empty".
type Roster struct {
	Items  []Item
	Loaded bool
}

// Find returns the item keyed by bareJID, or nil.
func (r *Roster) Find(bareJID string) *Item {
	for i := range r.Items {
		if r.Items[i].JID == bareJID {
			return &r.Items[i]
		}
	}
	return nil
}

// Add inserts a new item or updates an existing one's name/subscription/
// ask fields in place. On an existing item, an empty name or
// subscription leaves that field unchanged; a new item with an empty
// subscription gets SubNone.
func (r *Roster) Add(bareJID, name, subscription string, ask bool) error {
	if existing := r.Find(bareJID); existing != nil {
		if name != "" {
			existing.Name = name
		}
		if subscription != "" {
			existing.Subscription = subscription
		}
		existing.AskSubscribe = ask
		return nil
	}
	if len(r.Items) >= MaxItems {
		return errors.New("roster: item limit exceeded")
	}
	if subscription == "" {
		subscription = SubNone
	}
	r.Items = append(r.Items, Item{JID: bareJID, Name: name, Subscription: subscription, AskSubscribe: ask})
	return nil
}

// Remove deletes the item keyed by bareJID, if present.
func (r *Roster) Remove(bareJID string) bool {
	for i := range r.Items {
		if r.Items[i].JID == bareJID {
			r.Items = append(r.Items[:i], r.Items[i+1:]...)
			return true
		}
	}
	return false
}

// --- XML document shape ---

type xmlItem struct {
	JID          string `xml:"jid,attr"`
	Name         string `xml:"name,attr,omitempty"`
	Subscription string `xml:"subscription,attr"`
	Ask          string `xml:"ask,attr,omitempty"`
}

type xmlRoster struct {
	XMLName xml.Name  `xml:"roster"`
	Items   []xmlItem `xml:"item"`
}

func toXMLDoc(r *Roster) *xmlRoster {
	doc := &xmlRoster{}
	for _, it := range r.Items {
		xi := xmlItem{JID: it.JID, Name: it.Name, Subscription: it.Subscription}
		if it.AskSubscribe {
			xi.Ask = "subscribe"
		}
		doc.Items = append(doc.Items, xi)
	}
	return doc
}

func fromXMLDoc(doc *xmlRoster) *Roster {
	r := &Roster{Loaded: true}
	for _, xi := range doc.Items {
		sub := xi.Subscription
		if sub == "" {
			sub = SubNone
		}
		r.Items = append(r.Items, Item{
			JID:          xi.JID,
			Name:         xi.Name,
			Subscription: sub,
			AskSubscribe: xi.Ask == "subscribe",
		})
	}
	return r
}

// Store persists rosters as XML documents under a per-user path,
// guarded by a circuit breaker so a failing disk does not retry-storm
// on every mutation (the in-memory roster still stands — see §7).
type Store struct {
	breaker *gobreaker.CircuitBreaker
}

// NewStore creates a roster Store.
func NewStore() *Store {
	return &Store{
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "roster-disk",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Load reads the roster document at path. A missing or malformed file
// yields an empty, Loaded roster, matching the original's "no roster
// file or parse error" tolerance.
func (st *Store) Load(path string) *Roster {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Debugf("roster: no roster file at %s", path)
		return &Roster{Loaded: true}
	}
	var doc xmlRoster
	if err := xml.Unmarshal(data, &doc); err != nil {
		log.Debugf("roster: parse error at %s: %v", path, err)
		return &Roster{Loaded: true}
	}
	return fromXMLDoc(&doc)
}

// Save writes r to path, synchronously, wrapped in the disk breaker.
// Failures are logged; the caller's in-memory roster still stands.
func (st *Store) Save(path string, r *Roster) error {
	data, err := xml.MarshalIndent(toXMLDoc(r), "", "  ")
	if err != nil {
		return errors.Wrap(err, "roster: marshal")
	}
	out := append([]byte(xml.Header), data...)

	_, err = st.breaker.Execute(func() (interface{}, error) {
		return nil, os.WriteFile(path, out, 0o644)
	})
	if err != nil {
		log.Errorf("roster: save %s: %v", path, err)
		return errors.Wrapf(err, "roster: save %s", path)
	}
	return nil
}

// PushIQ builds the unsolicited roster-push <iq type="set"/> for item,
// addressed to the owner's full JID, per roster_push.
func PushIQ(ownerFullJID string, item Item) *stanza.Element {
	iq := stanza.NewName("iq")
	iq.SetAttribute("type", stanza.IQSet)
	iq.SetAttribute("id", jid.GenerateID())
	iq.SetAttribute("to", ownerFullJID)

	query := stanza.NewNamespace("query", "jabber:iq:roster")
	iq.AppendElement(query)

	itemEl := itemElement(item)
	query.AppendElement(itemEl)
	return iq
}

func itemElement(it Item) *stanza.Element {
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

// ResultIQ builds the full roster as a query result for a "get" IQ.
func ResultIQ(req *stanza.Element, r *Roster) *stanza.Element {
	result := stanza.ResultIQ(req)
	query := stanza.NewNamespace("query", "jabber:iq:roster")
	for _, it := range r.Items {
		query.AppendElement(itemElement(it))
	}
	result.AppendElement(query)
	return result
}
