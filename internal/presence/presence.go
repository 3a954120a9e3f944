// Package presence implements the subscription state machine and
// presence broadcast, grounded verbatim on the original presence.c:
// presence_handle_available/unavailable/subscribe/subscribed/
// unsubscribe/unsubscribed, presence_broadcast_unavailable, and
// presence_redeliver_pending_subscribes.
package presence

import (
	"xmppd/internal/jid"
	"xmppd/internal/log"
	"xmppd/internal/roster"
	"xmppd/internal/session"
	"xmppd/internal/stanza"
	"xmppd/internal/userstore"
)

// Directory is the hub's session registry, as seen by the presence
// engine: lookup by bare JID and enumeration for pending-subscribe
// redelivery scans.
type Directory interface {
	FindByBareJID(bare string) (*session.Session, bool)
	AllSessions() []*session.Session
}

// Stores bundles the on-disk roster access the engine needs to update
// an offline peer's roster directly, without a live Session.
type Stores struct {
	Roster *roster.Store
	Users  *userstore.Store
}

func subHasTo(sub string) bool   { return sub == roster.SubTo || sub == roster.SubBoth }
func subHasFrom(sub string) bool { return sub == roster.SubFrom || sub == roster.SubBoth }

func localPart(bareJID string) string {
	j, err := jid.Parse(bareJID)
	if err != nil {
		return bareJID
	}
	return j.Local()
}

func (st *Stores) saveRoster(s *session.Session) {
	if err := st.Roster.Save(st.Users.RosterPath(s.Local), s.Roster); err != nil {
		log.Errorf("presence: save roster for %s: %v", s.Local, err)
	}
}

// loadOffline loads username's roster from disk, for mutating an
// offline peer's roster in place.
func (st *Stores) loadOffline(username string) *roster.Roster {
	return st.Roster.Load(st.Users.RosterPath(username))
}

func (st *Stores) saveOffline(username string, r *roster.Roster) {
	if err := st.Roster.Save(st.Users.RosterPath(username), r); err != nil {
		log.Errorf("presence: save offline roster for %s: %v", username, err)
	}
}

func ensureLoaded(st *Stores, s *session.Session) {
	if !s.Roster.Loaded {
		s.Roster = st.Roster.Load(st.Users.RosterPath(s.Local))
	}
}

// EnsureRosterLoaded loads s's roster from disk on first access, for
// callers outside this package (the router's roster IQ handling) that
// need the same lazy-load behavior the presence handlers use.
func EnsureRosterLoaded(s *session.Session, st *Stores) {
	ensureLoaded(st, s)
}

// HandleAvailable processes an available (initial or updated) presence
// stanza from s: stores a from-rewritten copy, broadcasts to from/both
// contacts, backfills to/both contacts' current presence, and — on the
// session's first available presence — invokes onInitial (offline
// message delivery) and redelivers pending subscribes.
func HandleAvailable(s *session.Session, pres *stanza.Element, dir Directory, st *Stores, onInitial func(*session.Session)) {
	isInitial := !s.Available
	s.Available = true

	copy := pres.Copy()
	stanza.SetFrom(copy, s.FullJID())
	s.PresenceStanza = copy

	ensureLoaded(st, s)

	for _, item := range s.Roster.Items {
		if !subHasFrom(item.Subscription) {
			continue
		}
		if contact, ok := dir.FindByBareJID(item.JID); ok {
			if err := contact.Send(copy); err != nil {
				log.Errorf("presence: deliver available to %s: %v", item.JID, err)
			}
		}
	}

	for _, item := range s.Roster.Items {
		if !subHasTo(item.Subscription) {
			continue
		}
		if contact, ok := dir.FindByBareJID(item.JID); ok && contact.Available && contact.PresenceStanza != nil {
			if err := s.Send(contact.PresenceStanza); err != nil {
				log.Errorf("presence: backfill presence from %s: %v", item.JID, err)
			}
		}
	}

	if isInitial {
		s.InitialPresenceSent = true
		if onInitial != nil {
			onInitial(s)
		}
		RedeliverPendingSubscribes(s, dir)
	}
}

// HandleUnavailable processes an unavailable presence stanza from s.
func HandleUnavailable(s *session.Session, dir Directory, st *Stores) {
	BroadcastUnavailable(s, dir, st)
}

// BroadcastUnavailable emits a synthetic unavailable presence to every
// online from/both contact, per §4.6.3. A session that never published
// available presence emits nothing.
func BroadcastUnavailable(s *session.Session, dir Directory, st *Stores) {
	if !s.Available && !s.InitialPresenceSent {
		return
	}

	pres := stanza.NewName("presence")
	pres.SetAttribute("type", stanza.PresenceUnavailable)
	stanza.SetFrom(pres, s.FullJID())

	ensureLoaded(st, s)

	for _, item := range s.Roster.Items {
		if !subHasFrom(item.Subscription) {
			continue
		}
		contact, ok := dir.FindByBareJID(item.JID)
		if !ok || contact == s {
			continue
		}
		if err := contact.Send(pres); err != nil {
			log.Errorf("presence: broadcast unavailable to %s: %v", item.JID, err)
		}
	}

	s.Available = false
}

// HandleSubscribe processes a subscribe request from s to the bare JID
// parsed from to.
func HandleSubscribe(s *session.Session, to string, dir Directory, st *Stores) {
	target, err := jid.Parse(to)
	if err != nil {
		return
	}
	bare := target.Bare()

	ensureLoaded(st, s)

	item := s.Roster.Find(bare)
	if item == nil {
		s.Roster.Add(bare, "", roster.SubNone, true)
		item = s.Roster.Find(bare)
	} else {
		item.AskSubscribe = true
	}
	st.saveRoster(s)
	pushRoster(s, *item)

	if contact, ok := dir.FindByBareJID(bare); ok {
		sub := stanza.NewName("presence")
		sub.SetAttribute("type", stanza.PresenceSubscribe)
		stanza.SetFrom(sub, s.BareJID())
		stanza.SetTo(sub, bare)
		if err := contact.Send(sub); err != nil {
			log.Errorf("presence: deliver subscribe to %s: %v", bare, err)
		}
	}
}

// HandleSubscribed processes B's approval of A's earlier subscribe
// request. s is B (the approver); to is A's JID from the stanza.
func HandleSubscribed(s *session.Session, to string, dir Directory, st *Stores) {
	target, err := jid.Parse(to)
	if err != nil {
		return
	}
	targetBare := target.Bare()
	senderBare := s.BareJID()

	ensureLoaded(st, s)

	senderItem := s.Roster.Find(targetBare)
	if senderItem == nil {
		s.Roster.Add(targetBare, "", roster.SubFrom, false)
		senderItem = s.Roster.Find(targetBare)
	} else {
		switch senderItem.Subscription {
		case roster.SubNone:
			senderItem.Subscription = roster.SubFrom
		case roster.SubTo:
			senderItem.Subscription = roster.SubBoth
		}
	}
	st.saveRoster(s)
	pushRoster(s, *senderItem)

	targetSession, targetOnline := dir.FindByBareJID(targetBare)
	if targetOnline {
		ensureLoaded(st, targetSession)
		targetItem := targetSession.Roster.Find(senderBare)
		if targetItem != nil {
			switch targetItem.Subscription {
			case roster.SubNone:
				targetItem.Subscription = roster.SubTo
			case roster.SubFrom:
				targetItem.Subscription = roster.SubBoth
			}
			targetItem.AskSubscribe = false
			st.saveRoster(targetSession)
			pushRoster(targetSession, *targetItem)
		}
	} else {
		targetRoster := st.loadOffline(localPart(targetBare))
		targetItem := targetRoster.Find(senderBare)
		if targetItem != nil {
			switch targetItem.Subscription {
			case roster.SubNone:
				targetItem.Subscription = roster.SubTo
			case roster.SubFrom:
				targetItem.Subscription = roster.SubBoth
			}
			targetItem.AskSubscribe = false
		}
		st.saveOffline(localPart(targetBare), targetRoster)
	}

	if targetOnline {
		if s.Available && s.PresenceStanza != nil {
			if err := targetSession.Send(s.PresenceStanza); err != nil {
				log.Errorf("presence: deliver presence to %s: %v", targetBare, err)
			}
		}
		notif := stanza.NewName("presence")
		notif.SetAttribute("type", stanza.PresenceSubscribed)
		stanza.SetFrom(notif, senderBare)
		stanza.SetTo(notif, targetBare)
		if err := targetSession.Send(notif); err != nil {
			log.Errorf("presence: deliver subscribed to %s: %v", targetBare, err)
		}
	}
}

// HandleUnsubscribe processes A's cancellation of their subscription to
// B's presence. s is A; to is B's JID.
func HandleUnsubscribe(s *session.Session, to string, dir Directory, st *Stores) {
	downgradeAndNotify(s, to, dir, st, stanza.PresenceUnsubscribe,
		func(sub string) string {
			switch sub {
			case roster.SubTo:
				return roster.SubNone
			case roster.SubBoth:
				return roster.SubFrom
			}
			return sub
		},
		func(sub string) string {
			switch sub {
			case roster.SubFrom:
				return roster.SubNone
			case roster.SubBoth:
				return roster.SubTo
			}
			return sub
		},
		false,
	)
}

// HandleUnsubscribed processes B's revocation of A's subscription to
// B's presence (or B's denial of a pending request). s is B; to is A's
// JID.
func HandleUnsubscribed(s *session.Session, to string, dir Directory, st *Stores) {
	downgradeAndNotify(s, to, dir, st, stanza.PresenceUnsubscribed,
		func(sub string) string {
			switch sub {
			case roster.SubFrom:
				return roster.SubNone
			case roster.SubBoth:
				return roster.SubTo
			}
			return sub
		},
		func(sub string) string {
			switch sub {
			case roster.SubTo:
				return roster.SubNone
			case roster.SubBoth:
				return roster.SubFrom
			}
			return sub
		},
		true,
	)
}

// downgradeAndNotify implements the shared shape of unsubscribe and
// unsubscribed: downgrade the sender-side subscription with
// senderDowngrade, the target-side with targetDowngrade, clear ask
// (unsubscribe clears the sender's ask; unsubscribed clears the
// target's ask, via clearTargetAsk), push both sides, deliver the
// notification, and (if the sender is available) deliver a synthetic
// unavailable to the target.
func downgradeAndNotify(s *session.Session, to string, dir Directory, st *Stores, notifType string, senderDowngrade, targetDowngrade func(string) string, clearTargetAsk bool) {
	target, err := jid.Parse(to)
	if err != nil {
		return
	}
	targetBare := target.Bare()
	senderBare := s.BareJID()

	ensureLoaded(st, s)

	if senderItem := s.Roster.Find(targetBare); senderItem != nil {
		senderItem.Subscription = senderDowngrade(senderItem.Subscription)
		if notifType == stanza.PresenceUnsubscribe {
			senderItem.AskSubscribe = false
		}
		st.saveRoster(s)
		pushRoster(s, *senderItem)
	}

	targetSession, targetOnline := dir.FindByBareJID(targetBare)
	if targetOnline {
		ensureLoaded(st, targetSession)
		if targetItem := targetSession.Roster.Find(senderBare); targetItem != nil {
			targetItem.Subscription = targetDowngrade(targetItem.Subscription)
			if clearTargetAsk {
				targetItem.AskSubscribe = false
			}
			st.saveRoster(targetSession)
			pushRoster(targetSession, *targetItem)
		}

		notif := stanza.NewName("presence")
		notif.SetAttribute("type", notifType)
		stanza.SetFrom(notif, senderBare)
		stanza.SetTo(notif, targetBare)
		if err := targetSession.Send(notif); err != nil {
			log.Errorf("presence: deliver %s to %s: %v", notifType, targetBare, err)
		}

		if s.Available {
			unavail := stanza.NewName("presence")
			unavail.SetAttribute("type", stanza.PresenceUnavailable)
			stanza.SetFrom(unavail, s.FullJID())
			if err := targetSession.Send(unavail); err != nil {
				log.Errorf("presence: deliver unavailable to %s: %v", targetBare, err)
			}
		}
		return
	}

	targetRoster := st.loadOffline(localPart(targetBare))
	if targetItem := targetRoster.Find(senderBare); targetItem != nil {
		targetItem.Subscription = targetDowngrade(targetItem.Subscription)
		if clearTargetAsk {
			targetItem.AskSubscribe = false
		}
	}
	st.saveOffline(localPart(targetBare), targetRoster)
}

// RedeliverPendingSubscribes scans every online session for a roster
// item pointing at s with ask=subscribe, and re-emits the subscribe
// request to s. Invoked on s's first available presence, per §4.6.2.
func RedeliverPendingSubscribes(s *session.Session, dir Directory) {
	ourBare := s.BareJID()

	for _, other := range dir.AllSessions() {
		if other == s || other.Local == "" || !other.Roster.Loaded {
			continue
		}
		for _, item := range other.Roster.Items {
			if !item.AskSubscribe || item.JID != ourBare {
				continue
			}
			sub := stanza.NewName("presence")
			sub.SetAttribute("type", stanza.PresenceSubscribe)
			stanza.SetFrom(sub, other.BareJID())
			stanza.SetTo(sub, ourBare)
			if err := s.Send(sub); err != nil {
				log.Errorf("presence: redeliver pending subscribe to %s: %v", ourBare, err)
			}
		}
	}
}

func pushRoster(s *session.Session, item roster.Item) {
	if err := s.Send(roster.PushIQ(s.FullJID(), item)); err != nil {
		log.Errorf("presence: roster push to %s: %v", s.FullJID(), err)
	}
}

// Dispatch routes an incoming presence stanza to the appropriate
// handler based on its type attribute, matching handle_presence.
func Dispatch(s *session.Session, pres *stanza.Element, dir Directory, st *Stores, onInitial func(*session.Session)) {
	typ := stanza.Type(pres)
	to := stanza.To(pres)

	switch typ {
	case stanza.PresenceAvailable:
		HandleAvailable(s, pres, dir, st, onInitial)
	case stanza.PresenceUnavailable:
		HandleUnavailable(s, dir, st)
	case stanza.PresenceSubscribe:
		HandleSubscribe(s, to, dir, st)
	case stanza.PresenceSubscribed:
		HandleSubscribed(s, to, dir, st)
	case stanza.PresenceUnsubscribe:
		HandleUnsubscribe(s, to, dir, st)
	case stanza.PresenceUnsubscribed:
		HandleUnsubscribed(s, to, dir, st)
	default:
		log.Warnf("presence: unknown presence type %q from %s", typ, s.FullJID())
	}
}
