package stanza

const (
	// NSStanzas is the namespace for stanza-level error conditions.
	NSStanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"
	// NSStreams is the namespace for stream-level error conditions.
	NSStreams = "urn:ietf:params:xml:ns:xmpp-streams"
)

// IQ info/query types.
const (
	IQGet    = "get"
	IQSet    = "set"
	IQResult = "result"
	IQError  = "error"
)

// Presence types. The empty string denotes "available".
const (
	PresenceAvailable   = ""
	PresenceUnavailable = "unavailable"
	PresenceSubscribe   = "subscribe"
	PresenceSubscribed  = "subscribed"
	PresenceUnsubscribe = "unsubscribe"
	PresenceUnsubscribed = "unsubscribed"
)

// Message types.
const (
	MessageChat      = "chat"
	MessageNormal    = "normal"
	MessageGroupChat = "groupchat"
	MessageHeadline  = "headline"
	MessageError     = "error"
)

// Type returns the stanza's "type" attribute.
func Type(e *Element) string { return e.Attribute("type") }

// From returns the stanza's "from" attribute.
func From(e *Element) string { return e.Attribute("from") }

// To returns the stanza's "to" attribute.
func To(e *Element) string { return e.Attribute("to") }

// ID returns the stanza's "id" attribute.
func ID(e *Element) string { return e.Attribute("id") }

// SetFrom sets the stanza's "from" attribute.
func SetFrom(e *Element, from string) { e.SetAttribute("from", from) }

// SetTo sets the stanza's "to" attribute.
func SetTo(e *Element, to string) { e.SetAttribute("to", to) }

// IsIQ reports whether e is an <iq/>.
func IsIQ(e *Element) bool { return e.Name() == "iq" }

// IsMessage reports whether e is a <message/>.
func IsMessage(e *Element) bool { return e.Name() == "message" }

// IsPresence reports whether e is a <presence/>.
func IsPresence(e *Element) bool { return e.Name() == "presence" }

// ResultIQ builds an empty <iq type="result"/> in reply to req, copying
// its id and swapping from/to.
func ResultIQ(req *Element) *Element {
	res := NewName("iq")
	res.SetAttribute("type", IQResult)
	if id := ID(req); id != "" {
		res.SetAttribute("id", id)
	}
	if to := From(req); to != "" {
		res.SetAttribute("to", to)
	}
	return res
}

// ErrorResponse clones original, flips its type to "error", swaps to to
// the sender's own address, and attaches a stanza-error child carrying
// condition inside an <error type="errType"/> wrapper — mirroring
// stanza_send_error's "swapped-sense" element.
func ErrorResponse(original *Element, from string, errType, condition string) *Element {
	clone := original.Copy()
	clone.SetAttribute("type", "error")
	clone.RemoveAttribute("to")
	if sender := From(original); sender != "" {
		clone.SetAttribute("to", sender)
	}
	clone.SetAttribute("from", from)

	errEl := NewName("error")
	errEl.SetAttribute("type", errType)
	cond := NewNamespace(condition, NSStanzas)
	errEl.AppendElement(cond)
	clone.AppendElement(errEl)
	return clone
}

// Stanza-level error condition helpers, named after the conditions in
// spec.md's stanza-level error kinds list.
func BadRequestError(original *Element, from string) *Element {
	return ErrorResponse(original, from, "modify", "bad-request")
}

func NotAllowedError(original *Element, from string) *Element {
	return ErrorResponse(original, from, "cancel", "not-allowed")
}

func ItemNotFoundError(original *Element, from string) *Element {
	return ErrorResponse(original, from, "cancel", "item-not-found")
}

func ServiceUnavailableError(original *Element, from string) *Element {
	return ErrorResponse(original, from, "cancel", "service-unavailable")
}

func FeatureNotImplementedError(original *Element, from string) *Element {
	return ErrorResponse(original, from, "cancel", "feature-not-implemented")
}

func JIDMalformedError(original *Element, from string) *Element {
	return ErrorResponse(original, from, "modify", "jid-malformed")
}

func ConflictError(original *Element, from string) *Element {
	return ErrorResponse(original, from, "cancel", "conflict")
}

func NotAcceptableError(original *Element, from string) *Element {
	return ErrorResponse(original, from, "modify", "not-acceptable")
}

func InternalServerErrorResponse(original *Element, from string) *Element {
	return ErrorResponse(original, from, "wait", "internal-server-error")
}

// StreamError builds a <stream:error><condition/></stream:error> element
// for the given stream-level condition (host-unknown, not-authorized,
// conflict, system-shutdown, unsupported-stanza-type).
func StreamError(condition string) *Element {
	e := NewName("stream:error")
	e.AppendElement(NewNamespace(condition, NSStreams))
	return e
}
