// Package jid implements parsing, assembly, and validation of XMPP
// addresses of the form local@domain/resource.
//
// Validation stands in for nodeprep/resourceprep using the precis
// profiles from golang.org/x/text, and for the domain part using
// golang.org/x/net/idna, since this pack carries no purpose-built
// XMPP stringprep implementation.
package jid

import (
	"strings"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// JID is an XMPP address: local@domain/resource. Local and resource are
// optional; domain is mandatory. Instances are immutable once returned
// by New/Parse.
type JID struct {
	local    string
	domain   string
	resource string
}

// New builds a JID from already-validated parts, normalizing each
// according to its profile. Returns an error if any part fails
// normalization.
func New(local, domain, resource string) (*JID, error) {
	var nLocal, nDomain, nResource string
	var err error

	if local != "" {
		nLocal, err = precis.UsernameCaseMapped.String(local)
		if err != nil {
			return nil, errors.Wrapf(err, "jid: invalid local part %q", local)
		}
	}
	nDomain, err = normalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	if resource != "" {
		nResource, err = precis.OpaqueString.String(resource)
		if err != nil {
			return nil, errors.Wrapf(err, "jid: invalid resource part %q", resource)
		}
	}
	return &JID{local: nLocal, domain: nDomain, resource: nResource}, nil
}

func normalizeDomain(domain string) (string, error) {
	if domain == "" {
		return "", errors.New("jid: empty domain")
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", errors.Wrapf(err, "jid: invalid domain %q", domain)
	}
	unicode, err := idna.Lookup.ToUnicode(ascii)
	if err != nil {
		return "", errors.Wrapf(err, "jid: invalid domain %q", domain)
	}
	return unicode, nil
}

// Parse splits s into local, domain, and resource parts and validates
// them, mirroring the original jid_parse: split on '/' first for the
// resource, then on '@' for the local part.
func Parse(s string) (*JID, error) {
	if s == "" {
		return nil, errors.New("jid: empty string")
	}
	rest := s
	var resource string
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		resource = rest[i+1:]
		rest = rest[:i]
	}
	var local string
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		local = rest[:i]
		rest = rest[i+1:]
	}
	domain := rest
	return New(local, domain, resource)
}

// MustParse is like Parse but panics on error; intended for tests and
// constant JIDs known valid at compile time.
func MustParse(s string) *JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

// Local returns the local (user) part, or "" if absent.
func (j *JID) Local() string { return j.local }

// Domain returns the domain part.
func (j *JID) Domain() string { return j.domain }

// Resource returns the resource part, or "" if absent.
func (j *JID) Resource() string { return j.resource }

// IsFull reports whether the JID carries a resource part.
func (j *JID) IsFull() bool { return j.resource != "" }

// IsBare reports whether the JID has no resource part.
func (j *JID) IsBare() bool { return j.resource == "" }

// ToBareJID returns the bare (local@domain) form, dropping any resource.
func (j *JID) ToBareJID() *JID {
	return &JID{local: j.local, domain: j.domain}
}

// Bare renders the bare-JID string form local@domain (or domain alone
// if local is empty).
func (j *JID) Bare() string {
	if j.local == "" {
		return j.domain
	}
	return j.local + "@" + j.domain
}

// String renders the full JID string form local@domain/resource,
// omitting empty parts.
func (j *JID) String() string {
	s := j.Bare()
	if j.resource != "" {
		s += "/" + j.resource
	}
	return s
}

// Matches reports whether j and other share the same bare JID
// (local@domain), case-insensitively normalized at construction time.
func (j *JID) Matches(other *JID) bool {
	if other == nil {
		return false
	}
	return j.local == other.local && j.domain == other.domain
}

// MatchesFull reports whether j and other are identical including resource.
func (j *JID) MatchesFull(other *JID) bool {
	return j.Matches(other) && j.resource == other.resource
}

// GenerateResource returns a random resourcepart suitable for a session
// that did not request one in its bind IQ, following the teacher's use
// of uuid.New() for generated resources.
func GenerateResource() string {
	return uuid.New()
}

// GenerateID returns a random printable identifier for stream IDs,
// stanza IDs, and roster-push IDs.
func GenerateID() string {
	return uuid.New()
}

// ValidUsername reports whether local is an acceptable local part for a
// server account: non-empty, bounded length, and restricted to
// alphanumerics plus '.', '-', '_', mirroring the original valid_username
// check in user.c.
func ValidUsername(local string) bool {
	if local == "" || len(local) > 64 {
		return false
	}
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
