package disco

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"xmppd/internal/session"
	"xmppd/internal/stanza"
)

type recordingConn struct{ buf []byte }

func (c *recordingConn) Read(b []byte) (int, error)        { return 0, nil }
func (c *recordingConn) Write(b []byte) (int, error)       { c.buf = append(c.buf, b...); return len(b), nil }
func (c *recordingConn) Close() error                      { return nil }
func (c *recordingConn) LocalAddr() net.Addr                { return nil }
func (c *recordingConn) RemoteAddr() net.Addr                { return nil }
func (c *recordingConn) SetDeadline(t time.Time) error       { return nil }
func (c *recordingConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *recordingConn) SetWriteDeadline(t time.Time) error  { return nil }

func newTestSession() (*session.Session, *recordingConn) {
	conn := &recordingConn{}
	s := session.New(conn)
	s.Local = "alice"
	s.Domain = "example.org"
	s.Resource = "home"
	s.State = session.Bound
	return s, conn
}

func TestHandleInfoAdvertisesIdentityAndFeatures(t *testing.T) {
	s, conn := newTestSession()
	iq := stanza.NewName("iq")
	iq.SetAttribute("type", stanza.IQGet)
	iq.SetAttribute("id", "disco1")

	HandleInfo(s, iq, "example.org")

	out := string(conn.buf)
	assert.Contains(t, out, `category="server"`)
	assert.Contains(t, out, `type="im"`)
	assert.Contains(t, out, `name="xmppd"`)
	assert.Contains(t, out, `var="jabber:iq:roster"`)
	assert.Contains(t, out, `var="urn:xmpp:delay"`)
	assert.Contains(t, out, `to="alice@example.org/home"`)
	assert.Contains(t, out, `id="disco1"`)
}

func TestHandleItemsReturnsEmptyList(t *testing.T) {
	s, conn := newTestSession()
	iq := stanza.NewName("iq")
	iq.SetAttribute("type", stanza.IQGet)
	iq.SetAttribute("id", "disco2")

	HandleItems(s, iq, "example.org")

	out := string(conn.buf)
	assert.Contains(t, out, NSItems)
	assert.NotContains(t, out, "<item")
}
