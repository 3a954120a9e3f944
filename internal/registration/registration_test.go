package registration

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmppd/internal/session"
	"xmppd/internal/stanza"
	"xmppd/internal/userstore"
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

func newTestSession(local string, authenticated bool) (*session.Session, *recordingConn) {
	conn := &recordingConn{}
	s := session.New(conn)
	s.Domain = "example.org"
	if authenticated {
		s.Local = local
		s.Resource = "home"
		s.Authenticated = true
		s.State = session.Bound
	} else {
		s.State = session.StreamOpened
	}
	return s, conn
}

func written(c *recordingConn) string { return string(c.buf) }

func newStore(t *testing.T) *userstore.Store {
	us, err := userstore.New(t.TempDir())
	require.NoError(t, err)
	return us
}

func TestHandleIQGetReturnsForm(t *testing.T) {
	st := newStore(t)
	s, conn := newTestSession("", false)

	iq := stanza.NewName("iq")
	iq.SetAttribute("type", stanza.IQGet)
	iq.SetAttribute("id", "reg1")

	HandleIQ(s, iq, st, "example.org", func() {})

	out := written(conn)
	assert.Contains(t, out, "jabber:iq:register")
	assert.Contains(t, out, "<username")
	assert.Contains(t, out, "<password")
	assert.Contains(t, out, `id="reg1"`)
	assert.NotContains(t, out, `to="`)
}

func TestHandleIQCreateAccount(t *testing.T) {
	st := newStore(t)
	s, conn := newTestSession("", false)

	iq := registerSet("reg2", "alice", "secret")
	HandleIQ(s, iq, st, "example.org", func() {})

	assert.Contains(t, written(conn), `type="result"`)
	assert.True(t, st.Exists("alice"))
	assert.True(t, st.CheckPassword("alice", "secret"))
}

func TestHandleIQCreateAccountConflict(t *testing.T) {
	st := newStore(t)
	require.NoError(t, st.Create("alice", "x"))
	s, conn := newTestSession("", false)

	iq := registerSet("reg3", "alice", "secret")
	HandleIQ(s, iq, st, "example.org", func() {})

	assert.Contains(t, written(conn), "conflict")
}

func TestHandleIQCreateAccountInvalidUsername(t *testing.T) {
	st := newStore(t)
	s, conn := newTestSession("", false)

	iq := registerSet("reg4", "a/b", "secret")
	HandleIQ(s, iq, st, "example.org", func() {})

	assert.Contains(t, written(conn), "not-acceptable")
}

func TestHandleIQChangePassword(t *testing.T) {
	st := newStore(t)
	require.NoError(t, st.Create("alice", "old"))
	s, conn := newTestSession("alice", true)

	iq := registerSet("reg5", "alice", "newpass")
	HandleIQ(s, iq, st, "example.org", func() {})

	assert.Contains(t, written(conn), `type="result"`)
	assert.Contains(t, written(conn), `to="alice@example.org/home"`)
	assert.True(t, st.CheckPassword("alice", "newpass"))
}

func TestHandleIQChangePasswordWrongUserRejected(t *testing.T) {
	st := newStore(t)
	require.NoError(t, st.Create("alice", "old"))
	require.NoError(t, st.Create("bob", "old"))
	s, conn := newTestSession("alice", true)

	iq := registerSet("reg6", "bob", "newpass")
	HandleIQ(s, iq, st, "example.org", func() {})

	assert.Contains(t, written(conn), "not-allowed")
	assert.True(t, st.CheckPassword("bob", "old"))
}

func TestHandleIQRemoveRequiresAuth(t *testing.T) {
	st := newStore(t)
	s, conn := newTestSession("", false)

	iq := registerRemove("reg7")
	torn := false
	HandleIQ(s, iq, st, "example.org", func() { torn = true })

	assert.Contains(t, written(conn), "not-allowed")
	assert.False(t, torn)
}

func TestHandleIQRemoveDeletesAccountAndTearsDown(t *testing.T) {
	st := newStore(t)
	require.NoError(t, st.Create("alice", "x"))
	s, conn := newTestSession("alice", true)

	iq := registerRemove("reg8")
	torn := false
	HandleIQ(s, iq, st, "example.org", func() { torn = true })

	assert.Contains(t, written(conn), `type="result"`)
	assert.False(t, st.Exists("alice"))
	assert.True(t, torn)
}

func TestHandleIQUnknownType(t *testing.T) {
	st := newStore(t)
	s, conn := newTestSession("", false)

	iq := stanza.NewName("iq")
	iq.SetAttribute("type", "subscribe")
	iq.SetAttribute("id", "reg9")

	HandleIQ(s, iq, st, "example.org", func() {})

	out := written(conn)
	assert.Contains(t, out, "bad-request")
	assert.Contains(t, out, `type="cancel"`)
}

func registerSet(id, username, password string) *stanza.Element {
	iq := stanza.NewName("iq")
	iq.SetAttribute("type", stanza.IQSet)
	iq.SetAttribute("id", id)
	query := stanza.NewNamespace("query", NSRegister)
	u := stanza.NewName("username")
	u.SetText(username)
	p := stanza.NewName("password")
	p.SetText(password)
	query.AppendElement(u)
	query.AppendElement(p)
	iq.AppendElement(query)
	return iq
}

func registerRemove(id string) *stanza.Element {
	iq := stanza.NewName("iq")
	iq.SetAttribute("type", stanza.IQSet)
	iq.SetAttribute("id", id)
	query := stanza.NewNamespace("query", NSRegister)
	query.AppendElement(stanza.NewName("remove"))
	iq.AppendElement(query)
	return iq
}
