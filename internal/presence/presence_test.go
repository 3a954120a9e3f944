package presence

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmppd/internal/roster"
	"xmppd/internal/session"
	"xmppd/internal/stanza"
	"xmppd/internal/userstore"
)

// recordingConn is a minimal net.Conn fake that captures everything
// written to it, for asserting on stanzas the engine sends.
type recordingConn struct{ buf bytes.Buffer }

func (c *recordingConn) Read(b []byte) (int, error)         { return 0, nil }
func (c *recordingConn) Write(b []byte) (int, error)         { return c.buf.Write(b) }
func (c *recordingConn) Close() error                        { return nil }
func (c *recordingConn) LocalAddr() net.Addr                 { return nil }
func (c *recordingConn) RemoteAddr() net.Addr                { return nil }
func (c *recordingConn) SetDeadline(t time.Time) error       { return nil }
func (c *recordingConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *recordingConn) SetWriteDeadline(t time.Time) error  { return nil }

func newTestSession(local string) *session.Session {
	s := session.New(&recordingConn{})
	s.Local = local
	s.Domain = "example.org"
	s.Resource = "home"
	s.State = session.Bound
	s.Roster = &roster.Roster{Loaded: true}
	return s
}

type fakeDirectory struct {
	byBare map[string]*session.Session
}

func newFakeDirectory() *fakeDirectory { return &fakeDirectory{byBare: map[string]*session.Session{}} }

func (d *fakeDirectory) add(s *session.Session) { d.byBare[s.BareJID()] = s }

func (d *fakeDirectory) FindByBareJID(bare string) (*session.Session, bool) {
	s, ok := d.byBare[bare]
	return s, ok
}

func (d *fakeDirectory) AllSessions() []*session.Session {
	out := make([]*session.Session, 0, len(d.byBare))
	for _, s := range d.byBare {
		out = append(out, s)
	}
	return out
}

func testStores(t *testing.T) *Stores {
	us, err := userstore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, us.Create("alice", "x"))
	require.NoError(t, us.Create("bob", "x"))
	return &Stores{Roster: roster.NewStore(), Users: us}
}

func writtenOf(s *session.Session) string {
	return s.Conn.(*recordingConn).buf.String()
}

func TestHandleAvailableBroadcastsToFromContacts(t *testing.T) {
	dir := newFakeDirectory()
	st := testStores(t)

	alice := newTestSession("alice")
	bob := newTestSession("bob")
	alice.Roster.Add("bob@example.org", "", roster.SubBoth, false)
	dir.add(alice)
	dir.add(bob)

	pres := stanza.NewName("presence")
	HandleAvailable(alice, pres, dir, st, nil)

	assert.Contains(t, writtenOf(bob), "alice@example.org/home")
	assert.True(t, alice.Available)
	assert.True(t, alice.InitialPresenceSent)
}

func TestHandleAvailableBackfillsToContacts(t *testing.T) {
	dir := newFakeDirectory()
	st := testStores(t)

	alice := newTestSession("alice")
	bob := newTestSession("bob")
	alice.Roster.Add("bob@example.org", "", roster.SubTo, false)
	dir.add(alice)
	dir.add(bob)

	bobPres := stanza.NewName("presence")
	HandleAvailable(bob, bobPres, dir, st, nil)
	HandleAvailable(alice, stanza.NewName("presence"), dir, st, nil)

	assert.Contains(t, writtenOf(alice), "bob@example.org")
}

func TestBroadcastUnavailableSkipsNeverAvailable(t *testing.T) {
	dir := newFakeDirectory()
	st := testStores(t)
	alice := newTestSession("alice")
	dir.add(alice)

	BroadcastUnavailable(alice, dir, st)
	assert.Empty(t, writtenOf(alice))
}

func TestSubscribeHandshake(t *testing.T) {
	dir := newFakeDirectory()
	st := testStores(t)

	alice := newTestSession("alice")
	bob := newTestSession("bob")
	dir.add(alice)
	dir.add(bob)

	HandleSubscribe(alice, "bob@example.org", dir, st)

	item := alice.Roster.Find("bob@example.org")
	require.NotNil(t, item)
	assert.True(t, item.AskSubscribe)
	assert.Equal(t, roster.SubNone, item.Subscription)
	assert.Contains(t, writtenOf(bob), `type="subscribe"`)

	HandleSubscribed(bob, "alice@example.org", dir, st)

	bobItem := bob.Roster.Find("alice@example.org")
	require.NotNil(t, bobItem)
	assert.Equal(t, roster.SubFrom, bobItem.Subscription)

	aliceItem := alice.Roster.Find("bob@example.org")
	require.NotNil(t, aliceItem)
	assert.Equal(t, roster.SubTo, aliceItem.Subscription)
	assert.False(t, aliceItem.AskSubscribe)
	assert.Contains(t, writtenOf(alice), `type="subscribed"`)
}

func TestHandleSubscribedLoadsTargetRosterOnDemand(t *testing.T) {
	dir := newFakeDirectory()
	st := testStores(t)

	alice := newTestSession("alice")
	bob := newTestSession("bob")
	dir.add(alice)
	dir.add(bob)

	// alice's own subscribe request leaves a pending-ask item on her own
	// roster, persisted to disk.
	HandleSubscribe(alice, "bob@example.org", dir, st)

	// alice then reconnects (a fresh session that hasn't loaded its
	// roster yet) before bob approves — the approval must still find
	// and upgrade alice's on-disk item rather than silently dropping it
	// against an empty in-memory roster.
	alice.Roster = &roster.Roster{}
	require.False(t, alice.Roster.Loaded)

	HandleSubscribed(bob, "alice@example.org", dir, st)

	aliceItem := alice.Roster.Find("bob@example.org")
	require.NotNil(t, aliceItem)
	assert.Equal(t, roster.SubTo, aliceItem.Subscription)
	assert.False(t, aliceItem.AskSubscribe)

	saved := st.Roster.Load(st.Users.RosterPath("alice"))
	savedItem := saved.Find("bob@example.org")
	require.NotNil(t, savedItem)
	assert.Equal(t, roster.SubTo, savedItem.Subscription)
}

func TestHandleUnsubscribeLoadsTargetRosterOnDemand(t *testing.T) {
	dir := newFakeDirectory()
	st := testStores(t)

	alice := newTestSession("alice")
	bob := newTestSession("bob")
	alice.Roster.Add("bob@example.org", "", roster.SubBoth, false)
	dir.add(alice)
	dir.add(bob)

	bob.Roster = &roster.Roster{}
	require.False(t, bob.Roster.Loaded)
	bob.Roster.Add("alice@example.org", "", roster.SubBoth, false)
	require.NoError(t, st.Roster.Save(st.Users.RosterPath("bob"), bob.Roster))
	bob.Roster = &roster.Roster{}

	HandleUnsubscribe(alice, "bob@example.org", dir, st)

	bobItem := bob.Roster.Find("alice@example.org")
	require.NotNil(t, bobItem)
	assert.Equal(t, roster.SubTo, bobItem.Subscription)

	saved := st.Roster.Load(st.Users.RosterPath("bob"))
	savedItem := saved.Find("alice@example.org")
	require.NotNil(t, savedItem)
	assert.Equal(t, roster.SubTo, savedItem.Subscription)
}

func TestRedeliverPendingSubscribes(t *testing.T) {
	dir := newFakeDirectory()
	alice := newTestSession("alice")
	bob := newTestSession("bob")
	alice.Roster.Add("bob@example.org", "", roster.SubNone, true)
	alice.Roster.Loaded = true
	dir.add(alice)
	dir.add(bob)

	RedeliverPendingSubscribes(bob, dir)

	assert.Contains(t, writtenOf(bob), `type="subscribe"`)
	assert.Contains(t, writtenOf(bob), `from="alice@example.org"`)
}
