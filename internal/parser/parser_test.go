package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamOpenEvent(t *testing.T) {
	src := `<stream:stream to="example.org" xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams">`
	p := New(strings.NewReader(src), 0)

	ev, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, StreamOpened, ev.Kind)
	assert.Equal(t, "example.org", ev.To)
}

func TestStanzaCompleteEvent(t *testing.T) {
	src := `<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams">` +
		`<iq type="get" id="1"><query xmlns="jabber:iq:roster"/></iq>`
	p := New(strings.NewReader(src), 0)

	_, err := p.Next()
	require.NoError(t, err)

	ev, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, StanzaComplete, ev.Kind)
	assert.Equal(t, "iq", ev.Stanza.Name())
	assert.Equal(t, "get", ev.Stanza.Attribute("type"))
	query := ev.Stanza.Child("query")
	require.NotNil(t, query)
	assert.Equal(t, "jabber:iq:roster", query.Namespace())
}

func TestStreamCloseEvent(t *testing.T) {
	src := `<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams"></stream:stream>`
	p := New(strings.NewReader(src), 0)

	_, err := p.Next()
	require.NoError(t, err)

	ev, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, StreamClosed, ev.Kind)
}

func TestMessageBodyText(t *testing.T) {
	src := `<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams">` +
		`<message type="chat" to="bob@example.org"><body>hi there</body></message>`
	p := New(strings.NewReader(src), 0)
	_, err := p.Next()
	require.NoError(t, err)

	ev, err := p.Next()
	require.NoError(t, err)
	body := ev.Stanza.Child("body")
	require.NotNil(t, body)
	assert.Equal(t, "hi there", body.Text())
}

func TestOversizedStanzaReturnsErrTooLarge(t *testing.T) {
	src := `<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams">` +
		`<message type="chat" to="bob@example.org"><body>hi there, this is far too long</body></message>`
	p := New(strings.NewReader(src), 8)
	_, err := p.Next()
	require.NoError(t, err)

	_, err = p.Next()
	assert.Equal(t, ErrTooLarge, err)
}
