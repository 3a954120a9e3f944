package listener

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHub records every connection handed to Serve and blocks there
// until the test releases it, so tests can control concurrency.
type fakeHub struct {
	mu      sync.Mutex
	served  int
	release chan struct{}
	ran     chan struct{}
}

func newFakeHub() *fakeHub {
	return &fakeHub{release: make(chan struct{}), ran: make(chan struct{}, 1)}
}

func (h *fakeHub) Run() {
	select {
	case h.ran <- struct{}{}:
	default:
	}
}

func (h *fakeHub) Serve(conn net.Conn) {
	h.mu.Lock()
	h.served++
	h.mu.Unlock()
	<-h.release
	conn.Close()
}

func (h *fakeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.served
}

func TestListenerDispatchesAcceptedConnectionsToHub(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	hub := newFakeHub()
	l := New(ln, hub, 15)
	go l.Run()
	defer l.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.count() == 1 }, time.Second, 10*time.Millisecond)
	close(hub.release)
}

func TestListenerRunStartsHubEventLoop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	hub := newFakeHub()
	l := New(ln, hub, 15)
	go l.Run()
	defer l.Close()

	select {
	case <-hub.ran:
	case <-time.After(time.Second):
		t.Fatal("hub.Run was never invoked")
	}
}

func TestListenerRejectsConnectionsBeyondMaxClients(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	hub := newFakeHub()
	l := New(ln, hub, 1)
	go l.Run()
	defer l.Close()

	first, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return hub.count() == 1 }, time.Second, 10*time.Millisecond)

	second, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	buf := make([]byte, 1)
	second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = second.Read(buf)
	assert.Error(t, err)
	assert.Equal(t, 1, hub.count())

	close(hub.release)
}
