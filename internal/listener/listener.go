// Package listener implements the TCP accept loop that hands connections
// to the router's hub, grounded on the original server_init/server_accept/
// server_run. Unlike the original's poll(2)-driven array of up to
// MAX_CLIENTS pollfds, Go gives each connection its own goroutine; the
// bound on concurrent sessions is enforced with a buffered channel used
// as a counting semaphore instead of a fixed-size array.
package listener

import (
	"net"

	"xmppd/internal/log"
)

// MaxClients bounds the number of concurrent sessions the server will
// accept, matching the original's MAX_CLIENTS.
const MaxClients = 15

// Hub is the subset of router.Hub a Listener needs: a place to hand off
// accepted connections, and a goroutine to run its event loop in.
type Hub interface {
	Run()
	Serve(conn net.Conn)
}

// Listener accepts TCP connections and hands each to a Hub, bounding the
// number served concurrently.
type Listener struct {
	ln   net.Listener
	hub  Hub
	slots chan struct{}
}

// New wraps ln, dispatching accepted connections to hub, capped at
// maxClients concurrent sessions.
func New(ln net.Listener, hub Hub, maxClients int) *Listener {
	if maxClients <= 0 {
		maxClients = MaxClients
	}
	return &Listener{ln: ln, hub: hub, slots: make(chan struct{}, maxClients)}
}

// Run starts the hub's event loop and blocks accepting connections until
// the listener is closed, logging and returning on the first accept
// error (matching the original's server_run loop exit on a poll error,
// rather than EAGAIN/EWOULDBLOCK which the original treats as "no
// connection ready" and Go's blocking Accept never produces).
func (l *Listener) Run() {
	go l.hub.Run()

	log.Infof("listener: accepting on %s", l.ln.Addr())
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			log.Errorf("listener: accept: %v", err)
			return
		}

		select {
		case l.slots <- struct{}{}:
			go func() {
				defer func() { <-l.slots }()
				l.hub.Serve(conn)
			}()
		default:
			log.Warnf("listener: max clients reached, rejecting connection from %s", conn.RemoteAddr())
			conn.Close()
		}
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
