// Package inmem is a reference, in-process implementation of
// core.Transport/core.Listener/core.Stream. It exists because spec.md
// treats the wire transport as an external collaborator out of scope for
// the call-matching core (framing, flow control, and the HTTP/2 wire
// format are explicitly excluded) — something still has to implement
// those interfaces for the core to be exercised end to end in the demo
// binary under cmd/rpccored.
package inmem

import (
	"sync"

	"github.com/mgreaves/rpccore/core"
)

// Stream is a fake transport stream: a fixed set of initial messages
// available to be read back via TryRecvMessage, in order.
type Stream struct {
	mu   sync.Mutex
	msgs [][]byte
	next int
}

// NewStream creates a stream with msgs already buffered.
func NewStream(msgs ...[]byte) *Stream {
	return &Stream{msgs: msgs}
}

// TryRecvMessage implements core.Stream.
func (s *Stream) TryRecvMessage() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.msgs) {
		return nil, false
	}
	m := s.msgs[s.next]
	s.next++
	return m, true
}

// Transport is a fake core.Transport: it records the Connection handed
// back at setup and turns disconnect Broadcast calls into a
// connectivity-state notification, so a Connection can be driven without
// any real networking. A GOAWAY-only Broadcast is recorded but leaves
// the connection up.
type Transport struct {
	mu sync.Mutex

	conn *core.Connection

	// OnSetup, if set, is invoked synchronously from Setup.
	OnSetup func(conn *core.Connection, alreadyShuttingDown bool)

	goawaySeen   bool
	disconnected bool
}

// Conn returns the Connection this transport was bound to, or nil before
// Setup runs.
func (t *Transport) Conn() *core.Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// GoawaySeen reports whether Broadcast was ever called with sendGoaway.
func (t *Transport) GoawaySeen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.goawaySeen
}

// Setup implements core.Transport.
func (t *Transport) Setup(conn *core.Connection, alreadyShuttingDown bool) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	if t.OnSetup != nil {
		t.OnSetup(conn, alreadyShuttingDown)
	}
}

// Broadcast implements core.Transport. A disconnect request is turned
// into a FATAL_FAILURE connectivity transition, exercising the same
// destroy_channel_elem path a real transport's connection drop would.
func (t *Transport) Broadcast(sendGoaway bool, goawayMessage string, disconnect bool) {
	t.mu.Lock()
	if sendGoaway {
		t.goawaySeen = true
	}
	if disconnect {
		t.disconnected = true
	}
	conn := t.conn
	t.mu.Unlock()

	if disconnect && conn != nil {
		conn.NotifyConnectivityStateChange(core.ConnectivityFatalFailure)
	}
}

// Listener is a fake core.Listener whose Start/Destroy are driven
// entirely by the caller (streams are handed to core.Connection's
// AcceptStream directly), rather than by any real socket accept loop.
type Listener struct {
	mu        sync.Mutex
	destroyed bool
	StartErr  error
}

// Start implements core.Listener.
func (l *Listener) Start(pollsets []core.Pollset) error { return l.StartErr }

// Destroy implements core.Listener.
func (l *Listener) Destroy(done func()) {
	l.mu.Lock()
	l.destroyed = true
	l.mu.Unlock()
	done()
}

// Destroyed reports whether Destroy has been called.
func (l *Listener) Destroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}
