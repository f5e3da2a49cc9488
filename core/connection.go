package core

// ConnectivityState mirrors a transport connection's coarse connectivity.
type ConnectivityState int

const (
	ConnectivityReady ConnectivityState = iota
	ConnectivityTransientFailure
	ConnectivityFatalFailure
)

// Pollset is the per-completion-queue handle a Listener binds to at
// start time (§6 "Transport op emission": one op sets bind_pollset per
// registered cq).
type Pollset struct {
	CQ *CompletionQueue
}

// Transport is the external collaborator a Connection is built on top
// of. Framing, flow control, and the HTTP/2 wire format are explicitly
// out of scope (spec.md §1) — a Transport only needs to accept streams
// and honor broadcast shutdown ops.
type Transport interface {
	// Setup is invoked once, synchronously, when the connection is
	// registered. alreadyShuttingDown conveys the disconnect flag
	// spec.md's setup-op emission describes for a server that began
	// shutdown before this transport was bound.
	Setup(conn *Connection, alreadyShuttingDown bool)

	// Broadcast issues the GOAWAY/disconnect transport op (§4.5, §6):
	// a fixed "Server shutdown" message when sendGoaway is set, and a
	// hard disconnect when disconnect is set.
	Broadcast(sendGoaway bool, goawayMessage string, disconnect bool)
}

// Listener is the external collaborator that accepts transports and
// binds them to the server (§6 public API: add_listener).
type Listener interface {
	// Start is called once, after every registered completion queue has
	// a Pollset.
	Start(pollsets []Pollset) error
	// Destroy must invoke done exactly once, after the listener has
	// fully stopped accepting new transports.
	Destroy(done func())
}

// Connection is the per-transport state the server keeps: its call
// stack's metadata context, its RegisteredMethodTable (built once at
// setup from the server's registered methods), and its linkage in the
// server's connection list.
type Connection struct {
	server *Server
	mdctx  *MetadataContext

	methodTable *RegisteredMethodTable
	transport   Transport

	state ConnectivityState

	// circular doubly-linked list linkage, guarded by server.mu.
	next, prev *Connection
}

// AcceptStream creates a new Call for an incoming stream, wrapping
// higherRecv the way init_call_elem installs the server's own receive
// callback in front of the higher layer's (§6).
func (c *Connection) AcceptStream(stream Stream, higherRecv func(success bool)) *Call {
	return newCall(c, stream, higherRecv)
}

// NotifyConnectivityStateChange handles a connectivity transition. On
// FATAL_FAILURE the connection is torn down: unlinked, shutdown
// reevaluated, and the server reference released (destroy_channel_elem,
// §6).
func (c *Connection) NotifyConnectivityStateChange(state ConnectivityState) {
	c.state = state
	if state == ConnectivityFatalFailure {
		c.server.destroyConnection(c)
	}
}
