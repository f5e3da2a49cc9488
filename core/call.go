package core

import (
	"sync"
	"time"
)

// CallState is the four-state machine governing how a stream's first
// metadata batch, later stream-closure signals, and a matching
// application request interact under concurrency (§4.4).
type CallState int32

const (
	NotStarted CallState = iota
	Pending
	Activated
	Zombied
)

func (s CallState) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Pending:
		return "PENDING"
	case Activated:
		return "ACTIVATED"
	case Zombied:
		return "ZOMBIED"
	default:
		return "UNKNOWN"
	}
}

// StreamState mirrors the transport-level half-close states a call's
// underlying stream can report.
type StreamState int

const (
	StreamOpen StreamState = iota
	StreamSendClosed
	StreamRecvClosed
	StreamClosed
)

// Stream is the minimal external-collaborator surface Call needs from a
// transport stream. Framing, flow control, and HTTP/2 semantics are out
// of scope (spec.md §1) — this is deliberately thin.
type Stream interface {
	// TryRecvMessage returns the first application message already
	// buffered on the stream, if any. Used only for REGISTERED call
	// requests that asked for the initial message eagerly.
	TryRecvMessage() ([]byte, bool)
}

// Metadata is a simple multi-value header bag, keyed the way HTTP/2
// pseudo-headers are (":path", ":authority", ...).
type Metadata map[string][]string

// Call is a single RPC, tied to one stream on one Connection. Its path
// and host are filled in from the first metadata batch; its state is
// governed by the table in spec.md §4.4.
type Call struct {
	mu    sync.Mutex
	state CallState

	conn   *Connection
	stream Stream

	path *MDString
	host *MDString

	deadline  time.Time
	extraMD   Metadata
	boundCQ   *CompletionQueue
	gotInitialMD bool

	// pending-list linkage, touched only under server.muCall.
	pendingNext    *Call
	pendingMatcher *RequestMatcher

	// higherRecv is the application/stack callback this filter wraps —
	// server_on_recv always delegates to it last, with the original
	// success value (§4.4).
	higherRecv func(success bool)
}

func newCall(conn *Connection, stream Stream, higherRecv func(bool)) *Call {
	return &Call{conn: conn, stream: stream, higherRecv: higherRecv, state: NotStarted}
}

// State returns the call's current state.
func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) setState(s CallState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Path returns the call's matched ":path" value, once captured.
func (c *Call) Path() string { return c.path.String() }

// Host returns the call's matched ":authority" value, once captured.
func (c *Call) Host() string { return c.host.String() }

// Deadline returns the deadline captured from the first metadata batch,
// the zero Time if none was present.
func (c *Call) Deadline() time.Time { return c.deadline }

// ServerOnRecv is the substituted receive-completion callback the server
// filter installs in place of the higher layer's own (§4.4, §6
// start_transport_stream_op). Transports call it once per receive
// completion on a freshly accepted call.
func (c *Call) ServerOnRecv(success bool, state StreamState, md Metadata) {
	var startRPC bool

	c.mu.Lock()
	if success && !c.gotInitialMD {
		path, host, deadline, extra, ok := filterInitialMetadata(md, c.conn.mdctx)
		if ok {
			c.path = path
			c.host = host
			c.deadline = deadline
			c.extraMD = extra
			c.gotInitialMD = true
			startRPC = true
		}
	}

	var zombieTask func()
	switch state {
	case StreamRecvClosed:
		if c.state == NotStarted {
			c.state = Zombied
			zombieTask = func() { c.conn.server.killZombie(c) }
		}
	case StreamClosed:
		if c.state == NotStarted || c.state == Pending {
			c.state = Zombied
			zombieTask = func() { c.conn.server.killZombie(c) }
		}
	}
	c.mu.Unlock()

	if startRPC {
		c.startNewRPC()
	}
	if zombieTask != nil {
		zombieTask()
	}
	c.higherRecv(success)
}

// startNewRPC implements §4.4's start_new_rpc: zombify immediately if the
// server is shutting down, otherwise resolve a RequestMatcher via the
// connection's RegisteredMethodTable (falling back to the server's
// unregistered matcher) and attempt to pair or park.
func (c *Call) startNewRPC() {
	srv := c.conn.server

	if srv.shutdownFlag.Load() {
		c.setState(Zombied)
		srv.scheduleKillZombie(c)
		return
	}

	matcher, ok := c.conn.methodTable.Lookup(c.host, c.path)
	if !ok {
		matcher = srv.unregisteredMatcher
	}
	srv.finishStartNewRPC(c, matcher)
}

// filterInitialMetadata extracts :path → path, :authority → host (by the
// interned identities of this connection), captures a deadline if
// present, and returns the remaining headers. It reports ok=false until
// both path and host have been seen.
func filterInitialMetadata(md Metadata, mdctx *MetadataContext) (path, host *MDString, deadline time.Time, extra Metadata, ok bool) {
	extra = make(Metadata, len(md))
	var havePath, haveHost bool
	var pathStr, hostStr string

	for k, vs := range md {
		if len(vs) == 0 {
			continue
		}
		switch k {
		case ":path":
			pathStr, havePath = vs[0], true
		case ":authority":
			hostStr, haveHost = vs[0], true
		case "grpc-timeout":
			if d, err := time.ParseDuration(vs[0]); err == nil {
				deadline = time.Now().Add(d)
			}
		default:
			extra[k] = vs
		}
	}

	if !havePath || !haveHost {
		return nil, nil, time.Time{}, nil, false
	}
	return mdctx.Intern(pathStr), mdctx.Intern(hostStr), deadline, extra, true
}
