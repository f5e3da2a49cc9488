package core

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultMaxRequestedCalls is the process default for the pre-allocated
// request-slot pool (§3).
const DefaultMaxRequestedCalls = 32768

// ErrNotServerCompletionQueue is returned synchronously from RequestCall
// / RequestRegisteredCall when the notification queue was never
// registered with RegisterCompletionQueue (§6, §7).
var ErrNotServerCompletionQueue = status.Error(codes.FailedPrecondition, "rpccore: completion queue was not registered as a server queue")

// MethodHandle identifies one successfully registered (method, host)
// pair, returned by Server.RegisterMethod and consumed by
// RequestRegisteredCall.
type MethodHandle struct {
	rm *registeredMethod
}

// CallDetails carries the (host, method, deadline) triple a BATCH call
// request receives. REGISTERED requests receive only the deadline,
// through RequestRegisteredCall's outDeadline, not a CallDetails.
type CallDetails struct {
	Method   string
	Host     string
	Deadline time.Time
}

type requestKind int

const (
	kindBatch requestKind = iota
	kindRegistered
)

// requestedCall is one pending application request: the queued,
// heap-allocated description of a request_call/request_registered_call
// invocation, copied into a pool slot once a free one is available
// (§3 "RequestedCall slot").
type requestedCall struct {
	kind     requestKind
	method   *registeredMethod // kindRegistered only
	cqBound  *CompletionQueue
	cqNotify *CompletionQueue
	tag      any

	outCall     **Call
	outDetails  *CallDetails // kindBatch only
	outDeadline *time.Time   // kindRegistered only
	outMD       *Metadata
	outPayload  *[]byte // kindRegistered only, optional
}

// Server is the top-level object: it holds connections, the registered-
// method registry, completion queues, listeners, and the request-slot
// pool, and orchestrates every other component in this package.
type Server struct {
	mu     sync.Mutex // mu_global: connections, listeners, registry, shutdown tags
	muCall sync.Mutex // mu_call: RequestMatcher pending lists / queue state

	cqs []*CompletionQueue

	registeredIndex   map[string]bool
	registeredMethods []*registeredMethod
	unregisteredMatcher *RequestMatcher

	maxRequestedCalls int
	slots             []requestedCall
	freeList          *LockfreeStack

	root       *Connection // circular doubly-linked list sentinel
	numConns   int
	listeners  []Listener
	listenersDestroyed int

	shutdownFlag atomic.Bool
	coordinator  *shutdownCoordinator

	refs atomic.Int32
	args any
}

// NewServer creates a Server with the given request-slot pool capacity.
// Pass 0 to use DefaultMaxRequestedCalls.
func NewServer(maxRequestedCalls int, args any) *Server {
	if maxRequestedCalls <= 0 {
		maxRequestedCalls = DefaultMaxRequestedCalls
	}
	s := &Server{
		registeredIndex:   make(map[string]bool),
		maxRequestedCalls: maxRequestedCalls,
		slots:             make([]requestedCall, maxRequestedCalls),
		freeList:          NewLockfreeStack(maxRequestedCalls),
		args:              args,
	}
	s.root = &Connection{server: s}
	s.root.next, s.root.prev = s.root, s.root
	s.unregisteredMatcher = newRequestMatcher(s, maxRequestedCalls)
	s.coordinator = newShutdownCoordinator(s)
	s.refs.Store(1)
	for i := maxRequestedCalls - 1; i >= 0; i-- {
		s.freeList.Push(int32(i))
	}
	return s
}

func (s *Server) ref()   { s.refs.Add(1) }
func (s *Server) unref() { s.refs.Add(-1) }

// RegisterMethod registers a (method, host) pair before Start. host ==
// "" registers a wildcard. Duplicate registrations are rejected with a
// logged error and a nil handle (§4.7, §7).
func (s *Server) RegisterMethod(method, host string) *MethodHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := method + "\x00" + host
	if s.registeredIndex[key] {
		log.Printf("rpccore: duplicate method registration (method=%q host=%q)", method, host)
		return nil
	}
	s.registeredIndex[key] = true

	rm := &registeredMethod{
		method:  method,
		host:    host,
		matcher: newRequestMatcher(s, s.maxRequestedCalls),
	}
	s.registeredMethods = append(s.registeredMethods, rm)
	return &MethodHandle{rm: rm}
}

// RegisterCompletionQueue marks cq eligible to be bound/notified by
// server entry points. Idempotent (§4.7, §8 property 6).
func (s *Server) RegisterCompletionQueue(cq *CompletionQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cq.isServer() {
		return
	}
	cq.markServerCQ()
	s.cqs = append(s.cqs, cq)
}

// AddListener registers a listener to be started by Start. Must be
// called before Start.
func (s *Server) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start materializes the pollset array from every registered completion
// queue and starts every listener concurrently, returning the first
// error any listener reports.
func (s *Server) Start() error {
	s.mu.Lock()
	pollsets := make([]Pollset, len(s.cqs))
	for i, cq := range s.cqs {
		pollsets[i] = Pollset{CQ: cq}
	}
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	var eg errgroup.Group
	for _, l := range listeners {
		l := l
		eg.Go(func() error { return l.Start(pollsets) })
	}
	return eg.Wait()
}

// SetupTransport binds a new transport to the server: it builds a fresh
// MetadataContext and RegisteredMethodTable, links the connection into
// the server's connection list, and hands the transport its Connection
// (§4.7, §6).
func (s *Server) SetupTransport(transport Transport) *Connection {
	mdctx := NewMetadataContext()
	mdctx.Intern(":path")
	mdctx.Intern(":authority")

	s.mu.Lock()
	table := BuildRegisteredMethodTable(mdctx, s.registeredMethods)
	s.ref()

	conn := &Connection{server: s, mdctx: mdctx, methodTable: table, transport: transport, state: ConnectivityReady}
	s.linkConnectionLocked(conn)
	alreadyShuttingDown := s.shutdownFlag.Load()
	s.mu.Unlock()

	transport.Setup(conn, alreadyShuttingDown)
	return conn
}

func (s *Server) linkConnectionLocked(c *Connection) {
	c.next = s.root
	c.prev = s.root.prev
	s.root.prev.next = c
	s.root.prev = c
	s.numConns++
}

func (s *Server) unlinkConnectionLocked(c *Connection) {
	c.prev.next = c.next
	c.next.prev = c.prev
	c.next, c.prev = c, c // is_orphaned(c) <=> c.next == c
	s.numConns--
}

// destroyConnection implements destroy_channel_elem (§6): unlink,
// reevaluate shutdown, drop the server reference taken at setup.
func (s *Server) destroyConnection(c *Connection) {
	s.mu.Lock()
	s.unlinkConnectionLocked(c)
	s.coordinator.maybeFinishShutdownLocked()
	s.mu.Unlock()
	s.unref()
}

func (s *Server) listenerDestroyed() {
	s.mu.Lock()
	s.listenersDestroyed++
	s.coordinator.maybeFinishShutdownLocked()
	s.mu.Unlock()
}

// RequestCall requests the next unregistered (BATCH) call, delivered to
// cqNotify with tag once a matching stream arrives (§4.7, §6).
func (s *Server) RequestCall(outCall **Call, outDetails *CallDetails, outMD *Metadata, cqBound, cqNotify *CompletionQueue, tag any) error {
	if !cqNotify.isServer() {
		return ErrNotServerCompletionQueue
	}
	rc := &requestedCall{
		kind: kindBatch, cqBound: cqBound, cqNotify: cqNotify, tag: tag,
		outCall: outCall, outDetails: outDetails, outMD: outMD,
	}
	s.queueCallRequest(rc)
	return nil
}

// RequestRegisteredCall requests the next call for a specific registered
// method. outPayload may be nil; if non-nil, beginCall attempts to read
// the first message eagerly (§3 "REGISTERED" variant).
func (s *Server) RequestRegisteredCall(handle *MethodHandle, outCall **Call, outDeadline *time.Time, outMD *Metadata, outPayload *[]byte, cqBound, cqNotify *CompletionQueue, tag any) error {
	if !cqNotify.isServer() {
		return ErrNotServerCompletionQueue
	}
	rc := &requestedCall{
		kind: kindRegistered, method: handle.rm, cqBound: cqBound, cqNotify: cqNotify, tag: tag,
		outCall: outCall, outDeadline: outDeadline, outMD: outMD, outPayload: outPayload,
	}
	s.queueCallRequest(rc)
	return nil
}

// queueCallRequest implements §4.7's queue_call_request: fail fast on
// shutdown or free-list exhaustion, otherwise copy into a slot and hand
// it to the right matcher.
func (s *Server) queueCallRequest(rc *requestedCall) {
	if s.shutdownFlag.Load() {
		s.failCall(rc, -1)
		return
	}
	slot := s.freeList.Pop()
	if slot < 0 {
		s.failCall(rc, -1)
		return
	}
	s.slots[slot] = *rc
	s.matcherFor(rc).EnqueueRequest(slot)
}

func (s *Server) matcherFor(rc *requestedCall) *RequestMatcher {
	if rc.kind == kindRegistered {
		return rc.method.matcher
	}
	return s.unregisteredMatcher
}

// failCall clears the application's output pointers and posts a
// success=false completion (§4.7 fail_call). slot is -1 when no pool
// slot was ever assigned to this request.
func (s *Server) failCall(rc *requestedCall, slot int32) {
	if rc.outCall != nil {
		*rc.outCall = nil
	}
	if rc.outMD != nil {
		*rc.outMD = nil
	}
	s.ref()
	rc.cqNotify.Post(Completion{
		Tag:     rc.tag,
		Success: false,
		Done:    s.doneRequestEvent(slot),
	})
}

// failQueuedSlot fails a request that had already been copied into a
// pool slot and queued onto a matcher (used by RequestMatcher.KillRequests
// during shutdown drain).
func (s *Server) failQueuedSlot(slot int32) {
	rc := s.slots[slot]
	s.failCall(&rc, slot)
}

// doneRequestEvent returns the completion's done-callback: return the
// slot to the free-list (if one was assigned) and drop the server
// reference taken for this async operation.
func (s *Server) doneRequestEvent(slot int32) func() {
	return func() {
		if slot >= 0 {
			s.freeList.Push(slot)
		}
		s.unref()
	}
}

// beginCall implements §4.7 begin_call: bind the call to its completion
// queue, fill in BATCH/REGISTERED details, optionally read the first
// message, and publish a success completion.
func (s *Server) beginCall(c *Call, slot int32) {
	rc := s.slots[slot]

	c.mu.Lock()
	c.boundCQ = rc.cqBound
	deadline := c.deadline
	var details CallDetails
	if rc.kind == kindBatch {
		details = CallDetails{Method: c.path.String(), Host: c.host.String(), Deadline: deadline}
	}
	if rc.outMD != nil {
		*rc.outMD = c.extraMD
	}
	if rc.kind == kindRegistered && rc.outPayload != nil {
		if msg, ok := c.stream.TryRecvMessage(); ok {
			*rc.outPayload = msg
		}
	}
	c.mu.Unlock()

	switch rc.kind {
	case kindBatch:
		if rc.outDetails != nil {
			*rc.outDetails = details
		}
	case kindRegistered:
		if rc.outDeadline != nil {
			*rc.outDeadline = deadline
		}
	}
	if rc.outCall != nil {
		*rc.outCall = c
	}

	s.ref()
	rc.cqNotify.Post(Completion{
		Tag:     rc.tag,
		Success: true,
		Done:    s.doneRequestEvent(slot),
	})
}

// scheduleKillZombie runs a call's kill-zombie task. In this
// implementation it simply runs synchronously — callers that need to
// batch several into one closure list (e.g. the shutdown drain) build
// their own []func() rather than going through here.
func (s *Server) scheduleKillZombie(c *Call) {
	s.killZombie(c)
}

// killZombie destroys a zombified call. Mirrors destroy_call_elem's
// "assert state != PENDING" — by the time this runs the call must have
// already left PENDING: it went NOT_STARTED->ZOMBIED directly, was
// detached from its matcher's pending list first, or went
// PENDING->ZOMBIED on stream close while still linked (the matcher's
// drain later detaches it and runs this again).
func (s *Server) killZombie(c *Call) {
	if c.State() == Pending {
		panic("rpccore: zombie call destroyed while still linked as PENDING")
	}
	// No further action: the call's resources (path/host handles, the
	// stream reference) are released by Go's GC. A systems-language
	// port would free the Call block and unref the connection here.
}

// HasOpenConnections reports whether any connection is currently linked.
func (s *Server) HasOpenConnections() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numConns > 0
}

// ShuttingDown reports whether ShutdownAndNotify has been called.
// shutdown_flag is monotonic (§4.6, §8 property 4): once true it never
// reverts to false.
func (s *Server) ShuttingDown() bool {
	return s.shutdownFlag.Load()
}

// GetChannelArgs returns the args the server was constructed with.
func (s *Server) GetChannelArgs() any { return s.args }

// ShutdownAndNotify begins (or joins) the two-phase shutdown described
// in §4.6, publishing a completion on cq with tag once it finishes.
func (s *Server) ShutdownAndNotify(cq *CompletionQueue, tag any) {
	s.coordinator.shutdownAndNotify(cq, tag)
}

// CancelAllCalls force-disconnects every connection without a GOAWAY
// (§4.6).
func (s *Server) CancelAllCalls() {
	s.mu.Lock()
	bc := snapshotBroadcaster(s)
	s.mu.Unlock()
	bc.Shutdown(false, true)
}

// Destroy requires that shutdown has already completed (or no listener
// was ever added) and that every listener has reported destruction;
// violating either is a programmer error (§7) and panics rather than
// silently leaking.
func (s *Server) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.listeners) > 0 && s.listenersDestroyed < len(s.listeners) {
		panic("rpccore: Destroy called before all listeners reported destroyed")
	}
	if len(s.listeners) > 0 && !s.coordinator.published {
		panic(fmt.Sprintf("rpccore: Destroy called before shutdown published (have %d tags pending)", len(s.coordinator.tags)))
	}

	s.unregisteredMatcher.destroy()
	for _, rm := range s.registeredMethods {
		rm.matcher.destroy()
	}
}
