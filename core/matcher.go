package core

// RequestMatcher is the rendezvous point for one method bucket: it pairs
// waiting Calls against waiting application requests. It owns an
// intrusive FIFO linked list of pending calls and a LIFO LockfreeStack of
// waiting request slot ids. At most one of the two is non-empty at any
// quiescent moment — any enqueue attempts a match first (§3 invariants).
//
// Calls are served in arrival order (bounding head-of-line stalls);
// requests are served LIFO (latest application request wins, giving
// rough thread locality). The two structures are never ordered against
// each other — only within themselves.
type RequestMatcher struct {
	server   *Server
	requests *LockfreeStack

	// pending list guarded by server.muCall.
	pendingHead, pendingTail *Call
}

func newRequestMatcher(server *Server, capacity int) *RequestMatcher {
	return &RequestMatcher{server: server, requests: NewLockfreeStack(capacity)}
}

// finishStartNewRPC takes server.muCall and hands c to matcher.EnqueueCall.
// This is the one call site that bridges §4.4 (start_new_rpc, lock-free up
// to this point) into §4.2 (enqueue_call, which assumes mu_call held).
func (s *Server) finishStartNewRPC(c *Call, matcher *RequestMatcher) {
	s.muCall.Lock()
	matcher.EnqueueCall(c)
	s.muCall.Unlock()
}

// EnqueueCall pairs c against a waiting request, or parks it. The caller
// must hold server.muCall.
func (m *RequestMatcher) EnqueueCall(c *Call) {
	if slot := m.requests.Pop(); slot >= 0 {
		c.setState(Activated)
		m.server.beginCall(c, slot)
		return
	}
	c.setState(Pending)
	c.pendingMatcher = m
	m.appendPendingLocked(c)
}

// EnqueueRequest pushes slot onto the waiting-requests stack. If that
// push transitioned the stack from empty to non-empty, it takes
// server.muCall and drains: pairing pending calls against waiting
// requests until either side runs dry.
//
// A detached call found to be ZOMBIED (its stream closed while it sat
// pending) has its kill-zombie task scheduled instead of being matched —
// the request slot popped for that iteration is spent on the dead call
// and not reused. This is a faithful reproduction of the documented
// drain loop, not a best-effort re-derivation of it.
func (m *RequestMatcher) EnqueueRequest(slot int32) {
	if !m.requests.Push(slot) {
		return
	}

	m.server.muCall.Lock()
	defer m.server.muCall.Unlock()

	for m.pendingHead != nil {
		reqSlot := m.requests.Pop()
		if reqSlot < 0 {
			break
		}
		call := m.detachPendingHeadLocked()

		call.mu.Lock()
		state := call.state
		call.mu.Unlock()

		if state == Zombied {
			m.server.scheduleKillZombie(call)
			continue
		}
		call.setState(Activated)
		m.server.beginCall(call, reqSlot)
	}
}

// KillRequests fails every waiting request in this matcher's stack. Used
// during shutdown to drain work that can never be matched.
func (m *RequestMatcher) KillRequests() {
	for {
		slot := m.requests.Pop()
		if slot < 0 {
			return
		}
		m.server.failQueuedSlot(slot)
	}
}

// ZombifyAllPending marks every call in the pending list ZOMBIED and
// appends its kill-zombie task to tasks. The caller must hold
// server.muCall.
func (m *RequestMatcher) ZombifyAllPending(tasks *[]func()) {
	for c := m.pendingHead; c != nil; {
		next := c.pendingNext
		c.setState(Zombied)
		call := c
		*tasks = append(*tasks, func() { m.server.killZombie(call) })
		c = next
	}
	m.pendingHead = nil
	m.pendingTail = nil
}

// destroy asserts the waiting-requests stack is empty; called only once
// the server is fully torn down.
func (m *RequestMatcher) destroy() {
	if !m.requests.Empty() {
		panic("rpccore: RequestMatcher destroyed with waiting requests outstanding")
	}
}

func (m *RequestMatcher) appendPendingLocked(c *Call) {
	c.pendingNext = nil
	if m.pendingTail == nil {
		m.pendingHead, m.pendingTail = c, c
		return
	}
	m.pendingTail.pendingNext = c
	m.pendingTail = c
}

func (m *RequestMatcher) detachPendingHeadLocked() *Call {
	c := m.pendingHead
	m.pendingHead = c.pendingNext
	if m.pendingHead == nil {
		m.pendingTail = nil
	}
	c.pendingNext = nil
	return c
}
