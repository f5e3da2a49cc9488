package core

import (
	"testing"

	"github.com/matryer/is"
)

// newTestMatcher builds a matcher wired to a minimal Server sufficient
// for beginCall/failQueuedSlot/killZombie to run without a real
// transport.
func newTestMatcher(t *testing.T, capacity int) (*Server, *RequestMatcher) {
	t.Helper()
	srv := NewServer(capacity, nil)
	return srv, srv.unregisteredMatcher
}

func TestRequestMatcher_DestroyPanicsWithWaitingRequests(t *testing.T) {
	is := is.New(t)
	_, m := newTestMatcher(t, 4)
	m.requests.Push(0)

	defer func() {
		r := recover()
		is.True(r != nil)
	}()
	m.destroy()
}

func TestRequestMatcher_DestroyOKWhenDrained(t *testing.T) {
	_, m := newTestMatcher(t, 4)
	m.destroy() // must not panic
}

// A zombified pending call found during EnqueueRequest's drain is
// skipped (its kill-zombie task runs) rather than matched, and the
// request slot spent pairing against it is not recycled — this is the
// drain loop's documented behavior, reproduced faithfully rather than
// "corrected".
func TestRequestMatcher_EnqueueRequest_SkipsZombifiedPendingCall(t *testing.T) {
	is := is.New(t)
	srv, m := newTestMatcher(t, 4)
	cq := NewCompletionQueue()
	srv.RegisterCompletionQueue(cq)

	conn := srv.SetupTransport(&fakeTransport{})
	c := conn.AcceptStream(fakeStream{}, func(bool) {})
	c.ServerOnRecv(true, StreamOpen, headers("/a/b", "host1"))
	is.Equal(c.State(), Pending)

	// Close the stream before any request arrives: NOT_STARTED would
	// zombify, but this call is already PENDING, so StreamClosed is the
	// transition that applies.
	c.ServerOnRecv(true, StreamClosed, nil)
	is.Equal(c.State(), Zombied)

	var outCall *Call
	var details CallDetails
	var md Metadata
	is.NoErr(srv.RequestCall(&outCall, &details, &md, cq, cq, "req1"))

	// The matcher's pending list is now empty (the zombified call was
	// detached during the drain) and the spent slot was never recycled
	// into a completion for req1 — req1 is still waiting.
	is.True(m.pendingHead == nil)
}

func TestRequestMatcher_ZombifyAllPending_ClearsListAndSchedulesTasks(t *testing.T) {
	is := is.New(t)
	srv, m := newTestMatcher(t, 4)

	conn := srv.SetupTransport(&fakeTransport{})
	c1 := conn.AcceptStream(fakeStream{}, func(bool) {})
	c1.ServerOnRecv(true, StreamOpen, headers("/a/b", "host1"))
	c2 := conn.AcceptStream(fakeStream{}, func(bool) {})
	c2.ServerOnRecv(true, StreamOpen, headers("/c/d", "host1"))
	is.Equal(c1.State(), Pending)
	is.Equal(c2.State(), Pending)

	var tasks []func()
	srv.muCall.Lock()
	m.ZombifyAllPending(&tasks)
	srv.muCall.Unlock()

	is.Equal(c1.State(), Zombied)
	is.Equal(c2.State(), Zombied)
	is.True(m.pendingHead == nil)
	is.Equal(len(tasks), 2)
	for _, task := range tasks {
		task() // killZombie must not panic now that both calls left PENDING
	}
}

func TestRequestMatcher_KillRequests_FailsEveryWaitingSlot(t *testing.T) {
	is := is.New(t)
	srv, m := newTestMatcher(t, 4)
	cq := NewCompletionQueue()
	srv.RegisterCompletionQueue(cq)

	var o1, o2 *Call
	var d1, d2 CallDetails
	var md1, md2 Metadata
	is.NoErr(srv.RequestCall(&o1, &d1, &md1, cq, cq, "r1"))
	is.NoErr(srv.RequestCall(&o2, &d2, &md2, cq, cq, "r2"))
	is.True(!m.requests.Empty())

	m.KillRequests()
	is.True(m.requests.Empty())

	seen := map[any]bool{}
	for i := 0; i < 2; i++ {
		c := mustNext(t, cq)
		is.True(!c.Success)
		seen[c.Tag] = true
	}
	is.True(seen["r1"])
	is.True(seen["r2"])
}
