package core

import (
	"context"
	"log"
	"time"

	"github.com/matgreaves/run"
)

// shutdownTag is one (cq, tag) pair awaiting the shutdown-complete
// notification.
type shutdownTag struct {
	cq  *CompletionQueue
	tag any
}

// shutdownCoordinator sequences the server's two-phase shutdown: drain
// pending work, broadcast GOAWAY/disconnect, wait for connections and
// listeners to die, and publish the completion exactly once per tag
// (§4.6).
type shutdownCoordinator struct {
	server *Server

	// guarded by server.mu
	tags        []shutdownTag
	published   bool
	lastLogTime time.Time
}

func newShutdownCoordinator(s *Server) *shutdownCoordinator {
	return &shutdownCoordinator{server: s}
}

// shutdownAndNotify implements §4.6 step by step.
func (sc *shutdownCoordinator) shutdownAndNotify(cq *CompletionQueue, tag any) {
	srv := sc.server

	srv.mu.Lock()
	if sc.published {
		srv.mu.Unlock()
		srv.ref()
		cq.Post(Completion{Tag: tag, Success: true, Done: srv.unref})
		return
	}

	sc.tags = append(sc.tags, shutdownTag{cq: cq, tag: tag})

	if srv.shutdownFlag.Load() {
		// An earlier shutdown is already in flight; it will publish
		// this tag too once it finishes.
		srv.mu.Unlock()
		return
	}

	sc.lastLogTime = time.Now()
	bc := snapshotBroadcaster(srv)

	srv.muCall.Lock()
	srv.killPendingWork()
	srv.muCall.Unlock()

	srv.shutdownFlag.Store(true) // release ordering: new RPCs must see this before ACTIVATED
	sc.maybeFinishShutdownLocked()

	listeners := append([]Listener(nil), srv.listeners...)
	srv.mu.Unlock()

	// Step 7-8: destroy every listener and fan out the GOAWAY broadcast
	// concurrently — both are independent async completions, the same
	// shape as the teacher's run.Group over a service process and its
	// lifecycle continuation.
	group := run.Group{
		"listeners": run.Func(func(context.Context) error {
			for _, l := range listeners {
				l.Destroy(func() { srv.listenerDestroyed() })
			}
			return nil
		}),
		"broadcast": run.Func(func(context.Context) error {
			bc.Shutdown(true, false)
			return nil
		}),
	}
	_ = group.Run(context.Background())
}

// killPendingWork drains every matcher: fail waiting requests, zombify
// waiting calls. The caller must hold server.muCall.
func (s *Server) killPendingWork() {
	var tasks []func()

	s.unregisteredMatcher.KillRequests()
	s.unregisteredMatcher.ZombifyAllPending(&tasks)
	for _, rm := range s.registeredMethods {
		rm.matcher.KillRequests()
		rm.matcher.ZombifyAllPending(&tasks)
	}

	for _, t := range tasks {
		t()
	}
}

// maybeFinishShutdownLocked re-drains pending work and, if every
// connection and listener has finished dying, publishes the shutdown
// completion to every recorded tag exactly once. The caller must hold
// server.mu (not server.muCall).
func (sc *shutdownCoordinator) maybeFinishShutdownLocked() {
	srv := sc.server
	if !srv.shutdownFlag.Load() || sc.published {
		return
	}

	srv.muCall.Lock()
	srv.killPendingWork()
	srv.muCall.Unlock()

	done := srv.numConns == 0 && srv.listenersDestroyed == len(srv.listeners)
	if !done {
		if time.Since(sc.lastLogTime) >= time.Second {
			log.Printf("rpccore: shutdown in progress (%d connections, %d/%d listeners destroyed)",
				srv.numConns, srv.listenersDestroyed, len(srv.listeners))
			sc.lastLogTime = time.Now()
		}
		return
	}

	sc.published = true
	for _, t := range sc.tags {
		srv.ref()
		t.cq.Post(Completion{Tag: t.tag, Success: true, Done: srv.unref})
	}
	sc.tags = nil
}
