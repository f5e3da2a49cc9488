// Package healthsvc wires a google.golang.org/grpc/health server to a
// core.Server's shutdown lifecycle. The teacher only ever consumes the
// grpc health protocol client-side (internal/server/ready/grpc.go); this
// package is the server-side mirror a process embedding core.Server
// needs in order for that same client-side check to mean anything.
package healthsvc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mgreaves/rpccore/core"
)

// Service owns a grpc health.Server and keeps its serving status for one
// or more service names in step with a core.Server's shutdown flag.
type Service struct {
	hs    *health.Server
	srv   *core.Server
	names []string

	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
}

// New creates a Service reporting SERVING for every name in names (the
// empty string is the overall-server entry the grpc health protocol
// checks by default) until srv begins shutdown.
func New(srv *core.Server, names ...string) *Service {
	if len(names) == 0 {
		names = []string{""}
	}
	hs := health.NewServer()
	for _, n := range names {
		hs.SetServingStatus(n, healthpb.HealthCheckResponse_SERVING)
	}
	return &Service{hs: hs, srv: srv, names: names}
}

// HealthServer returns the concrete *health.Server to register with
// healthpb.RegisterHealthServer against whatever *grpc.Server terminates
// real traffic for this core.Server.
func (s *Service) HealthServer() *health.Server { return s.hs }

// Watch polls the server's shutdown flag every interval and flips every
// tracked service to NOT_SERVING once ShuttingDown reports true,
// mirroring the way the teacher's IdleTimer throttles its own state
// re-evaluation on a fixed tick rather than hooking every call site.
// shutdown_flag is monotonic, so once flipped the watch loop has nothing
// further to do and exits.
func (s *Service) Watch(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}
	s.ticker = time.NewTicker(interval)
	s.done = make(chan struct{})
	ticker := s.ticker
	done := s.done
	s.mu.Unlock()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if s.srv.ShuttingDown() {
					for _, n := range s.names {
						s.hs.SetServingStatus(n, healthpb.HealthCheckResponse_NOT_SERVING)
					}
					return
				}
			}
		}
	}()
}

// Stop halts the background watch loop started by Watch. Safe to call
// even if Watch was never called, and safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
}
