package core

import (
	"context"
	"errors"
	"sync"
)

// ErrCompletionQueueShutdown is returned by Next once Shutdown has been
// called and every pending completion has been drained.
var ErrCompletionQueueShutdown = errors.New("rpccore: completion queue shut down")

// Completion is a single posted event: a tag the application recognizes,
// whether the associated operation succeeded, and a done callback the
// queue invokes once the completion has been handed to a consumer. Server
// entry points use Done to return request slots to the free-list and to
// drop the server reference the async operation was holding — spec.md's
// "posts the completion with a done-callback and storage pointer".
type Completion struct {
	Tag     any
	Success bool
	Done    func()
}

// CompletionQueue is a minimal, thread-safe FIFO of completions with a
// blocking consumer call. The core treats completion-queue implementation
// as an external collaborator (spec.md §1); this is the reference one,
// built the way the teacher's EventLog builds its wakeup fan-out: a
// closed-and-replaced notify channel rather than a condition variable.
type CompletionQueue struct {
	mu         sync.Mutex
	items      []Completion
	notify     chan struct{}
	isServerCQ bool
	shutdown   bool
}

// NewCompletionQueue creates an empty completion queue.
func NewCompletionQueue() *CompletionQueue {
	return &CompletionQueue{notify: make(chan struct{})}
}

// Post appends a completion and wakes any blocked Next callers.
func (q *CompletionQueue) Post(c Completion) {
	q.mu.Lock()
	q.items = append(q.items, c)
	ch := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(ch)
}

// Next blocks until a completion is available, ctx is cancelled, or the
// queue is shut down with nothing left to deliver.
func (q *CompletionQueue) Next(ctx context.Context) (Completion, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			c := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			c.Done()
			return c, nil
		}
		if q.shutdown {
			q.mu.Unlock()
			return Completion{}, ErrCompletionQueueShutdown
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		}
	}
}

// Shutdown marks the queue closed once fully drained; any Next call made
// after the last buffered completion is consumed returns
// ErrCompletionQueueShutdown instead of blocking forever.
func (q *CompletionQueue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	ch := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(ch)
}

func (q *CompletionQueue) markServerCQ() {
	q.mu.Lock()
	q.isServerCQ = true
	q.mu.Unlock()
}

func (q *CompletionQueue) isServer() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isServerCQ
}
