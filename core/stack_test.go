package core

import (
	"sync"
	"testing"

	"github.com/matryer/is"
)

func TestLockfreeStack_LIFOOrder(t *testing.T) {
	is := is.New(t)
	s := NewLockfreeStack(4)

	is.True(s.Empty())
	s.Push(0)
	s.Push(1)
	s.Push(2)
	is.True(!s.Empty())

	is.Equal(s.Pop(), int32(2))
	is.Equal(s.Pop(), int32(1))
	is.Equal(s.Pop(), int32(0))
	is.Equal(s.Pop(), int32(-1))
	is.True(s.Empty())
}

func TestLockfreeStack_PushReportsEmptyToNonEmptyTransition(t *testing.T) {
	is := is.New(t)
	s := NewLockfreeStack(4)

	is.True(s.Push(0))  // first push: was empty
	is.True(!s.Push(1)) // second push: was not empty
	s.Pop()
	s.Pop()
	is.True(s.Push(2)) // drained again: was empty
}

// TestLockfreeStack_ConcurrentPopNoDuplicates fills the stack, then has
// many goroutines race Pop against it until it is empty: every index
// pushed must be popped exactly once.
func TestLockfreeStack_ConcurrentPopNoDuplicates(t *testing.T) {
	const n = 200
	s := NewLockfreeStack(n)
	for i := n - 1; i >= 0; i-- {
		s.Push(int32(i))
	}

	var mu sync.Mutex
	seen := make(map[int32]int, n)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v := s.Pop()
				if v < 0 {
					return
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("got %d distinct popped values, want %d", len(seen), n)
	}
	for v, count := range seen {
		if count != 1 {
			t.Fatalf("index %d popped %d times, want exactly 1", v, count)
		}
	}
}
