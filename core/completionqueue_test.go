package core

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestCompletionQueue_PostThenNext(t *testing.T) {
	is := is.New(t)
	cq := NewCompletionQueue()

	var doneCalled bool
	cq.Post(Completion{Tag: "t1", Success: true, Done: func() { doneCalled = true }})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := cq.Next(ctx)
	is.NoErr(err)
	is.Equal(c.Tag, "t1")
	is.True(c.Success)
	is.True(doneCalled)
}

func TestCompletionQueue_NextWakesOnPost(t *testing.T) {
	is := is.New(t)
	cq := NewCompletionQueue()

	result := make(chan Completion, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := cq.Next(ctx)
		if err == nil {
			result <- c
		}
	}()

	time.Sleep(20 * time.Millisecond)
	cq.Post(Completion{Tag: "woken", Success: true, Done: func() {}})

	select {
	case c := <-result:
		is.Equal(c.Tag, "woken")
	case <-time.After(2 * time.Second):
		t.Fatal("Next never woke up after Post")
	}
}

func TestCompletionQueue_ShutdownDrainsThenErrors(t *testing.T) {
	is := is.New(t)
	cq := NewCompletionQueue()
	cq.Post(Completion{Tag: "last", Success: true, Done: func() {}})
	cq.Shutdown()

	ctx := context.Background()
	c, err := cq.Next(ctx)
	is.NoErr(err)
	is.Equal(c.Tag, "last")

	_, err = cq.Next(ctx)
	is.Equal(err, ErrCompletionQueueShutdown)
}

func TestCompletionQueue_RegisterMarksServerCQ(t *testing.T) {
	is := is.New(t)
	cq := NewCompletionQueue()
	is.True(!cq.isServer())
	cq.markServerCQ()
	is.True(cq.isServer())
}
