package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestListener_DrainsChannel(t *testing.T) {
	in := make(chan int, 4)

	var mu sync.Mutex
	var got []int
	l := New(in, func(v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})
	l.Start(context.Background())
	defer l.Stop()

	in <- 1
	in <- 2
	in <- 3

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 handled events, got %d", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestListener_HandlerErrorDoesNotStopDrain(t *testing.T) {
	in := make(chan int, 2)

	var mu sync.Mutex
	var got []int
	l := New(in, func(v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		if v == 1 {
			return errors.New("bad event")
		}
		return nil
	})
	l.Start(context.Background())
	defer l.Stop()

	in <- 1
	in <- 2

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("drain stopped after handler error, handled %d", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestListener_StopRunsStopHandler(t *testing.T) {
	in := make(chan int)
	stopped := false
	l := New(in, func(int) error { return nil }, func() { stopped = true })

	l.Start(context.Background())
	l.Stop()

	if !stopped {
		t.Fatal("stop handler was not called")
	}
}
