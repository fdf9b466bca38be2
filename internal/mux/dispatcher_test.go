package mux

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDispatcher_RunsInOrder(t *testing.T) {
	d := NewDispatcher("order", 4)
	d.Start()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		if err := d.Submit(context.Background(), func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	d.Drain()
	<-d.Done()

	if len(got) != 50 {
		t.Fatalf("expected 50 tasks, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestDispatcher_FullQueueBlocksSubmitter(t *testing.T) {
	d := NewDispatcher("full", 1)
	d.Start()

	release := make(chan struct{})
	started := make(chan struct{})
	if err := d.Submit(context.Background(), func() {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started
	// fills the single slot
	if err := d.Submit(context.Background(), func() {}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Submit(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}

	close(release)
	d.Stop()
	<-d.Done()
}

func TestDispatcher_StopRejectsSubmit(t *testing.T) {
	d := NewDispatcher("stop", 2)
	d.Start()
	d.Stop()
	<-d.Done()

	if err := d.Submit(context.Background(), func() {}); !errors.Is(err, ErrDispatcherStopped) {
		t.Errorf("expected ErrDispatcherStopped, got %v", err)
	}
}

func TestDispatcher_RecoversFromPanic(t *testing.T) {
	d := NewDispatcher("panic", 2)
	d.Start()

	ran := make(chan struct{})
	if err := d.Submit(context.Background(), func() { panic("task failure") }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := d.Submit(context.Background(), func() { close(ran) }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher stopped after a panicking task")
	}
	d.Stop()
	<-d.Done()
}
