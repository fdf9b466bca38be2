package mux

import (
	"context"
	"errors"
	"sync"

	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/util"
)

// ErrDispatcherStopped is returned by Submit after Stop
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Dispatcher runs submitted tasks one at a time, in submission order, on its
// own goroutine. The task queue is bounded, so a slow consumer pushes back on
// the submitter.
type Dispatcher struct {
	name     string
	tasks    chan func()
	quit     chan struct{}
	draining chan struct{}
	done     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	drainOnce sync.Once
}

// NewDispatcher creates a dispatcher holding at most depth pending tasks
func NewDispatcher(name string, depth int) *Dispatcher {
	if depth < 1 {
		depth = 1
	}
	return &Dispatcher{
		name:     name,
		tasks:    make(chan func(), depth),
		quit:     make(chan struct{}),
		draining: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutine. Later calls do nothing.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		util.SafeGoWithName("dispatcher-"+d.name, d.run)
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		default:
		}
		select {
		case task := <-d.tasks:
			d.runTask(task)
		case <-d.quit:
			return
		case <-d.draining:
			d.drainPending()
			return
		}
	}
}

func (d *Dispatcher) drainPending() {
	for {
		select {
		case task := <-d.tasks:
			d.runTask(task)
		case <-d.quit:
			return
		default:
			return
		}
	}
}

func (d *Dispatcher) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("panic in dispatched task",
				"dispatcher", d.name,
				"panic", r,
				logging.Component("mux"))
		}
	}()
	task()
}

// Submit queues a task, waiting while the queue is full
func (d *Dispatcher) Submit(ctx context.Context, task func()) error {
	select {
	case <-d.quit:
		return ErrDispatcherStopped
	case <-d.draining:
		return ErrDispatcherStopped
	default:
	}
	select {
	case d.tasks <- task:
		return nil
	case <-d.quit:
		return ErrDispatcherStopped
	case <-d.draining:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop makes the worker exit after the task it is currently running.
// Pending tasks are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.quit) })
}

// Drain stops accepting tasks; the worker runs what is already queued and exits
func (d *Dispatcher) Drain() {
	d.drainOnce.Do(func() { close(d.draining) })
}

// Done is closed when the worker goroutine has exited. It never closes if
// Start was not called.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}
