// Package flow implements the per-session outbound message queue: one bounded
// lane per priority class, drained by a single writer.
package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/protocol"
)

var (
	// ErrQueueFull is returned by non-blocking enqueue attempts on a full lane
	ErrQueueFull = errors.New("outbound queue full")
	// ErrQueueClosed is returned once shutdown of the queue has begun
	ErrQueueClosed = errors.New("outbound queue closed")
)

// OutboundBlock is a message block waiting to be written on a channel
type OutboundBlock struct {
	ChannelID int64
	Priority  protocol.Priority
	Block     protocol.MessageBlock
}

// Observer receives queue events, e.g. for metrics
type Observer interface {
	BlockWritten(priority protocol.Priority, msgType protocol.MessageType, bytes int)
	EnqueueRejected(priority protocol.Priority)
}

type lane struct {
	slots   chan struct{} // one token per queued block; capacity is the lane depth
	pending []OutboundBlock
}

// Queue is the outbound queue of one session. Any number of goroutines may
// enqueue; exactly one goroutine runs Run and owns the underlying writer.
type Queue struct {
	name     string
	interval int
	observer Observer

	mu               sync.Mutex
	lanes            [protocol.NumPriorities]*lane
	consecutiveUpper int
	final            *OutboundBlock
	flushOnShutdown  bool

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	aborted   bool
}

// NewQueue creates a queue using the lane depths of settings. The name is used in logs.
func NewQueue(name string, settings protocol.Settings, observer Observer) *Queue {
	q := &Queue{
		name:     name,
		interval: settings.LowPriorityServiceInterval,
		observer: observer,
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	if q.interval < 1 {
		q.interval = 1
	}
	for _, p := range protocol.AllPriorities() {
		depth := settings.QueueDepth(p)
		if depth < 1 {
			depth = 1
		}
		q.lanes[p] = &lane{slots: make(chan struct{}, depth)}
	}
	return q
}

// Enqueue adds a block to the lane of its priority. If the lane is full and
// blockIfFull is set, the call waits for space, for ctx to end, or for the
// queue to shut down. Otherwise it fails with ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, ob OutboundBlock, blockIfFull bool) error {
	if !ob.Priority.Valid() {
		return fmt.Errorf("invalid priority %d", ob.Priority)
	}
	l := q.lanes[ob.Priority]

	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	if blockIfFull {
		select {
		case l.slots <- struct{}{}:
		case <-q.closed:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		select {
		case l.slots <- struct{}{}:
		default:
			if q.observer != nil {
				q.observer.EnqueueRejected(ob.Priority)
			}
			return ErrQueueFull
		}
	}

	q.mu.Lock()
	select {
	case <-q.closed:
		q.mu.Unlock()
		<-l.slots
		return ErrQueueClosed
	default:
	}
	l.pending = append(l.pending, ob)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Len returns the number of queued blocks for a priority
func (q *Queue) Len(p protocol.Priority) int {
	if !p.Valid() {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[p].pending)
}

// Shutdown stops accepting new blocks and makes final the last block Run
// writes. With flush set, blocks that are already queued are written first;
// otherwise they are discarded. Only the first call has an effect.
func (q *Queue) Shutdown(final *OutboundBlock, flush bool) {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.final = final
		q.flushOnShutdown = flush
		close(q.closed)
		q.mu.Unlock()
		q.signal()
	})
}

// Abort stops the queue without writing anything further, e.g. after the
// stream has failed
func (q *Queue) Abort() {
	q.mu.Lock()
	q.aborted = true
	q.mu.Unlock()
	q.Shutdown(nil, false)
}

// Closed is closed once Shutdown or Abort has been called
func (q *Queue) Closed() <-chan struct{} {
	return q.closed
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run writes queued blocks to w until the queue has been shut down and
// drained, or a write fails. It must be called by exactly one goroutine.
func (q *Queue) Run(w io.Writer) error {
	for {
		ob, done := q.next()
		if done {
			return nil
		}
		if ob == nil {
			<-q.wake
			continue
		}
		if err := protocol.WriteMessageBlock(w, ob.ChannelID, ob.Block); err != nil {
			q.Abort()
			return err
		}
		if q.observer != nil {
			q.observer.BlockWritten(ob.Priority, ob.Block.Type(), ob.Block.TotalLength())
		}
	}
}

// next picks the block to write. It returns (nil, false) if there is nothing
// to do yet and (nil, true) once the queue is finished.
func (q *Queue) next() (*OutboundBlock, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.aborted {
		return nil, true
	}

	shuttingDown := false
	select {
	case <-q.closed:
		shuttingDown = true
	default:
	}

	if shuttingDown && !q.flushOnShutdown {
		q.discardPendingLocked()
	}

	if ob := q.pickLocked(); ob != nil {
		return ob, false
	}

	if shuttingDown {
		if q.final != nil {
			final := q.final
			q.final = nil
			return final, false
		}
		return nil, true
	}
	return nil, false
}

// pickLocked implements strict priority with periodic service of lower lanes:
// after interval consecutive blocks from a higher lane while a lower lane was
// waiting, one block of the highest waiting lower lane is taken instead.
func (q *Queue) pickLocked() *OutboundBlock {
	top := -1
	for i, l := range q.lanes {
		if len(l.pending) > 0 {
			top = i
			break
		}
	}
	if top < 0 {
		q.consecutiveUpper = 0
		return nil
	}

	lower := -1
	for i := top + 1; i < len(q.lanes); i++ {
		if len(q.lanes[i].pending) > 0 {
			lower = i
			break
		}
	}

	chosen := top
	switch {
	case lower < 0:
		q.consecutiveUpper = 0
	case q.consecutiveUpper >= q.interval:
		chosen = lower
		q.consecutiveUpper = 0
	default:
		q.consecutiveUpper++
	}

	l := q.lanes[chosen]
	ob := l.pending[0]
	l.pending[0] = OutboundBlock{}
	l.pending = l.pending[1:]
	<-l.slots
	return &ob
}

func (q *Queue) discardPendingLocked() {
	discarded := 0
	for _, l := range q.lanes {
		for range l.pending {
			<-l.slots
			discarded++
		}
		l.pending = nil
	}
	if discarded > 0 {
		logging.Debug("discarded queued message blocks on shutdown",
			"queue", q.name,
			"count", discarded,
			logging.Component("flow"))
	}
}
