package flow

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moltbunker/uplink/internal/protocol"
)

type countingObserver struct {
	written  atomic.Int64
	rejected atomic.Int64
}

func (o *countingObserver) BlockWritten(protocol.Priority, protocol.MessageType, int) {
	o.written.Add(1)
}

func (o *countingObserver) EnqueueRejected(protocol.Priority) {
	o.rejected.Add(1)
}

func testBlock(t *testing.T, channelID int64, p protocol.Priority, payload string) OutboundBlock {
	t.Helper()
	block, err := protocol.NewMessageBlock(protocol.MessageTypeFileContent, []byte(payload))
	if err != nil {
		t.Fatalf("NewMessageBlock failed: %v", err)
	}
	return OutboundBlock{ChannelID: channelID, Priority: p, Block: block}
}

func decodeAll(t *testing.T, data []byte) []string {
	t.Helper()
	var payloads []string
	r := bytes.NewReader(data)
	for {
		_, block, err := protocol.ReadMessageBlock(r)
		if errors.Is(err, io.EOF) {
			return payloads
		}
		if err != nil {
			t.Fatalf("ReadMessageBlock failed: %v", err)
		}
		payloads = append(payloads, string(block.Data()))
	}
}

func runToCompletion(t *testing.T, q *Queue) []string {
	t.Helper()
	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- q.Run(&buf) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish")
	}
	return decodeAll(t, buf.Bytes())
}

func TestQueue_StrictPriorityOrder(t *testing.T) {
	q := NewQueue("test", protocol.BuiltinSettings(), nil)
	ctx := context.Background()

	for _, ob := range []OutboundBlock{
		testBlock(t, 5, protocol.PriorityForwarding, "fwd1"),
		testBlock(t, 1, protocol.PriorityDefault, "def1"),
		testBlock(t, 0, protocol.PriorityToolDescriptorUpdates, "tdu1"),
		testBlock(t, 1, protocol.PriorityDefault, "def2"),
		testBlock(t, 0, protocol.PriorityChannelInitiation, "ci1"),
	} {
		if err := q.Enqueue(ctx, ob, false); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	final := testBlock(t, 0, protocol.PriorityControl, "bye")
	q.Shutdown(&final, true)

	got := runToCompletion(t, q)
	want := []string{"ci1", "tdu1", "def1", "def2", "fwd1", "bye"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestQueue_PeriodicLowPriorityService(t *testing.T) {
	settings := protocol.BuiltinSettings()
	settings.LowPriorityServiceInterval = 2
	q := NewQueue("test", settings, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testBlock(t, 9, protocol.PriorityForwarding, "low"), false); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	for i := 0; i < 6; i++ {
		if err := q.Enqueue(ctx, testBlock(t, 0, protocol.PriorityChannelInitiation, "high"), false); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	q.Shutdown(nil, true)

	got := runToCompletion(t, q)
	if len(got) != 7 {
		t.Fatalf("expected 7 blocks, got %d", len(got))
	}
	if got[2] != "low" {
		t.Errorf("expected low priority block at position 2, got order %v", got)
	}
}

func TestQueue_NonBlockingFull(t *testing.T) {
	settings := protocol.BuiltinSettings().WithQueueDepth(protocol.PriorityToolDescriptorUpdates, 2)
	obs := &countingObserver{}
	q := NewQueue("test", settings, obs)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, testBlock(t, 0, protocol.PriorityToolDescriptorUpdates, "x"), false); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	err := q.Enqueue(ctx, testBlock(t, 0, protocol.PriorityToolDescriptorUpdates, "x"), false)
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if obs.rejected.Load() != 1 {
		t.Errorf("expected 1 rejection, got %d", obs.rejected.Load())
	}
	if q.Len(protocol.PriorityToolDescriptorUpdates) != 2 {
		t.Errorf("expected 2 queued blocks, got %d", q.Len(protocol.PriorityToolDescriptorUpdates))
	}

	// a full lane does not affect other lanes
	if err := q.Enqueue(ctx, testBlock(t, 3, protocol.PriorityForwarding, "y"), false); err != nil {
		t.Errorf("enqueue on other lane failed: %v", err)
	}

	q.Shutdown(nil, true)
	runToCompletion(t, q)
	if obs.written.Load() != 3 {
		t.Errorf("expected 3 written blocks, got %d", obs.written.Load())
	}
}

func TestQueue_BlockingEnqueueWaitsForSpace(t *testing.T) {
	settings := protocol.BuiltinSettings().WithQueueDepth(protocol.PriorityDefault, 1)
	q := NewQueue("test", settings, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testBlock(t, 1, protocol.PriorityDefault, "first"), true); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	enqueued := make(chan error, 1)
	go func() {
		enqueued <- q.Enqueue(ctx, testBlock(t, 1, protocol.PriorityDefault, "second"), true)
	}()

	select {
	case err := <-enqueued:
		t.Fatalf("blocking enqueue returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	var buf bytes.Buffer
	runDone := make(chan error, 1)
	go func() { runDone <- q.Run(&buf) }()

	select {
	case err := <-enqueued:
		if err != nil {
			t.Fatalf("blocking enqueue failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking enqueue did not complete after the writer started")
	}

	q.Shutdown(nil, true)
	if err := <-runDone; err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got := decodeAll(t, buf.Bytes())
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("unexpected output %v", got)
	}
}

func TestQueue_ContextCancelUnblocksEnqueue(t *testing.T) {
	settings := protocol.BuiltinSettings().WithQueueDepth(protocol.PriorityForwarding, 1)
	q := NewQueue("test", settings, nil)

	if err := q.Enqueue(context.Background(), testBlock(t, 1, protocol.PriorityForwarding, "a"), true); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, testBlock(t, 1, protocol.PriorityForwarding, "b"), true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	q.Abort()
}

func TestQueue_ShutdownWithoutFlush(t *testing.T) {
	settings := protocol.BuiltinSettings().WithQueueDepth(protocol.PriorityForwarding, 1)
	q := NewQueue("test", settings, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testBlock(t, 2, protocol.PriorityForwarding, "stale"), true); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Enqueue(ctx, testBlock(t, 2, protocol.PriorityForwarding, "never"), true)
	}()
	time.Sleep(50 * time.Millisecond)

	final := testBlock(t, 0, protocol.PriorityControl, "error-goodbye")
	q.Shutdown(&final, false)

	select {
	case err := <-blocked:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("expected ErrQueueClosed for blocked enqueuer, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked enqueuer was not released by shutdown")
	}

	got := runToCompletion(t, q)
	if len(got) != 1 || got[0] != "error-goodbye" {
		t.Errorf("expected only the final block, got %v", got)
	}

	if err := q.Enqueue(ctx, testBlock(t, 2, protocol.PriorityDefault, "late"), false); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed after shutdown, got %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestQueue_WriteErrorAbortsQueue(t *testing.T) {
	q := NewQueue("test", protocol.BuiltinSettings(), nil)
	if err := q.Enqueue(context.Background(), testBlock(t, 1, protocol.PriorityDefault, "x"), true); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	err := q.Run(failingWriter{})
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("expected io.ErrClosedPipe, got %v", err)
	}
	select {
	case <-q.Closed():
	default:
		t.Error("queue should be closed after a write error")
	}
	if err := q.Enqueue(context.Background(), testBlock(t, 1, protocol.PriorityDefault, "y"), true); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
}

type slowWriter struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	delay time.Duration
}

func (w *slowWriter) Write(p []byte) (int, error) {
	time.Sleep(w.delay)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func TestQueue_ConcurrentProducersKeepChannelOrder(t *testing.T) {
	settings := protocol.BuiltinSettings().WithQueueDepth(protocol.PriorityDefault, 2)
	q := NewQueue("test", settings, nil)
	w := &slowWriter{delay: time.Millisecond}

	runDone := make(chan error, 1)
	go func() { runDone <- q.Run(w) }()

	const producers = 4
	const perProducer = 20
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(channel int64) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				ob := testBlock(t, channel, protocol.PriorityDefault, string(rune('a'+i)))
				if err := q.Enqueue(context.Background(), ob, true); err != nil {
					t.Errorf("Enqueue failed: %v", err)
					return
				}
			}
		}(int64(p + 1))
	}
	wg.Wait()
	q.Shutdown(nil, true)
	if err := <-runDone; err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	next := make(map[int64]int)
	r := bytes.NewReader(w.buf.Bytes())
	count := 0
	for {
		channel, block, err := protocol.ReadMessageBlock(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadMessageBlock failed: %v", err)
		}
		want := string(rune('a' + next[channel]))
		if string(block.Data()) != want {
			t.Fatalf("channel %d: expected %s, got %s", channel, want, block.Data())
		}
		next[channel]++
		count++
	}
	if count != producers*perProducer {
		t.Errorf("expected %d blocks, got %d", producers*perProducer, count)
	}
}
