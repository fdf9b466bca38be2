package mux

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/moltbunker/uplink/internal/protocol"
)

type recordingEndpoint struct {
	mu     sync.Mutex
	blocks []protocol.MessageType
	closed int
	err    error
}

func (e *recordingEndpoint) HandleBlock(_ context.Context, block protocol.MessageBlock) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocks = append(e.blocks, block.Type())
	return e.err
}

func (e *recordingEndpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
}

func TestRegistry_RegisterAndRoute(t *testing.T) {
	r := NewRegistry()
	ep := &recordingEndpoint{}

	if err := r.Register(7, ep); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(7, &recordingEndpoint{}); !errors.Is(err, ErrChannelExists) {
		t.Errorf("expected ErrChannelExists, got %v", err)
	}
	if err := r.Register(protocol.UndefinedChannelID, ep); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("expected ErrInvalidChannel, got %v", err)
	}

	block := protocol.EmptyMessageBlock(protocol.MessageTypeChannelClose)
	if err := r.Route(context.Background(), 7, block); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if err := r.Route(context.Background(), 8, block); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
	if len(ep.blocks) != 1 || ep.blocks[0] != protocol.MessageTypeChannelClose {
		t.Errorf("unexpected routed blocks: %v", ep.blocks)
	}
}

func TestRegistry_RouteReturnsEndpointError(t *testing.T) {
	r := NewRegistry()
	want := errors.New("boom")
	if err := r.Register(3, &recordingEndpoint{err: want}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	err := r.Route(context.Background(), 3, protocol.EmptyMessageBlock(protocol.MessageTypeFileContent))
	if !errors.Is(err, want) {
		t.Errorf("expected endpoint error, got %v", err)
	}
}

func TestRegistry_RemoveClosesOnce(t *testing.T) {
	r := NewRegistry()
	ep := &recordingEndpoint{}
	if err := r.Register(1, ep); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !r.Remove(1) {
		t.Error("expected Remove to report an existing channel")
	}
	if r.Remove(1) {
		t.Error("second Remove should report a missing channel")
	}
	if ep.closed != 1 {
		t.Errorf("expected endpoint closed once, got %d", ep.closed)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	eps := []*recordingEndpoint{{}, {}, {}}
	for i, ep := range eps {
		if err := r.Register(int64(i+1), ep); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	if ids := r.ChannelIDs(); len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Errorf("unexpected channel ids %v", ids)
	}

	r.CloseAll()
	r.CloseAll()
	for i, ep := range eps {
		if ep.closed != 1 {
			t.Errorf("endpoint %d: expected closed once, got %d", i, ep.closed)
		}
	}
	if err := r.Register(9, &recordingEndpoint{}); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("expected ErrRegistryClosed, got %v", err)
	}
}

func TestIDAllocator_Unique(t *testing.T) {
	var a IDAllocator
	const workers = 8
	const perWorker = 500

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := a.Next()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate channel id %d", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("expected %d ids, got %d", workers*perWorker, len(seen))
	}
	if seen[protocol.DefaultChannelID] || seen[protocol.UndefinedChannelID] {
		t.Error("allocator must not hand out reserved channel ids")
	}
}
