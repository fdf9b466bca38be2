// Package mux routes inbound message blocks to per-channel endpoints and
// hands out channel ids.
package mux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/moltbunker/uplink/internal/protocol"
)

var (
	ErrChannelExists  = errors.New("channel already registered")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrRegistryClosed = errors.New("channel registry closed")
	ErrInvalidChannel = errors.New("invalid channel id")
)

// Endpoint is one side of a channel. HandleBlock is called serially for all
// blocks of the channel, in arrival order.
type Endpoint interface {
	HandleBlock(ctx context.Context, block protocol.MessageBlock) error
	// Close releases the endpoint; it is called once when the channel is
	// removed or the session ends
	Close()
}

// Registry maps channel ids to endpoints for one session
type Registry struct {
	mu        sync.Mutex
	endpoints map[int64]Endpoint
	closed    bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[int64]Endpoint)}
}

// Register binds an endpoint to a channel id
func (r *Registry) Register(channelID int64, ep Endpoint) error {
	if channelID == protocol.UndefinedChannelID {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channelID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.endpoints[channelID]; exists {
		return fmt.Errorf("%w: %d", ErrChannelExists, channelID)
	}
	r.endpoints[channelID] = ep
	return nil
}

// Lookup returns the endpoint of a channel
func (r *Registry) Lookup(channelID int64) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[channelID]
	return ep, ok
}

// Remove unbinds a channel and closes its endpoint. It reports whether the
// channel was registered.
func (r *Registry) Remove(channelID int64) bool {
	r.mu.Lock()
	ep, ok := r.endpoints[channelID]
	delete(r.endpoints, channelID)
	r.mu.Unlock()
	if ok {
		ep.Close()
	}
	return ok
}

// Route delivers a block to the endpoint of its channel
func (r *Registry) Route(ctx context.Context, channelID int64, block protocol.MessageBlock) error {
	ep, ok := r.Lookup(channelID)
	if !ok {
		return fmt.Errorf("%w: %d (%s)", ErrUnknownChannel, channelID, block.Type())
	}
	return ep.HandleBlock(ctx, block)
}

// Len returns the number of registered channels
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.endpoints)
}

// ChannelIDs returns the registered channel ids in ascending order
func (r *Registry) ChannelIDs() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CloseAll closes every endpoint and rejects further registrations
func (r *Registry) CloseAll() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	endpoints := r.endpoints
	r.endpoints = make(map[int64]Endpoint)
	r.mu.Unlock()

	for _, ep := range endpoints {
		ep.Close()
	}
}

// IDAllocator hands out channel ids that never collide with the default or
// the undefined channel id
type IDAllocator struct {
	last atomic.Int64
}

// Next returns a fresh channel id
func (a *IDAllocator) Next() int64 {
	return a.last.Add(1)
}
