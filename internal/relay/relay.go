// Package relay implements the server side of uplink: it accepts client
// sessions, assigns namespaces, caches and broadcasts tool descriptor lists
// and routes channels between sessions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/mux"
	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/internal/util"
	"github.com/moltbunker/uplink/pkg/types"
)

var (
	// ErrRelayClosed is returned for connections arriving after Shutdown
	ErrRelayClosed = errors.New("relay is shut down")

	errUnknownDestination = errors.New("no active session for destination")
	errSelfDestination    = errors.New("destination belongs to the requesting session")
)

// Options configures a Relay
type Options struct {
	Settings protocol.Settings
	// DestinationLookupAttempts and DestinationLookupInterval bound the search
	// for a channel destination whose session is still activating
	DestinationLookupAttempts int
	DestinationLookupInterval time.Duration
	// InboundRate limits the blocks per second a session may send; zero disables it
	InboundRate  float64
	InboundBurst int
	Metrics      Metrics
}

// DefaultOptions returns the relay defaults
func DefaultOptions() Options {
	return Options{
		Settings:                  protocol.DefaultSettings(),
		DestinationLookupAttempts: 5,
		DestinationLookupInterval: 500 * time.Millisecond,
	}
}

// route connects the two sessions of a channel
type route struct {
	channelType types.ChannelType
	requestID   string
	initiator   *ServerSession
	destination *ServerSession
	established bool
}

// Relay holds the state shared by all server sessions
type Relay struct {
	opts       Options
	namespaces *NamespaceRegistry

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	// mu guards the active set and the descriptor cache; broadcasts are
	// enqueued while holding it so every session sees the updates of a
	// source in cache order
	mu          sync.Mutex
	sessions    map[string]*ServerSession
	active      map[string]*ServerSession
	descriptors map[string]types.ToolDescriptorListUpdate

	routesMu   sync.Mutex
	routes     map[int64]*route
	channelIDs mux.IDAllocator
}

// New creates a relay
func New(opts Options) *Relay {
	if opts.Settings.HandshakeResponseTimeout <= 0 {
		opts.Settings = protocol.DefaultSettings()
	}
	if opts.DestinationLookupAttempts < 1 {
		opts.DestinationLookupAttempts = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		opts:        opts,
		namespaces:  NewNamespaceRegistry(),
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*ServerSession),
		active:      make(map[string]*ServerSession),
		descriptors: make(map[string]types.ToolDescriptorListUpdate),
		routes:      make(map[int64]*route),
	}
}

// ServeConnection runs a server session for an accepted stream until it
// ends. login is the authenticated account name. It returns the final state.
func (r *Relay) ServeConnection(stream io.ReadWriteCloser, login string) types.SessionState {
	if r.closed.Load() {
		logging.Debug("rejecting connection", "login", login, logging.Err(ErrRelayClosed), logging.Component("relay"))
		stream.Close()
		return types.SessionStateRefusedOrHandshakeError
	}
	r.wg.Add(1)
	defer r.wg.Done()

	s := newServerSession(r, stream, login)
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.sessions, s.id)
		r.mu.Unlock()
	}()

	return s.run()
}

// IsNamespaceAssigned reports whether an active or activating session holds namespaceID
func (r *Relay) IsNamespaceAssigned(namespaceID string) bool {
	return r.namespaces.IsNamespaceAssigned(namespaceID)
}

// ActiveSessionCount returns the number of sessions in ACTIVE state
func (r *Relay) ActiveSessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// SessionCount returns the number of sessions that have not finished yet
func (r *Relay) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CachedDescriptorLists returns the retained descriptor lists, sorted by destination id
func (r *Relay) CachedDescriptorLists() []types.ToolDescriptorListUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	lists := make([]types.ToolDescriptorListUpdate, 0, len(r.descriptors))
	for _, update := range r.descriptors {
		lists = append(lists, update)
	}
	sort.Slice(lists, func(i, j int) bool { return lists[i].DestinationID < lists[j].DestinationID })
	return lists
}

// Shutdown stops accepting sessions and asks every session to shut down
// cleanly. Sessions still running when ctx expires are aborted.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.closed.Store(true)
	r.cancel()

	r.mu.Lock()
	sessions := make([]*ServerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	logging.Info("shutting down relay",
		"sessions", len(sessions),
		logging.Component("relay"))
	for _, s := range sessions {
		s.core.RequestShutdown()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	r.mu.Lock()
	for _, s := range r.sessions {
		s.core.Abort("The relay is shutting down")
	}
	r.mu.Unlock()
	<-done
	return ctx.Err()
}

// activate adds s to the active set and replays the descriptor cache to it
func (r *Relay) activate(s *ServerSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[s.id] = s
	replayed := 0
	for _, update := range r.descriptors {
		if update.HasDestinationPrefix(s.prefix) {
			continue
		}
		if r.sendDescriptorUpdate(s, update) {
			replayed++
		}
	}
	logging.Debug("replayed tool descriptor lists",
		logging.SessionID(s.id),
		"lists", replayed,
		logging.Component("relay"))
}

// deactivate removes s from the active set and withdraws its descriptor
// lists from all remaining sessions
func (r *Relay) deactivate(s *ServerSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[s.id]; !ok {
		return
	}
	delete(r.active, s.id)
	r.opts.Metrics.SessionDeactivated()
	for id, update := range r.descriptors {
		if !update.HasDestinationPrefix(s.prefix) {
			continue
		}
		delete(r.descriptors, id)
		withdrawn := types.ToolDescriptorListUpdate{DestinationID: id, DisplayName: update.DisplayName}
		r.broadcastLocked(withdrawn, s)
		logging.Debug("withdrew tool descriptor list",
			logging.SessionID(s.id),
			logging.Destination(id),
			logging.Component("relay"))
	}
	r.opts.Metrics.DescriptorCacheSize(len(r.descriptors))
}

// publish caches a descriptor list update and broadcasts it to every other
// active session. Empty lists are broadcast but not retained.
func (r *Relay) publish(s *ServerSession, update types.ToolDescriptorListUpdate) {
	if !update.HasDestinationPrefix(s.prefix) {
		logging.Warn("dropping tool descriptor list for foreign destination",
			logging.SessionID(s.id),
			logging.Destination(update.DestinationID),
			logging.Component("relay"))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[s.id]; !ok {
		logging.Debug("dropping tool descriptor list from inactive session",
			logging.SessionID(s.id),
			logging.Destination(update.DestinationID),
			logging.Component("relay"))
		return
	}
	if update.IsEmpty() {
		if _, ok := r.descriptors[update.DestinationID]; !ok {
			logging.Warn("empty tool descriptor list for a destination without cached entry",
				logging.SessionID(s.id),
				logging.Destination(update.DestinationID),
				logging.Component("relay"))
		}
		delete(r.descriptors, update.DestinationID)
	} else {
		r.descriptors[update.DestinationID] = update
	}
	r.opts.Metrics.DescriptorCacheSize(len(r.descriptors))
	r.broadcastLocked(update, s)
	logging.Debug("published tool descriptor list",
		logging.SessionID(s.id),
		logging.Destination(update.DestinationID),
		"tools", len(update.ToolDescriptors),
		logging.Component("relay"))
}

func (r *Relay) broadcastLocked(update types.ToolDescriptorListUpdate, source *ServerSession) {
	for _, target := range r.active {
		if target == source {
			continue
		}
		r.sendDescriptorUpdate(target, update)
	}
}

// sendDescriptorUpdate enqueues an update without waiting; a full queue
// drops it
func (r *Relay) sendDescriptorUpdate(target *ServerSession, update types.ToolDescriptorListUpdate) bool {
	block, err := protocol.EncodeBlock(protocol.MessageTypeToolDescriptorListUpdate, update)
	if err != nil {
		logging.Error("failed to encode tool descriptor list",
			logging.Destination(update.DestinationID), logging.Err(err), logging.Component("relay"))
		return false
	}
	if err := target.core.SendControl(block, protocol.PriorityToolDescriptorUpdates); err != nil {
		r.opts.Metrics.DescriptorUpdateDropped(update.IsEmpty())
		logging.Warn("dropping tool descriptor list update",
			logging.SessionID(target.id),
			logging.Destination(update.DestinationID),
			"withdrawal", update.IsEmpty(),
			logging.Err(err),
			logging.Component("relay"))
		return false
	}
	return true
}

// findDestination returns the active session owning destinationID
func (r *Relay) findDestination(initiator *ServerSession, destinationID string) (*ServerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if initiator.prefix != "" && strings.HasPrefix(destinationID, initiator.prefix) {
		return nil, util.MarkNonRetryable(errSelfDestination)
	}
	for _, s := range r.active {
		if s.prefix != "" && strings.HasPrefix(destinationID, s.prefix) {
			return s, nil
		}
	}
	return nil, errUnknownDestination
}

// openChannel resolves the destination of a channel request and offers the
// channel to it. It runs on its own goroutine because the lookup may wait for
// an activating destination.
func (r *Relay) openChannel(initiator *ServerSession, request protocol.ChannelCreationRequest) {
	ctx := initiator.core.Context()
	config := util.ConstantRetryConfig(r.opts.DestinationLookupAttempts, r.opts.DestinationLookupInterval)
	destination, result := util.RetryWithValue(ctx, config, func() (*ServerSession, error) {
		return r.findDestination(initiator, request.DestinationID)
	})
	if result.LastError != nil || !request.Type.Valid() {
		err := result.LastError
		if err == nil {
			err = fmt.Errorf("unknown channel type %q", request.Type)
		}
		logging.Info("refusing channel request",
			logging.SessionID(initiator.id),
			logging.Destination(request.DestinationID),
			"type", string(request.Type),
			logging.Err(err),
			logging.Component("relay"))
		r.opts.Metrics.ChannelRefused(request.Type)
		initiator.sendChannelResponse(protocol.ChannelCreationResponse{
			ChannelID: protocol.UndefinedChannelID,
			RequestID: request.RequestID,
			Success:   false,
		}, false)
		return
	}

	channelID := r.channelIDs.Next()
	r.routesMu.Lock()
	r.routes[channelID] = &route{
		channelType: request.Type,
		requestID:   request.RequestID,
		initiator:   initiator,
		destination: destination,
	}
	r.routesMu.Unlock()

	offer := request
	offer.ChannelID = channelID
	block, err := protocol.EncodeBlock(protocol.MessageTypeChannelInit, offer)
	if err == nil {
		err = destination.core.Send(ctx, protocol.DefaultChannelID, block, protocol.PriorityChannelInitiation, true)
	}
	if err != nil {
		r.removeRoute(channelID)
		logging.Warn("could not offer channel to destination",
			logging.SessionID(initiator.id),
			logging.ChannelID(channelID),
			logging.Destination(request.DestinationID),
			logging.Err(err),
			logging.Component("relay"))
		r.opts.Metrics.ChannelRefused(request.Type)
		initiator.sendChannelResponse(protocol.ChannelCreationResponse{
			ChannelID: protocol.UndefinedChannelID,
			RequestID: request.RequestID,
		}, false)
		return
	}
	logging.Debug("offered channel",
		logging.SessionID(initiator.id),
		logging.ChannelID(channelID),
		logging.Destination(request.DestinationID),
		"destination_session", destination.id,
		"type", string(request.Type),
		logging.Component("relay"))
}

// channelAnswered forwards the destination's answer to a channel offer
func (r *Relay) channelAnswered(from *ServerSession, response protocol.ChannelCreationResponse) {
	r.routesMu.Lock()
	rt, ok := r.routes[response.ChannelID]
	valid := ok && rt.destination == from && !rt.established
	if valid {
		if response.Success {
			rt.established = true
		} else {
			delete(r.routes, response.ChannelID)
		}
	}
	r.routesMu.Unlock()
	if !valid {
		logging.Warn("ignoring channel answer from a session that was not offered the channel",
			logging.SessionID(from.id),
			logging.ChannelID(response.ChannelID),
			logging.Component("relay"))
		return
	}

	if response.Success {
		r.opts.Metrics.ChannelOpened(rt.channelType)
	} else {
		r.opts.Metrics.ChannelRefused(rt.channelType)
	}
	forwarded := protocol.ChannelCreationResponse{
		ChannelID: response.ChannelID,
		RequestID: rt.requestID,
		Success:   response.Success,
	}
	if !response.Success {
		forwarded.ChannelID = protocol.UndefinedChannelID
	}
	rt.initiator.sendChannelResponse(forwarded, true)
}

// forward passes a block of a non-default channel to the other party
func (r *Relay) forward(ctx context.Context, from *ServerSession, channelID int64, block protocol.MessageBlock) error {
	r.routesMu.Lock()
	rt, ok := r.routes[channelID]
	r.routesMu.Unlock()
	if !ok {
		logging.Warn("dropping message for unknown channel",
			logging.SessionID(from.id),
			logging.ChannelID(channelID),
			"type", block.Type().String(),
			logging.Component("relay"))
		return nil
	}

	var to *ServerSession
	switch from {
	case rt.initiator:
		to = rt.destination
	case rt.destination:
		to = rt.initiator
	default:
		logging.Error("dropping message from a session that is not part of the channel",
			logging.SessionID(from.id),
			logging.ChannelID(channelID),
			"type", block.Type().String(),
			logging.Component("relay"))
		return nil
	}

	err := to.core.Send(ctx, channelID, block, protocol.PriorityForwarding, true)
	if block.Type() == protocol.MessageTypeChannelClose {
		r.removeRoute(channelID)
	}
	if err != nil {
		logging.Debug("could not forward message",
			logging.SessionID(from.id),
			logging.ChannelID(channelID),
			"to", to.id,
			logging.Err(err),
			logging.Component("relay"))
		return nil
	}
	r.opts.Metrics.BlockForwarded(block.Type(), block.TotalLength())
	return nil
}

func (r *Relay) removeRoute(channelID int64) {
	r.routesMu.Lock()
	delete(r.routes, channelID)
	r.routesMu.Unlock()
}

// dropRoutes removes every channel s is part of and tells the other party
// that the channel is gone
func (r *Relay) dropRoutes(s *ServerSession) {
	type orphan struct {
		channelID int64
		peer      *ServerSession
	}
	var orphans []orphan
	r.routesMu.Lock()
	for id, rt := range r.routes {
		switch s {
		case rt.initiator:
			orphans = append(orphans, orphan{id, rt.destination})
		case rt.destination:
			orphans = append(orphans, orphan{id, rt.initiator})
		default:
			continue
		}
		delete(r.routes, id)
	}
	r.routesMu.Unlock()

	for _, o := range orphans {
		closeBlock := protocol.EmptyMessageBlock(protocol.MessageTypeChannelClose)
		if err := o.peer.core.Send(o.peer.core.Context(), o.channelID, closeBlock, protocol.PriorityForwarding, false); err != nil {
			logging.Debug("could not close orphaned channel",
				logging.SessionID(o.peer.id),
				logging.ChannelID(o.channelID),
				logging.Err(err),
				logging.Component("relay"))
		}
	}
}

// RouteCount returns the number of open channel routes
func (r *Relay) RouteCount() int {
	r.routesMu.Lock()
	defer r.routesMu.Unlock()
	return len(r.routes)
}

// goTracked runs fn on a goroutine the relay waits for on shutdown
func (r *Relay) goTracked(name string, fn func()) {
	r.wg.Add(1)
	util.SafeGoWithName(name, func() {
		defer r.wg.Done()
		fn()
	})
}
