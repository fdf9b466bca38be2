package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/mux"
	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/pkg/types"
)

// ChannelRequestTimeout bounds the wait for the relay's answer to a channel request
const ChannelRequestTimeout = 10 * time.Second

// ErrChannelRefused is returned when the relay or the destination refused a channel
var ErrChannelRefused = errors.New("channel request refused")

// channelInboxDepth is the number of blocks buffered per channel. Inbound
// blocks are dispatched one at a time, so a channel whose consumer falls this
// far behind holds up delivery for every other channel of the session until
// it catches up or the channel closes. The stall reaches the relay as
// backpressure on the session's stream.
const channelInboxDepth = 32

func (s *Session) handleBlock(ctx context.Context, channelID int64, block protocol.MessageBlock) error {
	if channelID != protocol.DefaultChannelID {
		err := s.channels.Route(ctx, channelID, block)
		if errors.Is(err, mux.ErrUnknownChannel) {
			logging.Warn("dropping message for unknown channel",
				logging.SessionID(s.id),
				logging.ChannelID(channelID),
				"type", block.Type().String(),
				logging.Component("client"))
			return nil
		}
		return err
	}

	switch block.Type() {
	case protocol.MessageTypeToolDescriptorListUpdate:
		update, err := protocol.DecodeBlock[types.ToolDescriptorListUpdate](block, protocol.MessageTypeToolDescriptorListUpdate)
		if err != nil {
			return err
		}
		s.handler.ProcessToolDescriptorListUpdate(update)
		return nil
	case protocol.MessageTypeChannelInit:
		offer, err := protocol.DecodeBlock[protocol.ChannelCreationRequest](block, protocol.MessageTypeChannelInit)
		if err != nil {
			return err
		}
		return s.acceptChannelOffer(offer)
	case protocol.MessageTypeChannelInitResponse:
		response, err := protocol.DecodeBlock[protocol.ChannelCreationResponse](block, protocol.MessageTypeChannelInitResponse)
		if err != nil {
			return err
		}
		s.deliverChannelResponse(response)
		return nil
	default:
		return protocol.NewProtocolError(protocol.ErrUnexpectedMessageType,
			"received %s on the default channel", block.Type())
	}
}

func (s *Session) acceptChannelOffer(offer protocol.ChannelCreationRequest) error {
	var ep *inbox
	switch offer.Type {
	case types.ChannelTypeDocumentation:
		ep = newInbox()
		s.goChannel("docs-provider", func() { s.provideDocumentation(offer, ep) })
	case types.ChannelTypeToolExecution:
		ep = newInbox()
		s.goChannel("exec-provider", func() { s.provideToolExecution(offer, ep) })
	default:
		logging.Warn("refusing channel of unknown type",
			logging.SessionID(s.id),
			"type", string(offer.Type),
			logging.Component("client"))
	}

	success := ep != nil
	if success {
		if err := s.channels.Register(offer.ChannelID, ep); err != nil {
			logging.Warn("refusing channel offer",
				logging.SessionID(s.id),
				logging.ChannelID(offer.ChannelID),
				logging.Err(err),
				logging.Component("client"))
			ep.Close()
			success = false
		}
	}

	response := protocol.ChannelCreationResponse{
		ChannelID: offer.ChannelID,
		RequestID: offer.RequestID,
		Success:   success,
	}
	block, err := protocol.EncodeBlock(protocol.MessageTypeChannelInitResponse, response)
	if err != nil {
		return err
	}
	if err := s.core.SendControl(block, protocol.PriorityChannelInitiation); err != nil {
		s.channels.Remove(offer.ChannelID)
		return fmt.Errorf("answer channel offer: %w", err)
	}
	logging.Debug("accepted channel offer",
		logging.SessionID(s.id),
		logging.ChannelID(offer.ChannelID),
		"type", string(offer.Type),
		"success", success,
		logging.Component("client"))
	return nil
}

// requestChannel asks the relay for a channel to destinationID and returns its id
func (s *Session) requestChannel(ctx context.Context, channelType types.ChannelType, destinationID string) (int64, error) {
	if !s.IsActive() {
		return protocol.UndefinedChannelID, ErrNotActive
	}
	requestID := uuid.NewString()
	answer := make(chan protocol.ChannelCreationResponse, 1)
	s.pendingMu.Lock()
	s.pending[requestID] = answer
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, requestID)
		s.pendingMu.Unlock()
	}()

	request := protocol.ChannelCreationRequest{
		Type:          channelType,
		DestinationID: destinationID,
		ChannelID:     protocol.UndefinedChannelID,
		RequestID:     requestID,
	}
	block, err := protocol.EncodeBlock(protocol.MessageTypeChannelInit, request)
	if err != nil {
		return protocol.UndefinedChannelID, err
	}
	if err := s.core.Send(ctx, protocol.DefaultChannelID, block, protocol.PriorityChannelInitiation, true); err != nil {
		return protocol.UndefinedChannelID, fmt.Errorf("send channel request: %w", err)
	}

	timer := time.NewTimer(ChannelRequestTimeout)
	defer timer.Stop()
	select {
	case response, ok := <-answer:
		if !ok {
			return protocol.UndefinedChannelID, ErrNotActive
		}
		if !response.Success || response.ChannelID == protocol.UndefinedChannelID {
			return protocol.UndefinedChannelID, fmt.Errorf("%w: %s channel to %q", ErrChannelRefused, channelType, destinationID)
		}
		return response.ChannelID, nil
	case <-timer.C:
		return protocol.UndefinedChannelID, fmt.Errorf("no answer to %s channel request within %v", channelType, ChannelRequestTimeout)
	case <-ctx.Done():
		return protocol.UndefinedChannelID, ctx.Err()
	case <-s.core.Context().Done():
		return protocol.UndefinedChannelID, ErrNotActive
	}
}

func (s *Session) deliverChannelResponse(response protocol.ChannelCreationResponse) {
	s.pendingMu.Lock()
	answer, ok := s.pending[response.RequestID]
	delete(s.pending, response.RequestID)
	s.pendingMu.Unlock()
	if !ok {
		logging.Warn("received answer to unknown channel request",
			logging.SessionID(s.id),
			"request_id", response.RequestID,
			logging.Component("client"))
		return
	}
	answer <- response
}

func (s *Session) failPendingRequests() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, answer := range s.pending {
		close(answer)
		delete(s.pending, id)
	}
}

// inbox is a channel endpoint that hands blocks to a goroutine owning the
// channel. HandleBlock blocks while the buffer is full; once the inbox is
// closed it discards blocks without blocking.
type inbox struct {
	blocks    chan protocol.MessageBlock
	closed    chan struct{}
	closeOnce sync.Once
}

func newInbox() *inbox {
	return &inbox{
		blocks: make(chan protocol.MessageBlock, channelInboxDepth),
		closed: make(chan struct{}),
	}
}

func (in *inbox) HandleBlock(ctx context.Context, block protocol.MessageBlock) error {
	select {
	case in.blocks <- block:
		return nil
	case <-in.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *inbox) Close() {
	in.closeOnce.Do(func() { close(in.closed) })
}

// errChannelClosed is returned by next once the channel went away
var errChannelClosed = errors.New("channel closed")

// next waits for the next block of the channel
func (in *inbox) next(ctx context.Context, timeout time.Duration) (protocol.MessageBlock, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case block := <-in.blocks:
		return block, nil
	case <-in.closed:
		select {
		case block := <-in.blocks:
			return block, nil
		default:
		}
		return protocol.MessageBlock{}, errChannelClosed
	case <-ctx.Done():
		return protocol.MessageBlock{}, ctx.Err()
	case <-expired:
		return protocol.MessageBlock{}, fmt.Errorf("no message within %v", timeout)
	}
}
