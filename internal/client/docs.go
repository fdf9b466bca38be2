package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/internal/transfer"
	"github.com/moltbunker/uplink/pkg/types"
)

// errIncompleteTransfer aborts a documentation stream whose channel closed early
var errIncompleteTransfer = errors.New("documentation transfer ended before all data arrived")

// FetchDocumentationData requests a documentation blob from the client
// offering destinationID. It returns nil without error if the documentation
// is not available or the relay refused the channel, e.g. because the
// destination belongs to this session. The caller must read the returned
// source to the end or close it.
func (s *Session) FetchDocumentationData(ctx context.Context, destinationID, docReferenceID string) (*transfer.SizeValidatedDataSource, error) {
	channelID, err := s.requestChannel(ctx, types.ChannelTypeDocumentation, destinationID)
	if errors.Is(err, ErrChannelRefused) {
		logging.Info("documentation request refused",
			logging.SessionID(s.id),
			logging.Destination(destinationID),
			"reference", docReferenceID,
			logging.Component("client"))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ep := newInbox()
	if err := s.channels.Register(channelID, ep); err != nil {
		return nil, err
	}
	request := protocol.ToolDocumentationRequest{ReferenceID: docReferenceID}
	if err := s.sendEncoded(ctx, channelID, protocol.MessageTypeToolDocumentationRequest, request); err != nil {
		s.channels.Remove(channelID)
		return nil, fmt.Errorf("send documentation request: %w", err)
	}

	block, err := ep.next(ctx, ChannelRequestTimeout)
	if err != nil {
		s.channels.Remove(channelID)
		return nil, fmt.Errorf("waiting for documentation response: %w", err)
	}
	response, err := protocol.DecodeBlock[protocol.ToolDocumentationResponse](block, protocol.MessageTypeToolDocumentationResponse)
	if err != nil {
		s.channels.Remove(channelID)
		return nil, err
	}

	var r *transfer.Reassembler
	if response.Available {
		if response.Size < 0 {
			s.channels.Remove(channelID)
			return nil, protocol.NewProtocolError(nil, "negative documentation size %d", response.Size)
		}
		r = transfer.NewReassembler(response.Size, transfer.DefaultBufferedChunks)
		logging.Debug("receiving documentation",
			logging.SessionID(s.id),
			logging.ChannelID(channelID),
			"reference", docReferenceID,
			"size", humanize.IBytes(uint64(response.Size)),
			logging.Component("client"))
	}
	s.goChannel("docs-receiver", func() { s.receiveDocumentation(channelID, ep, r) })
	if r == nil {
		return nil, nil
	}
	return r.DataSource(), nil
}

// receiveDocumentation feeds content chunks into r until the provider closes the channel
func (s *Session) receiveDocumentation(channelID int64, ep *inbox, r *transfer.Reassembler) {
	ctx := s.core.Context()
	defer s.channels.Remove(channelID)
	for {
		block, err := ep.next(ctx, 0)
		if err != nil {
			if r != nil && !r.Complete() {
				r.Abort(errIncompleteTransfer)
			}
			return
		}
		switch block.Type() {
		case protocol.MessageTypeFileContent:
			if r == nil {
				logging.Warn("dropping documentation content after negative response",
					logging.SessionID(s.id), logging.ChannelID(channelID), logging.Component("client"))
				continue
			}
			if err := r.AddChunk(ctx, block.Data()); err != nil {
				logging.Warn("documentation transfer failed",
					logging.SessionID(s.id), logging.ChannelID(channelID), logging.Err(err), logging.Component("client"))
				r.Abort(err)
				return
			}
		case protocol.MessageTypeChannelClose:
			if r != nil && !r.Complete() {
				r.Abort(errIncompleteTransfer)
			}
			return
		default:
			logging.Warn("unexpected message on documentation channel",
				logging.SessionID(s.id),
				logging.ChannelID(channelID),
				"type", block.Type().String(),
				logging.Component("client"))
		}
	}
}

// provideDocumentation answers one documentation request on an offered channel
func (s *Session) provideDocumentation(offer protocol.ChannelCreationRequest, ep *inbox) {
	ctx := s.core.Context()
	channelID := offer.ChannelID
	defer s.channels.Remove(channelID)

	block, err := ep.next(ctx, ChannelRequestTimeout)
	if err != nil {
		logging.Debug("documentation channel ended without request",
			logging.SessionID(s.id), logging.ChannelID(channelID), logging.Err(err), logging.Component("client"))
		return
	}
	request, err := protocol.DecodeBlock[protocol.ToolDocumentationRequest](block, protocol.MessageTypeToolDocumentationRequest)
	if err != nil {
		logging.Warn("invalid documentation request",
			logging.SessionID(s.id), logging.ChannelID(channelID), logging.Err(err), logging.Component("client"))
		s.closeChannel(ctx, channelID)
		return
	}

	source, err := s.handler.ProvideToolDocumentationData(offer.DestinationID, request.ReferenceID)
	if err != nil {
		logging.Warn("failed to provide documentation",
			logging.SessionID(s.id),
			logging.Destination(offer.DestinationID),
			"reference", request.ReferenceID,
			logging.Err(err),
			logging.Component("client"))
		source = nil
	}
	if source != nil {
		defer source.Close()
	}

	response := protocol.ToolDocumentationResponse{ReferenceID: request.ReferenceID, Available: source != nil}
	if source != nil {
		response.Size = source.Size()
	}
	if err := s.sendEncoded(ctx, channelID, protocol.MessageTypeToolDocumentationResponse, response); err != nil {
		return
	}
	if source != nil {
		err := transfer.SendChunks(ctx, source, source.Size(), func(ctx context.Context, chunk []byte) error {
			b, err := protocol.NewMessageBlock(protocol.MessageTypeFileContent, chunk)
			if err != nil {
				return err
			}
			return s.send(ctx, channelID, b)
		})
		if err != nil {
			logging.Warn("documentation upload failed",
				logging.SessionID(s.id), logging.ChannelID(channelID), logging.Err(err), logging.Component("client"))
		} else {
			logging.Debug("documentation sent",
				logging.SessionID(s.id),
				logging.ChannelID(channelID),
				"size", humanize.IBytes(uint64(source.Size())),
				logging.Component("client"))
		}
	}
	s.closeChannel(ctx, channelID)
}
