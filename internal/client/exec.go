package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/moltbunker/uplink/internal/execution"
	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/internal/transfer"
	"github.com/moltbunker/uplink/internal/util"
	"github.com/moltbunker/uplink/pkg/types"
)

const (
	inputSection  = "input"
	outputSection = "output"
)

var errExecutionAborted = errors.New("execution ended without a result")

// InitiateToolExecution asks the client offering setup.DestinationID to run
// a tool. It returns once the request has been sent; progress is reported to
// handler from a session goroutine.
func (s *Session) InitiateToolExecution(ctx context.Context, setup execution.ClientSideSetup, handler execution.EventHandler) (execution.Handle, error) {
	if handler == nil {
		return nil, errors.New("execution event handler is required")
	}
	channelID, err := s.requestChannel(ctx, types.ChannelTypeToolExecution, setup.DestinationID)
	if err != nil {
		return nil, err
	}

	ep := newInbox()
	if err := s.channels.Register(channelID, ep); err != nil {
		return nil, err
	}
	if err := s.sendEncoded(ctx, channelID, protocol.MessageTypeToolExecutionRequest, setup.Request()); err != nil {
		s.channels.Remove(channelID)
		return nil, fmt.Errorf("send execution request: %w", err)
	}
	logging.Info("tool execution requested",
		logging.SessionID(s.id),
		logging.ChannelID(channelID),
		logging.Destination(setup.DestinationID),
		"tool", setup.ToolID,
		"version", setup.ToolVersion,
		logging.Component("client"))

	h := &executionHandle{s: s, channelID: channelID}
	s.goChannel("exec-initiator", func() { s.followExecution(channelID, ep, handler, h) })
	return h, nil
}

// executionHandle sends at most one cancellation request, and only while no
// result has arrived
type executionHandle struct {
	s         *Session
	channelID int64
	once      sync.Once
	finished  atomic.Bool
}

func (h *executionHandle) RequestCancel() {
	if h.finished.Load() {
		return
	}
	h.once.Do(func() {
		h.s.goChannel("exec-cancel", func() {
			ctx := h.s.core.Context()
			block := protocol.EmptyMessageBlock(protocol.MessageTypeToolCancellationRequest)
			if err := h.s.send(ctx, h.channelID, block); err != nil {
				logging.Debug("could not send cancellation request",
					logging.SessionID(h.s.id), logging.ChannelID(h.channelID), logging.Err(err), logging.Component("client"))
			}
		})
	})
}

// followExecution drives the initiating side of one execution channel
func (s *Session) followExecution(channelID int64, ep *inbox, handler execution.EventHandler, h *executionHandle) {
	ctx := s.core.Context()
	defer s.channels.Remove(channelID)
	defer handler.OnContextClosing()
	defer h.finished.Store(true)

	block, err := ep.next(ctx, ChannelRequestTimeout)
	if err != nil {
		handler.OnError(fmt.Sprintf("No response to the execution request: %v", err))
		return
	}
	response, err := protocol.DecodeBlock[protocol.ToolExecutionRequestResponse](block, protocol.MessageTypeToolExecutionRequestResponse)
	if err != nil {
		handler.OnError(fmt.Sprintf("Invalid response to the execution request: %v", err))
		s.closeChannel(ctx, channelID)
		return
	}
	if !response.Accepted {
		message := response.Message
		if message == "" {
			message = "The execution request was rejected"
		}
		handler.OnError(message)
		return
	}

	handler.OnInputUploadsStarting()
	err = transfer.SendSection(ctx, inputSection, handler.InputDirectoryProvider(), func(ctx context.Context, b protocol.MessageBlock) error {
		return s.send(ctx, channelID, b)
	})
	if err != nil {
		handler.OnError(fmt.Sprintf("Failed to upload the input files: %v", err))
		s.closeChannel(ctx, channelID)
		return
	}
	handler.OnInputUploadsFinished()
	handler.OnExecutionStarting()

	var (
		output     *transfer.SectionReceiver
		outputDone = make(chan error, 1)
		finished   bool
	)
	for {
		block, err := ep.next(ctx, 0)
		if err != nil || block.Type() == protocol.MessageTypeChannelClose {
			break
		}
		switch block.Type() {
		case protocol.MessageTypeToolExecutionEvents:
			batch, err := protocol.DecodeBlock[protocol.ToolExecutionEventBatch](block, protocol.MessageTypeToolExecutionEvents)
			if err != nil {
				logging.Warn("dropping invalid execution events",
					logging.SessionID(s.id), logging.ChannelID(channelID), logging.Err(err), logging.Component("client"))
				continue
			}
			for _, ev := range batch.Events {
				handler.ProcessToolExecutionEvent(ev.Type, ev.Data)
			}
		case protocol.MessageTypeToolExecutionFinished:
			if finished {
				logging.Warn("ignoring duplicate execution result",
					logging.SessionID(s.id), logging.ChannelID(channelID), logging.Component("client"))
				continue
			}
			result, err := protocol.DecodeBlock[types.ToolExecutionResult](block, protocol.MessageTypeToolExecutionFinished)
			if err != nil {
				result = types.ToolExecutionResult{Message: fmt.Sprintf("Invalid execution result: %v", err)}
			}
			finished = true
			h.finished.Store(true)
			handler.OnExecutionFinished(result)
			handler.OnOutputDownloadsStarting()
			output = transfer.NewSectionReceiver(outputSection, handler.OutputDirectoryReceiver(), func(err error) {
				outputDone <- err
			})
		case protocol.MessageTypeFileTransferSectionStart, protocol.MessageTypeFileHeader,
			protocol.MessageTypeFileContent, protocol.MessageTypeFileTransferSectionEnd:
			if output == nil {
				logging.Warn("dropping file transfer before execution result",
					logging.SessionID(s.id), logging.ChannelID(channelID), logging.Component("client"))
				continue
			}
			if err := output.HandleBlock(ctx, block); err != nil {
				logging.Warn("output download failed",
					logging.SessionID(s.id), logging.ChannelID(channelID), logging.Err(err), logging.Component("client"))
			}
		default:
			logging.Warn("unexpected message on execution channel",
				logging.SessionID(s.id),
				logging.ChannelID(channelID),
				"type", block.Type().String(),
				logging.Component("client"))
		}
	}

	if !finished {
		handler.OnError(errExecutionAborted.Error())
		return
	}
	if !output.Ended() {
		output.Abort(errChannelClosed)
	}
	if err := <-outputDone; err != nil {
		handler.OnError(fmt.Sprintf("Failed to download the output files: %v", err))
		return
	}
	handler.OnOutputDownloadsFinished()
}

// eventSender forwards execution events to the initiator, one batch per event
type eventSender struct {
	s         *Session
	ctx       context.Context
	channelID int64
}

func (e *eventSender) SubmitEvent(eventType, data string) {
	batch := protocol.ToolExecutionEventBatch{Events: []types.ToolExecutionEvent{{Type: eventType, Data: data}}}
	if err := e.s.sendEncoded(e.ctx, e.channelID, protocol.MessageTypeToolExecutionEvents, batch); err != nil {
		logging.Debug("dropping execution event",
			logging.SessionID(e.s.id), logging.ChannelID(e.channelID), logging.Err(err), logging.Component("client"))
	}
}

// provideToolExecution serves one execution request on an offered channel
func (s *Session) provideToolExecution(offer protocol.ChannelCreationRequest, ep *inbox) {
	ctx := s.core.Context()
	channelID := offer.ChannelID
	defer s.channels.Remove(channelID)

	block, err := ep.next(ctx, ChannelRequestTimeout)
	if err != nil {
		logging.Debug("execution channel ended without request",
			logging.SessionID(s.id), logging.ChannelID(channelID), logging.Err(err), logging.Component("client"))
		return
	}
	request, err := protocol.DecodeBlock[types.ToolExecutionRequest](block, protocol.MessageTypeToolExecutionRequest)
	if err != nil {
		logging.Warn("invalid execution request",
			logging.SessionID(s.id), logging.ChannelID(channelID), logging.Err(err), logging.Component("client"))
		s.closeChannel(ctx, channelID)
		return
	}

	provider, err := s.handler.SetUpToolExecutionProvider(request)
	if err == nil && provider == nil {
		err = ErrToolNotAvailable
	}
	if err != nil {
		logging.Info("rejecting execution request",
			logging.SessionID(s.id),
			logging.ChannelID(channelID),
			"tool", request.ToolID,
			logging.Err(err),
			logging.Component("client"))
		response := protocol.ToolExecutionRequestResponse{Message: fmt.Sprintf("Failed to set up %s %s: %v", request.ToolID, request.ToolVersion, err)}
		if err := s.sendEncoded(ctx, channelID, protocol.MessageTypeToolExecutionRequestResponse, response); err == nil {
			s.closeChannel(ctx, channelID)
		}
		return
	}
	defer provider.OnContextClosing()

	if err := s.sendEncoded(ctx, channelID, protocol.MessageTypeToolExecutionRequestResponse,
		protocol.ToolExecutionRequestResponse{Accepted: true}); err != nil {
		return
	}

	inputErr, cancelRequested, gone := s.receiveInput(ctx, channelID, ep, provider)
	if gone {
		return
	}

	var result types.ToolExecutionResult
	ran := false
	if inputErr != nil {
		result = types.ToolExecutionResult{Message: fmt.Sprintf("Failed to receive the input files: %v", inputErr)}
	} else {
		ran = true
		result, gone = s.runProvider(ctx, channelID, ep, provider, cancelRequested)
		if gone {
			return
		}
	}
	logging.Info("tool execution finished",
		logging.SessionID(s.id),
		logging.ChannelID(channelID),
		"tool", request.ToolID,
		"successful", result.Successful,
		"cancelled", result.Cancelled,
		logging.Component("client"))

	if err := s.sendEncoded(ctx, channelID, protocol.MessageTypeToolExecutionFinished, result); err != nil {
		return
	}
	var outputs transfer.DirectoryUploadProvider
	if ran {
		outputs = provider.OutputDirectoryProvider()
	}
	err = transfer.SendSection(ctx, outputSection, outputs, func(ctx context.Context, b protocol.MessageBlock) error {
		return s.send(ctx, channelID, b)
	})
	if err != nil {
		logging.Warn("output upload failed",
			logging.SessionID(s.id), logging.ChannelID(channelID), logging.Err(err), logging.Component("client"))
	}
	s.closeChannel(ctx, channelID)
}

// receiveInput feeds the input section into the provider. A cancellation
// request that arrives meanwhile is remembered. gone reports that the
// channel or the session ended.
func (s *Session) receiveInput(ctx context.Context, channelID int64, ep *inbox, provider execution.Provider) (inputErr error, cancelRequested, gone bool) {
	done := make(chan error, 1)
	input := transfer.NewSectionReceiver(inputSection, provider.InputDirectoryReceiver(), func(err error) {
		done <- err
	})
	for {
		select {
		case err := <-done:
			return err, cancelRequested, false
		case block := <-ep.blocks:
			if block.Type() == protocol.MessageTypeToolCancellationRequest {
				cancelRequested = true
				continue
			}
			if block.Type() == protocol.MessageTypeChannelClose {
				input.Abort(errChannelClosed)
				<-done
				return nil, cancelRequested, true
			}
			if err := input.HandleBlock(ctx, block); err != nil {
				logging.Warn("input upload failed",
					logging.SessionID(s.id), logging.ChannelID(channelID), logging.Err(err), logging.Component("client"))
			}
		case <-ep.closed:
			input.Abort(errChannelClosed)
			<-done
			return nil, cancelRequested, true
		case <-ctx.Done():
			input.Abort(ctx.Err())
			<-done
			return nil, cancelRequested, true
		}
	}
}

// runProvider runs Execute and relays cancellation requests to the provider
// while it runs. cancelPending forwards a cancellation received during the
// input upload as soon as Execute has been started.
func (s *Session) runProvider(ctx context.Context, channelID int64, ep *inbox, provider execution.Provider, cancelPending bool) (types.ToolExecutionResult, bool) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		result types.ToolExecutionResult
		err    = errExecutionAborted
		done   = make(chan struct{})
	)
	events := &eventSender{s: s, ctx: ctx, channelID: channelID}
	util.SafeGoWithName("exec-"+s.id, func() {
		defer close(done)
		result, err = provider.Execute(execCtx, events)
	})

	cancelled := false
	requestCancel := func() {
		if !cancelled {
			cancelled = true
			provider.RequestCancel()
		}
	}
	if cancelPending {
		logging.Info("cancellation requested before execution",
			logging.SessionID(s.id), logging.ChannelID(channelID), logging.Component("client"))
		requestCancel()
	}
	for {
		select {
		case <-done:
			if err != nil {
				return types.ToolExecutionResult{Message: fmt.Sprintf("Execution failed: %v", err)}, false
			}
			return result, false
		case block := <-ep.blocks:
			switch block.Type() {
			case protocol.MessageTypeToolCancellationRequest:
				logging.Info("cancellation requested",
					logging.SessionID(s.id), logging.ChannelID(channelID), logging.Component("client"))
				requestCancel()
			case protocol.MessageTypeChannelClose:
				requestCancel()
				cancel()
				<-done
				return result, true
			default:
				logging.Warn("unexpected message during execution",
					logging.SessionID(s.id),
					logging.ChannelID(channelID),
					"type", block.Type().String(),
					logging.Component("client"))
			}
		case <-ep.closed:
			requestCancel()
			cancel()
			<-done
			return result, true
		case <-ctx.Done():
			requestCancel()
			cancel()
			<-done
			return result, true
		}
	}
}
