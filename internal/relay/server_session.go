package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/internal/session"
	"github.com/moltbunker/uplink/pkg/types"
)

var serverSessionCounter atomic.Int64

// ServerSession is the relay's end of one client connection
type ServerSession struct {
	id      string
	relay   *Relay
	login   string
	core    *session.Session
	limiter *rate.Limiter
	started time.Time

	// written by the handshake before activation, read-only afterwards
	prefix    string
	qualifier string

	nsMu        sync.Mutex
	namespaceID string
	claimed     bool
}

func newServerSession(r *Relay, stream io.ReadWriteCloser, login string) *ServerSession {
	s := &ServerSession{
		id:      "s" + strconv.FormatInt(serverSessionCounter.Add(1), 10),
		relay:   r,
		login:   login,
		started: time.Now(),
	}
	if r.opts.InboundRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(r.opts.InboundRate), max(r.opts.InboundBurst, 1))
	}
	s.core = session.New(stream, session.Options{
		Name:         s.id,
		Settings:     r.opts.Settings,
		Observer:     r.opts.Metrics,
		OnTransition: s.onTransition,
		OnFailure:    s.onFailure,
	})
	return s
}

// ID returns the session id, e.g. "s7"
func (s *ServerSession) ID() string { return s.id }

func (s *ServerSession) State() types.SessionState { return s.core.State() }

func (s *ServerSession) run() types.SessionState {
	defer s.releaseNamespace()
	if s.handshake() {
		s.core.Serve(session.HandlerFunc(s.handleBlock))
	}
	s.core.Wait()
	s.relay.deactivate(s)
	s.relay.dropRoutes(s)

	state := s.core.State()
	s.relay.opts.Metrics.SessionEnded(state)
	logging.Info("relay session ended",
		logging.SessionID(s.id),
		logging.Namespace(s.NamespaceID()),
		"state", state.String(),
		"duration", time.Since(s.started).Round(time.Millisecond).String(),
		logging.Component("relay"))
	return state
}

func (s *ServerSession) handshake() bool {
	timeout := s.core.Settings().HandshakeResponseTimeout
	if _, err := s.core.Fire(session.EventHandshakeStarted); err != nil {
		return false
	}
	s.core.StartWriter()

	if err := s.core.ReadHandshakeHeader(timeout); err != nil {
		return s.readFailed(err)
	}
	channelID, block, err := s.core.ReadBlock(timeout)
	if err != nil {
		return s.readFailed(err)
	}
	if channelID != protocol.DefaultChannelID || block.Type() != protocol.MessageTypeHandshake {
		return s.refuse(protocol.ErrorTypeInvalidHandshakeData,
			fmt.Sprintf("Expected a handshake message, received %s on channel %d", block.Type(), channelID))
	}
	data, err := protocol.DecodeHandshakeData(block)
	if err != nil {
		return s.refuse(protocol.ErrorTypeInvalidHandshakeData, fmt.Sprintf("Invalid handshake data: %v", err))
	}

	offer, ok := data[protocol.HandshakeKeyProtocolVersionOffer]
	if !ok {
		return s.refuse(protocol.ErrorTypeInvalidHandshakeData, "The handshake did not contain a protocol version offer")
	}
	if offer != protocol.ProtocolVersion {
		return s.refuse(protocol.ErrorTypeProtocolVersionMismatch,
			fmt.Sprintf("Unsupported protocol version %q; this relay requires version %q", offer, protocol.ProtocolVersion))
	}

	s.qualifier = data[protocol.HandshakeKeySessionQualifier]
	if s.qualifier == "" {
		s.qualifier = protocol.DefaultSessionQualifier
	}
	namespaceID := DeriveNamespace(s.login, s.qualifier)
	if !s.claimNamespace(namespaceID) {
		return s.refuse(protocol.ErrorTypeClientNamespaceCollision, fmt.Sprintf(
			"The combination of account name %q and client ID %q is already in use. "+
				"To allow parallel logins, use a different client ID for each client.", s.login, s.qualifier))
	}
	s.prefix = namespaceID

	response := maps.Clone(data)
	response[protocol.HandshakeKeyAssignedNamespaceID] = namespaceID
	response[protocol.HandshakeKeyDestinationIDPrefix] = namespaceID

	if message, ok := data[protocol.HandshakeKeySimulateHandshakeFailure]; ok {
		marker := protocol.NewErrorMarker()
		logging.Error("simulated handshake failure",
			logging.SessionID(s.id),
			"marker", marker,
			"message", message,
			logging.Component("relay"))
		return s.refuse(protocol.ErrorTypeHandshakeFailure,
			fmt.Sprintf("%s (internal error log marker %s)", protocol.ErrorMessageConnectionSetupFailed, marker))
	}
	if message, ok := data[protocol.HandshakeKeySimulateRefusedConnection]; ok {
		return s.refuse(protocol.ErrorTypeInternalServerError, message)
	}
	if _, ok := data[protocol.HandshakeKeySimulateResponseDelayAboveTimeout]; ok {
		logging.Info("delaying handshake response",
			logging.SessionID(s.id), "delay", (2 * timeout).String(), logging.Component("relay"))
		if !s.sleep(s.relay.ctx, 2*timeout) {
			return s.refuse(protocol.ErrorTypeInternalServerError, "The relay is shutting down")
		}
	}

	responseBlock, err := protocol.EncodeHandshakeData(response)
	if err != nil {
		return s.refuse(protocol.ErrorTypeInternalServerError, fmt.Sprintf("Failed to encode handshake response: %v", err))
	}
	if err := s.core.SendControl(responseBlock, protocol.PriorityControl); err != nil {
		s.core.Fail(session.EventHandshakeFailed, session.Failure{
			Type:    protocol.ErrorTypeLowLevelConnectionError,
			Message: fmt.Sprintf("Failed to send handshake response: %v", err),
		}, false)
		return false
	}
	if _, err := s.core.Fire(session.EventHandshakeCompleted); err != nil {
		return false
	}
	// a shutdown requested meanwhile leaves the session in SHUTTING_DOWN;
	// Serve observes the closing stream
	return true
}

func (s *ServerSession) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.core.Context().Done():
		return false
	}
}

func (s *ServerSession) readFailed(err error) bool {
	switch {
	case errors.Is(err, session.ErrReadTimeout):
		return s.refuse(protocol.ErrorTypeHandshakeTimeout,
			fmt.Sprintf("Did not receive a handshake within %d msec (timeout)", s.core.Settings().HandshakeResponseTimeout.Milliseconds()))
	case protocol.IsProtocolError(err):
		return s.refuse(protocol.ErrorTypeInvalidHandshakeData, err.Error())
	default:
		s.core.Fail(session.EventHandshakeFailed, session.Failure{
			Type:    protocol.ErrorTypeLowLevelConnectionError,
			Message: fmt.Sprintf("The connection was closed during the handshake: %v", err),
		}, false)
		return false
	}
}

// refuse ends the handshake with an error goodbye
func (s *ServerSession) refuse(errorType protocol.ErrorType, message string) bool {
	if s.core.Fail(session.EventHandshakeFailed, session.Failure{Type: errorType, Message: message}, true) {
		s.relay.opts.Metrics.SessionRefused(errorType)
		logging.Audit(logging.AuditEvent{
			Operation: "session_refused",
			Actor:     s.login,
			Target:    DeriveNamespace(s.login, s.qualifier),
			Result:    "failure",
			Details:   protocol.WrapErrorMessage(errorType, message),
		})
	}
	return false
}

func (s *ServerSession) onTransition(t session.Transition) {
	logging.Debug("relay session state changed",
		logging.SessionID(s.id),
		"from", t.From.String(),
		"to", t.To.String(),
		logging.Component("relay"))
	switch {
	case t.To == types.SessionStateActive:
		s.relay.activate(s)
		s.relay.opts.Metrics.SessionActivated(time.Since(s.started))
		logging.Audit(logging.AuditEvent{
			Operation: "session_activated",
			Actor:     s.login,
			Target:    s.NamespaceID(),
			Result:    "success",
			Details:   "session " + s.id,
		})
		logging.Info("relay session active",
			logging.SessionID(s.id),
			logging.Namespace(s.NamespaceID()),
			"login", s.login,
			logging.Component("relay"))
	case t.From == types.SessionStateActive:
		s.relay.deactivate(s)
	}
	if t.To.IsTerminal() {
		s.releaseNamespace()
	}
}

func (s *ServerSession) onFailure(f session.Failure) {
	logging.Info("relay session failed",
		logging.SessionID(s.id),
		logging.Namespace(s.NamespaceID()),
		"error_type", f.Type.String(),
		"error", f.Message,
		"remote", f.Remote,
		"during", f.During.String(),
		logging.Component("relay"))
}

// NamespaceID returns the namespace assigned in the handshake
func (s *ServerSession) NamespaceID() string {
	s.nsMu.Lock()
	defer s.nsMu.Unlock()
	return s.namespaceID
}

func (s *ServerSession) claimNamespace(namespaceID string) bool {
	s.nsMu.Lock()
	defer s.nsMu.Unlock()
	if !s.relay.namespaces.Claim(namespaceID, s.id) {
		return false
	}
	s.namespaceID = namespaceID
	s.claimed = true
	return true
}

// releaseNamespace runs on the terminal transition and again when run
// returns, for a claim that raced with an abort
func (s *ServerSession) releaseNamespace() {
	s.nsMu.Lock()
	defer s.nsMu.Unlock()
	if !s.claimed {
		return
	}
	s.claimed = false
	if s.relay.namespaces.Release(s.namespaceID, s.id) {
		logging.Debug("released namespace",
			logging.SessionID(s.id), logging.Namespace(s.namespaceID), logging.Component("relay"))
	}
}

func (s *ServerSession) handleBlock(ctx context.Context, channelID int64, block protocol.MessageBlock) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
	}
	if channelID != protocol.DefaultChannelID {
		return s.relay.forward(ctx, s, channelID, block)
	}

	switch block.Type() {
	case protocol.MessageTypeToolDescriptorListUpdate:
		update, err := protocol.DecodeBlock[types.ToolDescriptorListUpdate](block, protocol.MessageTypeToolDescriptorListUpdate)
		if err != nil {
			return err
		}
		s.relay.publish(s, update)
		return nil
	case protocol.MessageTypeChannelInit:
		request, err := protocol.DecodeBlock[protocol.ChannelCreationRequest](block, protocol.MessageTypeChannelInit)
		if err != nil {
			return err
		}
		s.relay.goTracked("channel-open-"+s.id, func() { s.relay.openChannel(s, request) })
		return nil
	case protocol.MessageTypeChannelInitResponse:
		response, err := protocol.DecodeBlock[protocol.ChannelCreationResponse](block, protocol.MessageTypeChannelInitResponse)
		if err != nil {
			return err
		}
		s.relay.channelAnswered(s, response)
		return nil
	default:
		return protocol.NewProtocolError(protocol.ErrUnexpectedMessageType,
			"received %s on the default channel", block.Type())
	}
}

// sendChannelResponse answers a channel request of this session
func (s *ServerSession) sendChannelResponse(response protocol.ChannelCreationResponse, blockIfFull bool) {
	block, err := protocol.EncodeBlock(protocol.MessageTypeChannelInitResponse, response)
	if err == nil {
		err = s.core.Send(s.core.Context(), protocol.DefaultChannelID, block, protocol.PriorityChannelInitiation, blockIfFull)
	}
	if err != nil {
		logging.Warn("could not answer channel request",
			logging.SessionID(s.id),
			"request_id", response.RequestID,
			logging.Err(err),
			logging.Component("relay"))
	}
}
