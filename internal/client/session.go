package client

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

	"github.com/moltbunker/uplink/internal/flow"
	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/mux"
	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/internal/session"
	"github.com/moltbunker/uplink/pkg/types"
)

// ClientVersionInfo is sent in the handshake to identify this implementation
const ClientVersionInfo = "uplink-go/0.2"

// RemoteClosePrefix decorates fatal errors reported by the relay
const RemoteClosePrefix = "Connection closed by the remote side: "

var (
	// ErrNotActive is returned by operations that need an active session
	ErrNotActive = errors.New("session is not active")
	// ErrToolNotAvailable rejects execution requests for unknown tools
	ErrToolNotAvailable = errors.New("tool not available")
	// ErrInitTimeout is returned when a session did not settle in time
	ErrInitTimeout = errors.New("session initialization timed out")
)

var sessionCounter atomic.Int64

// Config holds the per-session client parameters
type Config struct {
	// Qualifier distinguishes parallel sessions of the same login; empty means "default"
	Qualifier string
	// HandshakeData is merged into the handshake, e.g. to trigger the relay's
	// simulation hooks
	HandshakeData map[string]string
	Settings      protocol.Settings
	Observer      flow.Observer
}

// Session is one client connection to a relay
type Session struct {
	id      string
	cfg     Config
	handler EventHandler
	core    *session.Session

	channels *mux.Registry
	wg       sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]chan protocol.ChannelCreationResponse

	mu                  sync.Mutex
	namespaceID         string
	destinationIDPrefix string
	errorMessage        string

	fatalCalls   atomic.Int32
	inconsistent atomic.Bool
}

// New creates a client session on an established stream. Call RunSession to
// perform the handshake and process messages.
func New(stream io.ReadWriteCloser, handler EventHandler, cfg Config) *Session {
	if cfg.Settings.HandshakeResponseTimeout <= 0 {
		cfg.Settings = protocol.DefaultSettings()
	}
	if handler == nil {
		handler = NopEventHandler{}
	}
	s := &Session{
		id:       "c" + strconv.FormatInt(sessionCounter.Add(1), 10),
		cfg:      cfg,
		handler:  handler,
		channels: mux.NewRegistry(),
		pending:  make(map[string]chan protocol.ChannelCreationResponse),
	}
	s.core = session.New(stream, session.Options{
		Name:                 s.id,
		Settings:             cfg.Settings,
		Observer:             cfg.Observer,
		OnTransition:         s.onTransition,
		OnFailure:            s.onFailure,
		WriteHandshakeHeader: true,
	})
	return s
}

// ID returns the local session id, e.g. "c3"
func (s *Session) ID() string { return s.id }

func (s *Session) State() types.SessionState { return s.core.State() }

// Settings returns the protocol settings the session was created with
func (s *Session) Settings() protocol.Settings { return s.core.Settings() }

func (s *Session) IsActive() bool { return s.core.State() == types.SessionStateActive }

func (s *Session) IsShuttingDownOrShutDown() bool {
	return s.core.State().IsShuttingDownOrShutDown()
}

// NamespaceID returns the namespace assigned by the relay, once active
func (s *Session) NamespaceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespaceID
}

// DestinationIDPrefix returns the prefix of all destination ids this session owns
func (s *Session) DestinationIDPrefix() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destinationIDPrefix
}

// ErrorMessage returns the message of the fatal error that ended the session
func (s *Session) ErrorMessage() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorMessage, s.errorMessage != ""
}

// Err returns nil while the session is running or after a clean shutdown. A
// refused handshake yields a *protocol.RefusedError.
func (s *Session) Err() error {
	f, failed := s.core.Failure()
	if !failed {
		return nil
	}
	if s.core.State() == types.SessionStateRefusedOrHandshakeError {
		return &protocol.RefusedError{Type: f.Type, Message: f.Message, Remote: f.Remote}
	}
	message, _ := s.ErrorMessage()
	if message == "" {
		message = f.Message
	}
	return fmt.Errorf("session %s failed (%s): %s", s.id, f.Type, message)
}

// InconsistentStateFlag reports whether a fatal error was delivered twice
func (s *Session) InconsistentStateFlag() bool {
	return s.inconsistent.Load() || s.core.Inconsistent()
}

// RunSession performs the handshake and processes messages until the
// session ends. It reports whether the session ended with a clean shutdown.
func (s *Session) RunSession() bool {
	if s.handshake() {
		s.core.Serve(session.HandlerFunc(s.handleBlock))
	}
	s.core.Wait()
	s.channels.CloseAll()
	s.failPendingRequests()
	s.wg.Wait()

	state := s.core.State()
	retry := false
	if f, failed := s.core.Failure(); failed {
		retry = f.Type.ReasonableToRetry()
	}
	s.handler.OnSessionInFinalState(retry)
	logging.Info("client session ended",
		logging.SessionID(s.id),
		"state", state.String(),
		logging.Component("client"))
	return state == types.SessionStateCleanShutdown
}

func (s *Session) handshake() bool {
	timeout := s.cfg.Settings.HandshakeResponseTimeout
	if _, err := s.core.Fire(session.EventHandshakeStarted); err != nil {
		// shut down before it started
		return false
	}

	qualifier := s.cfg.Qualifier
	if qualifier == "" {
		qualifier = protocol.DefaultSessionQualifier
	}
	data := map[string]string{
		protocol.HandshakeKeyProtocolVersionOffer: protocol.ProtocolVersion,
		protocol.HandshakeKeyClientVersionInfo:    ClientVersionInfo,
		protocol.HandshakeKeySessionQualifier:     qualifier,
	}
	maps.Copy(data, s.cfg.HandshakeData)
	block, err := protocol.EncodeHandshakeData(data)
	if err != nil {
		s.core.Fail(session.EventHandshakeFailed, session.Failure{
			Type:    protocol.ErrorTypeInternalClientError,
			Message: fmt.Sprintf("Failed to encode handshake data: %v", err),
		}, false)
		return false
	}

	s.core.StartWriter()
	if err := s.core.SendControl(block, protocol.PriorityControl); err != nil {
		s.core.Fail(session.EventHandshakeFailed, session.Failure{
			Type:    protocol.ErrorTypeLowLevelConnectionError,
			Message: fmt.Sprintf("Failed to send handshake: %v", err),
		}, false)
		return false
	}

	channelID, response, err := s.core.ReadBlock(timeout)
	switch {
	case errors.Is(err, session.ErrReadTimeout):
		s.core.Fail(session.EventHandshakeFailed, session.Failure{
			Type:    protocol.ErrorTypeHandshakeTimeout,
			Message: fmt.Sprintf("Did not receive a handshake response within %d msec (timeout)", timeout.Milliseconds()),
		}, false)
		return false
	case err != nil:
		s.core.Fail(session.EventHandshakeFailed, session.Failure{
			Type:    protocol.ErrorTypeLowLevelConnectionError,
			Message: fmt.Sprintf("The connection was closed before the handshake completed: %v", err),
		}, false)
		return false
	case channelID != protocol.DefaultChannelID:
		s.core.Fail(session.EventHandshakeFailed, session.Failure{
			Type:    protocol.ErrorTypeProtocolViolation,
			Message: fmt.Sprintf("Received handshake response on channel %d", channelID),
		}, true)
		return false
	}

	if response.Type() == protocol.MessageTypeGoodbye {
		regular, errorType, message := protocol.DecodeGoodbye(response)
		if regular {
			errorType, message = protocol.ErrorTypeUnknown, "The relay closed the connection during the handshake"
		}
		logging.Warn("session refused by relay",
			logging.SessionID(s.id),
			"error_type", errorType.String(),
			"error", message,
			logging.Component("client"))
		s.core.Fail(session.EventHandshakeFailed, session.Failure{Type: errorType, Message: message, Remote: true}, false)
		return false
	}

	values, err := protocol.DecodeHandshakeData(response)
	if err != nil {
		s.core.Fail(session.EventHandshakeFailed, session.Failure{
			Type:    protocol.ErrorTypeInvalidHandshakeData,
			Message: fmt.Sprintf("Invalid handshake response: %v", err),
		}, true)
		return false
	}
	namespaceID := values[protocol.HandshakeKeyAssignedNamespaceID]
	prefix := values[protocol.HandshakeKeyDestinationIDPrefix]
	if namespaceID == "" || prefix == "" {
		s.core.Fail(session.EventHandshakeFailed, session.Failure{
			Type:    protocol.ErrorTypeInvalidHandshakeData,
			Message: "The handshake response did not contain a namespace assignment",
		}, true)
		return false
	}

	s.mu.Lock()
	s.namespaceID = namespaceID
	s.destinationIDPrefix = prefix
	s.mu.Unlock()

	t, err := s.core.Fire(session.EventHandshakeCompleted)
	if err != nil {
		return false
	}
	if t.To != types.SessionStateActive {
		// shutdown was requested meanwhile; Serve sees the closed stream
		return true
	}
	logging.Info("client session active",
		logging.SessionID(s.id),
		logging.Namespace(namespaceID),
		logging.Component("client"))
	s.handler.OnSessionActivating(namespaceID, prefix)
	return true
}

func (s *Session) onTransition(t session.Transition) {
	logging.Debug("client session state changed",
		logging.SessionID(s.id),
		"from", t.From.String(),
		"to", t.To.String(),
		logging.Component("client"))
	if t.From == types.SessionStateActive {
		s.handler.OnActiveSessionTerminating()
	}
}

func (s *Session) onFailure(f session.Failure) {
	message := f.Message
	if f.Remote && s.core.State() != types.SessionStateRefusedOrHandshakeError {
		message = RemoteClosePrefix + message
	}
	if s.fatalCalls.Add(1) > 1 {
		s.inconsistent.Store(true)
		logging.Error("fatal error reported twice",
			logging.SessionID(s.id), "error", message, logging.Component("client"))
		return
	}
	s.mu.Lock()
	s.errorMessage = message
	s.mu.Unlock()
	logging.Warn("client session failed",
		logging.SessionID(s.id),
		"error_type", f.Type.String(),
		"error", message,
		logging.Component("client"))
	s.handler.OnFatalErrorMessage(f.Type, message)
}

// InitiateCleanShutdownIfRunning asks the session to shut down. It does
// nothing if the session is already shutting down or ended.
func (s *Session) InitiateCleanShutdownIfRunning() {
	if !s.core.RequestShutdown() {
		logging.Debug("ignoring shutdown request",
			logging.SessionID(s.id),
			"state", s.core.State().String(),
			logging.Component("client"))
	}
}

// WaitForSessionInitCompletion blocks until the session is active or ended
func (s *Session) WaitForSessionInitCompletion(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.core.Settled():
	case <-timer.C:
		return ErrInitTimeout
	}
	if state := s.core.State(); state != types.SessionStateActive {
		return fmt.Errorf("%w (state %s)", ErrNotActive, state)
	}
	return nil
}

// PublishToolDescriptorListUpdate sends the current tool list of one of this
// session's destinations to the relay. An empty list withdraws all tools.
func (s *Session) PublishToolDescriptorListUpdate(ctx context.Context, update types.ToolDescriptorListUpdate) error {
	if !s.IsActive() {
		return ErrNotActive
	}
	if !update.HasDestinationPrefix(s.DestinationIDPrefix()) {
		return fmt.Errorf("destination id %q is outside of this session's namespace", update.DestinationID)
	}
	block, err := protocol.EncodeBlock(protocol.MessageTypeToolDescriptorListUpdate, update)
	if err != nil {
		return err
	}
	return s.core.Send(ctx, protocol.DefaultChannelID, block, protocol.PriorityToolDescriptorUpdates, true)
}

// send writes a block on a non-default channel, waiting for queue space
func (s *Session) send(ctx context.Context, channelID int64, block protocol.MessageBlock) error {
	return s.core.Send(ctx, channelID, block, protocol.PriorityDefault, true)
}

func (s *Session) sendEncoded(ctx context.Context, channelID int64, msgType protocol.MessageType, v any) error {
	block, err := protocol.EncodeBlock(msgType, v)
	if err != nil {
		return err
	}
	return s.send(ctx, channelID, block)
}

func (s *Session) closeChannel(ctx context.Context, channelID int64) {
	if err := s.send(ctx, channelID, protocol.EmptyMessageBlock(protocol.MessageTypeChannelClose)); err != nil {
		logging.Debug("could not send channel close",
			logging.SessionID(s.id), logging.ChannelID(channelID), logging.Err(err), logging.Component("client"))
	}
	s.channels.Remove(channelID)
}

// goChannel runs fn on a tracked goroutine; RunSession waits for it
func (s *Session) goChannel(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logging.Error("panic in channel goroutine",
					logging.SessionID(s.id), "goroutine", name, "panic", r, logging.Component("client"))
			}
		}()
		fn()
	}()
}
