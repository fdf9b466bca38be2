package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moltbunker/uplink/internal/flow"
	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/mux"
	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/internal/util"
	"github.com/moltbunker/uplink/pkg/types"
)

// ErrReadTimeout is returned when a handshake read does not complete in time.
// The stream must not be read again afterwards.
var ErrReadTimeout = errors.New("read timed out")

// Failure describes why a session ended abnormally
type Failure struct {
	Type    protocol.ErrorType
	Message string
	// Remote is set if the peer reported the failure in an error goodbye
	Remote bool
	// During is the state the session was in when the failure occurred
	During types.SessionState
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Type, f.Message)
}

// Handler processes the inbound blocks of an active session. It is called
// from the session's dispatcher goroutine, one block at a time. Returning a
// *protocol.ProtocolError ends the session; other errors are logged.
type Handler interface {
	HandleBlock(ctx context.Context, channelID int64, block protocol.MessageBlock) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, channelID int64, block protocol.MessageBlock) error

func (f HandlerFunc) HandleBlock(ctx context.Context, channelID int64, block protocol.MessageBlock) error {
	return f(ctx, channelID, block)
}

// Options configures a Session
type Options struct {
	// Name identifies the session in logs
	Name     string
	Settings protocol.Settings
	Observer flow.Observer
	// OnTransition receives every state change, in order
	OnTransition func(Transition)
	// OnFailure is called exactly once if the session ends abnormally
	OnFailure func(Failure)
	// WriteHandshakeHeader makes the writer emit the client handshake header
	// before the first block
	WriteHandshakeHeader bool
}

// Session is the protocol engine shared by both sides of a connection. It
// owns the stream: a single writer goroutine drains the outbound queue, and
// Serve reads blocks and hands them to a Handler through a bounded dispatcher.
type Session struct {
	name     string
	stream   io.ReadWriteCloser
	settings protocol.Settings
	opts     Options

	machine    *Machine
	queue      *flow.Queue
	dispatcher *mux.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	writerStarted atomic.Bool
	writerDone    chan struct{}
	closed        chan struct{}
	closeOnce     sync.Once
	streamOnce    sync.Once
	dispatching   atomic.Bool
	cleanShutdown atomic.Bool

	mu           sync.Mutex
	failure      *Failure
	inconsistent atomic.Bool
}

// New creates a session on stream. Nothing is read or written until
// StartWriter and the handshake or Serve are called.
func New(stream io.ReadWriteCloser, opts Options) *Session {
	if opts.Settings.HandshakeResponseTimeout <= 0 {
		opts.Settings = protocol.DefaultSettings()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		name:       opts.Name,
		stream:     stream,
		settings:   opts.Settings,
		opts:       opts,
		queue:      flow.NewQueue(opts.Name, opts.Settings, opts.Observer),
		dispatcher: mux.NewDispatcher(opts.Name, opts.Settings.IncomingQueueDepth),
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
	s.machine = NewMachine(opts.OnTransition)
	return s
}

func (s *Session) Name() string                { return s.name }
func (s *Session) Settings() protocol.Settings { return s.settings }
func (s *Session) State() types.SessionState   { return s.machine.State() }

// Context is cancelled once the session reaches a terminal state
func (s *Session) Context() context.Context { return s.ctx }

// Settled is closed once the session became active or ended
func (s *Session) Settled() <-chan struct{} { return s.machine.Settled() }

// Terminal is closed once the session ended
func (s *Session) Terminal() <-chan struct{} { return s.machine.Terminal() }

// Fire applies a state machine event
func (s *Session) Fire(ev Event) (Transition, error) {
	return s.machine.Fire(ev)
}

// Failure returns the failure that ended the session, if any
func (s *Session) Failure() (Failure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		return Failure{}, false
	}
	return *s.failure, true
}

// Inconsistent reports whether a second failure was reported after the first
func (s *Session) Inconsistent() bool {
	return s.inconsistent.Load()
}

// StartWriter launches the goroutine that writes queued blocks to the stream
func (s *Session) StartWriter() {
	if !s.writerStarted.CompareAndSwap(false, true) {
		return
	}
	util.SafeGoWithName("session-writer-"+s.name, func() {
		defer close(s.writerDone)
		if s.opts.WriteHandshakeHeader {
			if err := protocol.WriteHandshakeHeader(s.stream); err != nil {
				logging.Debug("writing handshake header failed",
					logging.SessionID(s.name), logging.Err(err), logging.Component("session"))
				s.queue.Abort()
				s.closeStream()
				return
			}
		}
		if err := s.queue.Run(s.stream); err != nil {
			if !s.State().IsTerminal() {
				logging.Debug("session writer stopped",
					logging.SessionID(s.name), logging.Err(err), logging.Component("session"))
			}
			// the reader notices the closed stream and decides the outcome
			s.closeStream()
		}
	})
}

// Send queues a block for the writer. Blocking sends wait for lane space,
// ctx, or the end of the session.
func (s *Session) Send(ctx context.Context, channelID int64, block protocol.MessageBlock, priority protocol.Priority, blockIfFull bool) error {
	return s.queue.Enqueue(ctx, flow.OutboundBlock{ChannelID: channelID, Priority: priority, Block: block}, blockIfFull)
}

// SendControl queues a block on the control channel without waiting for space
func (s *Session) SendControl(block protocol.MessageBlock, priority protocol.Priority) error {
	return s.Send(s.ctx, protocol.DefaultChannelID, block, priority, false)
}

// ReadHandshakeHeader reads the client handshake header within timeout
func (s *Session) ReadHandshakeHeader(timeout time.Duration) error {
	return s.readWithTimeout(timeout, func() error {
		return protocol.ReadHandshakeHeader(s.stream)
	})
}

// ReadBlock reads the next block directly from the stream within timeout.
// It is only meant for the handshake, before Serve runs.
func (s *Session) ReadBlock(timeout time.Duration) (int64, protocol.MessageBlock, error) {
	var (
		channelID int64
		block     protocol.MessageBlock
	)
	err := s.readWithTimeout(timeout, func() error {
		var err error
		channelID, block, err = protocol.ReadMessageBlock(s.stream)
		return err
	})
	return channelID, block, err
}

func (s *Session) readWithTimeout(timeout time.Duration, read func() error) error {
	result := make(chan error, 1)
	util.SafeGoWithName("session-read-"+s.name, func() {
		result <- read()
	})
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		return ErrReadTimeout
	}
}

// Serve reads blocks until the session ends and waits for its goroutines to
// finish. The session must have completed its handshake.
func (s *Session) Serve(handler Handler) {
	s.dispatcher.Start()
	s.dispatching.Store(true)
	for {
		channelID, block, err := protocol.ReadMessageBlock(s.stream)
		if err != nil {
			s.readFailed(err)
			break
		}
		if block.Type() == protocol.MessageTypeGoodbye {
			if channelID != protocol.DefaultChannelID {
				s.ProtocolViolation(protocol.NewProtocolError(nil, "goodbye received on channel %d", channelID))
			} else {
				s.goodbyeReceived(block)
			}
			break
		}
		if block.Type() == protocol.MessageTypeHandshake {
			s.ProtocolViolation(protocol.NewProtocolError(nil, "unexpected handshake message after session setup"))
			break
		}
		task := func() {
			if err := handler.HandleBlock(s.ctx, channelID, block); err != nil {
				s.handlerFailed(channelID, block, err)
			}
		}
		if err := s.dispatcher.Submit(s.ctx, task); err != nil {
			break
		}
	}
	s.Wait()
	<-s.dispatcher.Done()
}

func (s *Session) handlerFailed(channelID int64, block protocol.MessageBlock, err error) {
	if protocol.IsProtocolError(err) {
		s.ProtocolViolation(err)
		return
	}
	if s.State().IsTerminal() {
		return
	}
	logging.Warn("failed to process message block",
		logging.SessionID(s.name),
		logging.ChannelID(channelID),
		"type", block.Type().String(),
		logging.Err(err),
		logging.Component("session"))
}

func (s *Session) readFailed(err error) {
	if s.State().IsTerminal() {
		return
	}
	if protocol.IsProtocolError(err) {
		s.ProtocolViolation(err)
		return
	}
	s.streamEnded(err)
}

// streamEnded handles the end of the inbound stream outside of a goodbye exchange
func (s *Session) streamEnded(err error) {
	if s.State() == types.SessionStateShuttingDown {
		if t, ferr := s.machine.Fire(EventClosedCleanly); ferr == nil && t.To.IsTerminal() {
			s.enterTerminal(nil, false)
		}
		return
	}
	msg := "The connection was closed by the remote side without a goodbye message"
	if !errors.Is(err, io.EOF) {
		msg = fmt.Sprintf("The connection was lost: %v", err)
	}
	s.Fail(EventFailed, Failure{Type: protocol.ErrorTypeLowLevelConnectionError, Message: msg}, false)
}

func (s *Session) goodbyeReceived(block protocol.MessageBlock) {
	regular, errorType, message := protocol.DecodeGoodbye(block)
	if !regular {
		s.Fail(EventFailed, Failure{Type: errorType, Message: message, Remote: true}, false)
		return
	}
	t, err := s.machine.Fire(EventClosedCleanly)
	if err != nil {
		logging.Debug("ignoring goodbye",
			logging.SessionID(s.name), logging.Err(err), logging.Component("session"))
		return
	}
	logging.Debug("received goodbye",
		logging.SessionID(s.name), "state", t.From.String(), logging.Component("session"))
	if t.From == types.SessionStateActive {
		reply := protocol.EncodeRegularGoodbye()
		s.enterTerminal(&reply, true)
		return
	}
	s.enterTerminal(nil, false)
}

// ProtocolViolation ends the session after malformed or unexpected input. The
// details are logged under a marker that also appears in the session error.
func (s *Session) ProtocolViolation(err error) {
	if s.State().IsTerminal() {
		return
	}
	marker := protocol.NewErrorMarker()
	logging.Error("protocol violation, closing session",
		logging.SessionID(s.name),
		"marker", marker,
		logging.Err(err),
		logging.Component("session"))
	s.Fail(EventFailed, Failure{
		Type:    protocol.ErrorTypeProtocolViolation,
		Message: fmt.Sprintf("Protocol violation (internal error log marker %s)", marker),
	}, true)
}

// Fail ends the session abnormally through ev, which is EventFailed or
// EventHandshakeFailed. The failure is recorded and reported unless the
// session had already been asked to shut down. With sendGoodbye, an error
// goodbye is the last block written. It returns false if the session had
// already ended.
func (s *Session) Fail(ev Event, f Failure, sendGoodbye bool) bool {
	t, err := s.machine.Fire(ev)
	if err != nil {
		logging.Debug("ignoring failure of ended session",
			logging.SessionID(s.name), "error", f.Message, logging.Component("session"))
		return false
	}
	if t.From == t.To {
		return false
	}
	f.During = t.From
	var goodbye *protocol.MessageBlock
	if sendGoodbye {
		if block, err := protocol.EncodeErrorGoodbye(f.Type, f.Message); err == nil {
			goodbye = &block
		}
	}
	if t.To != types.SessionStateCleanShutdown {
		s.report(f)
	}
	if t.To.IsTerminal() {
		s.enterTerminal(goodbye, false)
	}
	return true
}

func (s *Session) report(f Failure) {
	s.mu.Lock()
	if s.failure != nil {
		s.mu.Unlock()
		s.inconsistent.Store(true)
		logging.Error("duplicate session failure",
			logging.SessionID(s.name), "error", f.Message, logging.Component("session"))
		return
	}
	s.failure = &f
	s.mu.Unlock()

	if s.opts.OnFailure != nil {
		s.opts.OnFailure(f)
	}
}

// RequestShutdown starts a clean shutdown: a regular goodbye is written after
// everything already queued, and the session ends when the peer answers or
// closes the stream. It returns false if the session was already shutting
// down or ended.
func (s *Session) RequestShutdown() bool {
	t, err := s.machine.Fire(EventShutdownRequested)
	if err != nil || t.From == t.To {
		return false
	}
	switch t.From {
	case types.SessionStateInitial:
		s.enterTerminal(nil, false)
	case types.SessionStateAwaitingHandshakeResponse:
		// unblocks the handshake read, which then completes the shutdown
		s.closeStream()
	default:
		goodbye := protocol.EncodeRegularGoodbye()
		s.shutdownQueue(&goodbye, true)
		util.SafeGoWithName("session-shutdown-"+s.name, s.awaitGoodbye)
	}
	return true
}

// awaitGoodbye closes the stream if the peer does not answer our goodbye
func (s *Session) awaitGoodbye() {
	if s.writerStarted.Load() {
		select {
		case <-s.writerDone:
		case <-s.machine.Terminal():
			return
		}
	}
	timer := time.NewTimer(s.settings.HandshakeResponseTimeout)
	defer timer.Stop()
	select {
	case <-s.machine.Terminal():
	case <-timer.C:
		logging.Warn("peer did not answer goodbye in time, closing connection",
			logging.SessionID(s.name), logging.Component("session"))
		s.closeStream()
	}
}

// Abort ends the session as a lost connection without sending anything
func (s *Session) Abort(message string) {
	if s.State() == types.SessionStateShuttingDown {
		if t, err := s.machine.Fire(EventClosedCleanly); err == nil && t.To.IsTerminal() {
			s.enterTerminal(nil, false)
		}
		return
	}
	s.Fail(EventFailed, Failure{Type: protocol.ErrorTypeLowLevelConnectionError, Message: message}, false)
}

func (s *Session) shutdownQueue(final *protocol.MessageBlock, flush bool) {
	var ob *flow.OutboundBlock
	if final != nil {
		ob = &flow.OutboundBlock{
			ChannelID: protocol.DefaultChannelID,
			Priority:  protocol.PriorityControl,
			Block:     *final,
		}
	}
	s.queue.Shutdown(ob, flush)
}

// enterTerminal runs once, for the transition into a terminal state
func (s *Session) enterTerminal(final *protocol.MessageBlock, flush bool) {
	s.cleanShutdown.Store(s.State() == types.SessionStateCleanShutdown)
	s.shutdownQueue(final, flush)
	s.cancel()
	util.SafeGoWithName("session-close-"+s.name, s.closeAfterWriter)
}

func (s *Session) closeAfterWriter() {
	defer s.closeOnce.Do(func() { close(s.closed) })
	if s.writerStarted.Load() {
		timer := time.NewTimer(s.settings.HandshakeResponseTimeout)
		select {
		case <-s.writerDone:
		case <-timer.C:
			logging.Debug("writer did not finish in time, closing connection",
				logging.SessionID(s.name), logging.Component("session"))
		}
		timer.Stop()
	}
	s.closeStream()
	if s.cleanShutdown.Load() {
		s.dispatcher.Drain()
	} else {
		s.dispatcher.Stop()
	}
	if s.dispatching.Load() {
		<-s.dispatcher.Done()
	}
}

func (s *Session) closeStream() {
	s.streamOnce.Do(func() {
		if err := s.stream.Close(); err != nil {
			logging.Debug("closing stream failed",
				logging.SessionID(s.name), logging.Err(err), logging.Component("session"))
		}
	})
}

// Wait blocks until the session has ended and its goroutines have finished
func (s *Session) Wait() {
	<-s.machine.Terminal()
	<-s.closed
	if s.writerStarted.Load() {
		<-s.writerDone
	}
}
