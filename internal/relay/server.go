package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/transport"
	"github.com/moltbunker/uplink/internal/util"
)

// ServerConfig configures the network listeners of a relay
type ServerConfig struct {
	// TCPAddress accepts raw stream connections; empty disables TCP
	TCPAddress string
	// TCPLogin is the account name assigned to TCP connections, which carry
	// no credentials of their own
	TCPLogin string
	// WebSocketAddress and WebSocketPath serve authenticated WebSocket connections
	WebSocketAddress string
	WebSocketPath    string
	MaxConnections   int
	Accounts         *Accounts
}

// Server exposes a Relay on TCP and WebSocket listeners
type Server struct {
	relay *Relay
	cfg   ServerConfig

	mu        sync.Mutex
	listeners []net.Listener
	http      *http.Server
	wg        sync.WaitGroup
}

// NewServer creates a server for relay
func NewServer(relay *Relay, cfg ServerConfig) *Server {
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = "/uplink"
	}
	return &Server{relay: relay, cfg: cfg}
}

// Start opens the configured listeners and begins accepting connections
func (s *Server) Start() error {
	if s.cfg.TCPAddress == "" && s.cfg.WebSocketAddress == "" {
		return errors.New("no listener configured")
	}
	if s.cfg.TCPAddress != "" {
		if s.cfg.TCPLogin == "" {
			return errors.New("tcp listener requires a login")
		}
		l, err := transport.Listen(s.cfg.TCPAddress, s.cfg.MaxConnections)
		if err != nil {
			return err
		}
		s.track(l)
		s.wg.Add(1)
		util.SafeGoWithName("relay-accept-tcp", func() {
			defer s.wg.Done()
			s.acceptLoop(l)
		})
	}
	if s.cfg.WebSocketAddress != "" {
		if s.cfg.Accounts == nil || s.cfg.Accounts.Len() == 0 {
			return errors.New("websocket listener requires at least one account")
		}
		l, err := transport.Listen(s.cfg.WebSocketAddress, s.cfg.MaxConnections)
		if err != nil {
			s.Close()
			return err
		}
		mux := http.NewServeMux()
		mux.Handle(s.cfg.WebSocketPath, s.WebSocketHandler())
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		s.mu.Lock()
		s.http = srv
		s.mu.Unlock()
		s.wg.Add(1)
		util.SafeGoWithName("relay-serve-websocket", func() {
			defer s.wg.Done()
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("websocket listener failed", logging.Err(err), logging.Component("relay"))
			}
		})
	}
	return nil
}

// WebSocketHandler returns the HTTP handler upgrading authenticated requests
// to relay sessions
func (s *Server) WebSocketHandler() http.Handler {
	authenticate := func(user, password string) (string, bool) {
		login, ok := s.cfg.Accounts.Authenticate(user, password)
		if !ok {
			logging.Audit(logging.AuditEvent{
				Operation: "login_rejected",
				Actor:     user,
				Result:    "failure",
				Details:   "websocket basic auth",
			})
		}
		return login, ok
	}
	return transport.WebSocketHandler(authenticate, func(login string, stream transport.Stream) {
		s.relay.ServeConnection(stream, login)
	})
}

// Addrs returns the addresses of the open TCP listeners
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (s *Server) track(l net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *Server) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Warn("accept failed", logging.Err(err), logging.Component("relay"))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		logging.Debug("accepted connection",
			"remote", conn.RemoteAddr().String(),
			logging.Component("relay"))
		s.wg.Add(1)
		util.SafeGoWithName("relay-conn", func() {
			defer s.wg.Done()
			s.relay.ServeConnection(conn, s.cfg.TCPLogin)
		})
	}
}

// Close stops accepting new connections. Running sessions are left to
// Relay.Shutdown.
func (s *Server) Close() error {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	srv := s.http
	s.http = nil
	s.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if srv != nil {
		if err := srv.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown closes the listeners, shuts down the relay and waits for all
// connection goroutines
func (s *Server) Shutdown(ctx context.Context) error {
	closeErr := s.Close()
	shutdownErr := s.relay.Shutdown(ctx)
	s.wg.Wait()
	if closeErr != nil {
		return fmt.Errorf("close listeners: %w", closeErr)
	}
	return shutdownErr
}
