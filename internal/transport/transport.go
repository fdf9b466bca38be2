// Package transport provides the byte streams sessions run on: TCP, WebSocket,
// in-memory pipes and a bandwidth-throttled wrapper.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/net/netutil"

	"github.com/moltbunker/uplink/internal/logging"
)

// Stream is a duplex byte stream. Close must unblock pending reads and writes.
type Stream interface {
	io.ReadWriteCloser
}

// Pipe returns the two ends of a synchronous in-memory stream. Writes block
// until the other end reads, which makes it suitable for backpressure tests.
func Pipe() (Stream, Stream) {
	a, b := net.Pipe()
	return a, b
}

// Listen opens a TCP listener that accepts at most maxConns concurrent
// connections; zero means unlimited
func Listen(addr string, maxConns int) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if maxConns > 0 {
		l = netutil.LimitListener(l, maxConns)
	}
	logging.Info("listening for tcp connections",
		"addr", l.Addr().String(),
		"max_connections", maxConns,
		logging.Component("transport"))
	return l, nil
}

// DialTCP connects to a relay's TCP listener
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (Stream, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
