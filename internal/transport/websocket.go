package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/protocol"
)

// maxWebSocketMessage bounds a single binary message; writers never exceed
// one message block per message
const maxWebSocketMessage = protocol.HeaderSize + protocol.MaxMessageBlockDataLength + len(protocol.HandshakeHeader)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// clients are not browsers; authentication is done with basic auth
		return true
	},
}

// WebSocketStream adapts a WebSocket connection to a byte stream. Each Write
// becomes one binary message; reads span message boundaries.
type WebSocketStream struct {
	conn   *websocket.Conn
	reader io.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWebSocketStream wraps an established connection
func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	conn.SetReadLimit(int64(maxWebSocketMessage))
	return &WebSocketStream{conn: conn}
}

func (w *WebSocketStream) Read(p []byte) (int, error) {
	for {
		if w.reader == nil {
			msgType, r, err := w.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			w.reader = r
		}
		n, err := w.reader.Read(p)
		if errors.Is(err, io.EOF) {
			w.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *WebSocketStream) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame on a best-effort basis and closes the connection
func (w *WebSocketStream) Close() error {
	var err error
	w.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = w.conn.Close()
	})
	return err
}

// Authenticator checks basic auth credentials and returns the login name
// sessions of this connection run under
type Authenticator func(user, password string) (login string, ok bool)

// WebSocketHandler upgrades authenticated requests and hands each stream to
// serve, which runs on the request goroutine until the session is over
func WebSocketHandler(auth Authenticator, serve func(login string, s Stream)) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		login := ""
		if ok {
			login, ok = auth(user, password)
		}
		if !ok {
			rw.Header().Set("WWW-Authenticate", `Basic realm="uplink"`)
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			logging.Warn("rejected websocket login",
				"user", user,
				"remote", r.RemoteAddr,
				logging.Component("transport"))
			return
		}
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			logging.Debug("websocket upgrade failed",
				"remote", r.RemoteAddr,
				logging.Err(err),
				logging.Component("transport"))
			return
		}
		serve(login, NewWebSocketStream(conn))
	})
}

// DialWebSocket connects to a relay's WebSocket endpoint with basic auth
func DialWebSocket(ctx context.Context, url, user, password string, timeout time.Duration) (Stream, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+password)))

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketStream(conn), nil
}
