package vox

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voxcore/internal/state"
)

// Conn is one open message transport to a voice backend. Writes are
// serialized by the engine; Close unblocks any pending read.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a transport for the requested backend mode.
type Dialer interface {
	Dial(ctx context.Context, mode state.Mode) (Conn, error)
}

// WebSocketDialer connects to the backend over a JSON-framed WebSocket,
// one endpoint path per mode.
type WebSocketDialer struct {
	BaseURL string
	Header  http.Header
	// HandshakeTimeout bounds the dial; defaults to 10s.
	HandshakeTimeout time.Duration
}

func (d *WebSocketDialer) Dial(ctx context.Context, mode state.Mode) (Conn, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	u = u.JoinPath("v1", "live", string(mode))

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
