package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"bookingsync/internal/domain"

	"github.com/gorilla/websocket"
)

// WebsocketDialer connects to the push endpoint with a bearer token.
type WebsocketDialer struct {
	url              string
	token            string
	heartbeatTimeout time.Duration
	dialer           *websocket.Dialer
}

func NewWebsocketDialer(url, token string, handshakeTimeout, heartbeatTimeout time.Duration) *WebsocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WebsocketDialer{
		url:              url,
		token:            token,
		heartbeatTimeout: heartbeatTimeout,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}

	ws, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial push channel: status %d: %w", resp.StatusCode, domain.ErrAuthExpired)
		}
		return nil, domain.TransportError("dial push channel", err)
	}

	conn := &wsConn{ws: ws, heartbeat: d.heartbeatTimeout}
	ws.SetPingHandler(func(data string) error {
		conn.extend()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	return conn, nil
}

type wsConn struct {
	ws        *websocket.Conn
	heartbeat time.Duration
	closeOnce sync.Once
}

// ReadMessage returns the next data frame. Any frame, pings included,
// pushes the heartbeat deadline forward.
func (c *wsConn) ReadMessage() ([]byte, error) {
	c.extend()
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, domain.TransportError("read push channel", err)
	}
	return data, nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) extend() {
	if c.heartbeat > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.heartbeat))
	}
}
