package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/levelup-chat/levelup/internal/identity"
	"github.com/levelup-chat/levelup/internal/protocol"
)

const (
	defaultHandshakeTimeout = 20 * time.Second
	writeTimeout            = 10 * time.Second
	readTimeout             = 60 * time.Second
	pingInterval            = 54 * time.Second
	maxFrameSize            = 512 * 1024
)

// Conn is one established push channel. Read blocks until the next
// inbound event or a transport error; Write is safe for concurrent use.
type Conn interface {
	Read() (*protocol.Event, error)
	Write(*protocol.Event) error
	Close() error
}

// Transport dials the push channel. The Manager depends on this
// interface so tests can substitute an in-memory implementation.
type Transport interface {
	Dial(ctx context.Context, rawURL string, id identity.Identity) (Conn, error)
}

// WebsocketTransport dials the gateway over a gorilla websocket, with
// the session token bound as a query parameter at dial time.
type WebsocketTransport struct {
	// HandshakeTimeout bounds the dial. Zero means the 20s default.
	HandshakeTimeout time.Duration
}

// Dial establishes the websocket and starts its keepalive loop.
func (t *WebsocketTransport) Dial(ctx context.Context, rawURL string, id identity.Identity) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway address: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	query := u.Query()
	query.Set("token", id.Token)
	u.RawQuery = query.Encode()

	timeout := t.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: timeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gateway handshake failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("gateway handshake failed: %w", err)
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	wc := &wsConn{conn: conn, done: make(chan struct{})}
	go wc.pingLoop()
	return wc, nil
}

// wsConn wraps a websocket with the JSON event envelope and a
// keepalive ping loop. All writes (including pings) serialize on
// writeMu; gorilla connections allow only one concurrent writer.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (c *wsConn) Read() (*protocol.Event, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			// A malformed frame is not a transport failure; skip it.
			continue
		}
		return &ev, nil
	}
}

func (c *wsConn) Write(ev *protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Name, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
	})
	return nil
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
