// Package wsclient wraps gorilla/websocket for the dispatcher. A dispatched
// WebSocket request is one connection lifecycle: dial, optionally exchange a
// message, close. Success is the handshake completing.
package wsclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message is one WebSocket frame to send or receive.
type Message struct {
	Type int // websocket.TextMessage or websocket.BinaryMessage
	Data []byte
}

// Config configures a client.
type Config struct {
	URL              string
	Headers          http.Header
	HandshakeTimeout time.Duration
}

// Client is a single WebSocket connection. Safe for concurrent use, though
// the dispatcher uses one client per dispatched request.
type Client struct {
	url     string
	headers http.Header
	dialer  *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(cfg Config) *Client {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	return &Client{
		url:     cfg.URL,
		headers: cfg.Headers,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

// Connect performs the WebSocket handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("already connected")
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	c.conn = conn
	return nil
}

// Send writes one message on the connection.
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	if err := c.conn.WriteMessage(msg.Type, msg.Data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Receive reads one message, waiting at most the given timeout.
func (c *Client) Receive(timeout time.Duration) (Message, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return Message{}, fmt.Errorf("not connected")
	}
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return Message{}, fmt.Errorf("read message: %w", err)
	}
	return Message{Type: msgType, Data: data}, nil
}

// Close sends a close frame and tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(5*time.Second),
	)
	closeErr := c.conn.Close()
	c.conn = nil
	if err != nil {
		return err
	}
	return closeErr
}
