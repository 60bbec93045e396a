// Package signaling maintains one websocket connection to a registry and
// pumps its events to a handler. Both client and worker sides sit on the
// same channel type; only what they send differs.
package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgekit/offload/protocol"
)

// Handler receives one raw event from the registry.
type Handler func(data []byte)

// Config holds channel settings
type Config struct {
	// ReconnectAttempts bounds how often a dropped connection is
	// redialed before the channel gives up.
	ReconnectAttempts int `json:"reconnect_attempts"`

	// ReconnectDelay is the fixed wait between attempts.
	ReconnectDelay time.Duration `json:"reconnect_delay"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectAttempts: 5,
		ReconnectDelay:    2 * time.Second,
	}
}

// Channel is a signaling connection with bounded reconnect.
type Channel struct {
	config Config
	logger *slog.Logger

	handler      Handler
	onConnect    func()
	onDisconnect func()

	mu     sync.Mutex
	url    string
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex
}

// New creates a disconnected channel.
func New(config Config, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		config: config,
		logger: logger.With("component", "signaling"),
	}
}

// OnMessage sets the event handler. Must be called before Connect.
func (c *Channel) OnMessage(h Handler) { c.handler = h }

// OnConnect sets the hook invoked after every successful dial, including
// reconnects. Registration messages (create/join) belong here so they are
// replayed when the connection is re-established.
func (c *Channel) OnConnect(f func()) { c.onConnect = f }

// OnDisconnect sets the hook invoked when reconnecting is given up.
func (c *Channel) OnDisconnect(f func()) { c.onDisconnect = f }

// NormalizeURL turns a registry address into the websocket endpoint,
// appending the signaling path when absent.
func NormalizeURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, "http://"):
		addr = "ws://" + strings.TrimPrefix(addr, "http://")
	case strings.HasPrefix(addr, "https://"):
		addr = "wss://" + strings.TrimPrefix(addr, "https://")
	case !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://"):
		addr = "ws://" + addr
	}
	if !strings.HasSuffix(addr, protocol.SignalingPath) {
		addr = strings.TrimSuffix(addr, "/") + protocol.SignalingPath
	}
	return addr
}

// Connect dials the registry and starts the read pump. A connected
// channel is torn down first, so Connect can switch registries.
func (c *Channel) Connect(ctx context.Context, addr string) error {
	url := NormalizeURL(addr)

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.closed = false
	c.url = url
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return protocol.WrapError(protocol.ErrCodeNotConnected, "dial signaling", err).
			WithContext("url", url)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("signaling connected", "url", url)
	if c.onConnect != nil {
		c.onConnect()
	}
	go c.readPump(conn)
	return nil
}

// Send marshals and writes one message. Writes are serialized.
func (c *Channel) Send(v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return protocol.NewError(protocol.ErrCodeNotConnected, "signaling channel not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Connected reports whether the channel currently has a live connection.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close shuts the channel down without reconnecting.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Channel) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.conn != conn // Connect swapped the connection out
			if !stale {
				c.conn = nil
			}
			closed := c.closed
			c.mu.Unlock()
			if stale || closed {
				return
			}
			c.logger.Warn("signaling connection lost", "error", err)
			c.reconnect()
			return
		}
		if c.handler != nil {
			c.handler(data)
		}
	}
}

func (c *Channel) reconnect() {
	for attempt := 1; attempt <= c.config.ReconnectAttempts; attempt++ {
		time.Sleep(c.config.ReconnectDelay)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		url := c.url
		c.mu.Unlock()

		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			c.logger.Warn("signaling reconnect failed",
				"attempt", attempt,
				"max", c.config.ReconnectAttempts,
				"error", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("signaling reconnected", "attempt", attempt)
		if c.onConnect != nil {
			c.onConnect()
		}
		go c.readPump(conn)
		return
	}
	c.logger.Error("signaling reconnect exhausted",
		"attempts", c.config.ReconnectAttempts)
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}
