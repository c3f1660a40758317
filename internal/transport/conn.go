// Package transport owns the physical WebSocket connection: dial, read and
// write pumps, heartbeat, and failure reporting.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config tunes one connection attempt.
type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration

	// HeartbeatInterval is the ping cadence. A pong must arrive within
	// twice this interval or the read pump fails the connection, forcing
	// a reconnect even when the transport reports no error.
	HeartbeatInterval time.Duration

	WriteTimeout time.Duration
}

// Conn is one live WebSocket connection. It reports inbound frames on
// Messages and exactly one failure on Errors; after either channel closes or
// delivers a failure the Conn is dead and a new one must be dialed.
type Conn struct {
	conn *websocket.Conn
	cfg  Config

	sendCh chan []byte
	msgCh  chan []byte
	errCh  chan error

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	failOnce sync.Once
}

// Dial opens the connection and starts the pumps.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:   ws,
		cfg:    cfg,
		sendCh: make(chan []byte, 256),
		msgCh:  make(chan []byte, 256),
		errCh:  make(chan error, 1),
		ctx:    connCtx,
		cancel: cancel,
	}

	pongWait := 2 * cfg.HeartbeatInterval
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
	return c, nil
}

// Messages returns the inbound frame channel. It is closed when the
// connection dies.
func (c *Conn) Messages() <-chan []byte {
	return c.msgCh
}

// Errors returns the failure channel. At most one error is ever delivered.
func (c *Conn) Errors() <-chan error {
	return c.errCh
}

// Send queues one frame for transmission.
func (c *Conn) Send(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("connection closed")
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("connection closed")
	}
}

// Close shuts the connection down without reporting a failure. Safe to call
// twice.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()

	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage, message, deadline)

	return c.conn.Close()
}

// fail reports the first failure and tears the connection down.
func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if !closed {
			c.errCh <- err
		}
		c.Close()
	})
}

// readPump delivers inbound frames until the connection dies. The read
// deadline enforces the pong watchdog: a silent server fails the read.
func (c *Conn) readPump() {
	defer close(c.msgCh)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}

		select {
		case c.msgCh <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

// writePump pumps frames from the send channel to the connection and sends
// periodic pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(fmt.Errorf("write: %w", err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(fmt.Errorf("ping: %w", err))
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
