package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client represents a single WebSocket connection to the dashboard backend.
// A Client is used for exactly one connection attempt and is replaced on
// every reconnect.
type Client interface {
	// ID returns the unique id of this connection attempt.
	ID() string

	// Open starts dialing in the background and returns immediately. The
	// outcome is reported through Events.
	Open(ctx context.Context)

	// Close gracefully closes the connection. Close fires OnClose once the
	// read loop has exited; it never fires OnError.
	Close() error

	// Send writes a text frame.
	Send(data []byte) error

	// State returns the current lifecycle state.
	State() State
}

// client implements the Client interface.
type client struct {
	id     string
	cfg    ClientConfig
	events Events
	logger *slog.Logger

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.Mutex
	conn       *websocket.Conn
	state      State
	closing    bool
	cancelDial context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

// NewClient creates a new WebSocket client in the idle state.
func NewClient(cfg ClientConfig, events Events, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	return &client{
		id:     id,
		cfg:    cfg,
		events: events,
		logger: logger.With("conn_id", id),
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

func (c *client) ID() string {
	return c.id
}

func (c *client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open starts the dial goroutine.
func (c *client) Open(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		c.logger.Warn("open called on used client", "state", c.state)
		return
	}
	c.state = StateConnecting
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel
	c.mu.Unlock()

	go c.run(dialCtx, cancel)
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return nil
	case StateIdle:
		c.state = StateClosed
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.closing = true
		c.state = StateClosing
		cancel := c.cancelDial
		c.mu.Unlock()
		cancel()
		return nil
	}

	c.closing = true
	c.state = StateClosing
	conn := c.conn
	c.mu.Unlock()

	// Send close message; the read loop exits on the resulting error.
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout),
	)
	return conn.Close()
}

// Send writes raw bytes to the connection.
func (c *client) Send(data []byte) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// run dials, then reads until the connection ends. Every event callback is
// invoked from this goroutine.
func (c *client) run(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	header := http.Header{}
	header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)

	c.mu.Lock()
	closing := c.closing
	if err != nil || closing {
		c.state = StateClosed
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		if closing {
			c.emitClose(nil)
			return
		}
		err = fmt.Errorf("dial %s: %w", c.cfg.URL, err)
		c.logger.Debug("websocket dial failed", "error", err)
		c.emitError(err)
		c.emitClose(err)
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	c.extendReadDeadline(conn)

	// Server ping: reply with pong and count it as liveness
	conn.SetPingHandler(func(data string) error {
		c.extendReadDeadline(conn)
		err := conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	// Pong for our keepalive ping
	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline(conn)
		return nil
	})

	c.logger.Debug("websocket connected", "url", c.cfg.URL)
	if c.events.OnOpen != nil {
		c.events.OnOpen()
	}

	if c.cfg.PingInterval > 0 {
		go c.heartbeatLoop(conn)
	}
	c.readLoop(conn)
}

// readLoop delivers frames until the connection fails or is closed.
func (c *client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			c.finish(conn, err)
			return
		}

		c.extendReadDeadline(conn)
		if c.events.OnMessage != nil {
			c.events.OnMessage(data, receivedAt)
		}
	}
}

// finish moves the client to closed and reports the outcome.
func (c *client) finish(conn *websocket.Conn, err error) {
	c.mu.Lock()
	closing := c.closing
	c.state = StateClosed
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	conn.Close()

	switch {
	case closing:
		c.logger.Debug("websocket closed")
		c.emitClose(nil)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure):
		c.logger.Info("server closed connection")
		c.emitClose(nil)
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			err = fmt.Errorf("%w: %v", ErrStaleConnection, err)
		}
		if !isCloseHandshake(err) {
			c.emitError(err)
		}
		c.logger.Info("connection lost", "error", err)
		c.emitClose(err)
	}
}

// heartbeatLoop sends a keepalive ping every PingInterval.
func (c *client) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

// isCloseHandshake reports whether err is a close frame from the peer, as
// opposed to an abnormal drop (1006) or a network failure.
func isCloseHandshake(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure
}

func (c *client) extendReadDeadline(conn *websocket.Conn) {
	if c.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
}

func (c *client) emitError(err error) {
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
}

func (c *client) emitClose(err error) {
	if c.events.OnClose != nil {
		c.events.OnClose(err)
	}
}
