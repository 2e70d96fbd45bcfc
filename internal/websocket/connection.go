package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnOptions tune a Connection.
type ConnOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = 100
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * o.PingInterval
	}
	return o
}

// Connection wraps one socket
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no relay logic in the connection wrapper
type Connection struct {
	conn    *websocket.Conn
	writeCh chan []byte
	opts    ConnOptions
	logger  *zap.SugaredLogger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu    sync.RWMutex // protects name and group
	name  string
	group string
}

// NewConnection wraps conn and starts its writer goroutine.
func NewConnection(conn *websocket.Conn, opts ConnOptions, logger *zap.SugaredLogger) *Connection {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		writeCh: make(chan []byte, opts.BufferSize),
		opts:    opts,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()
	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races;
// heartbeat pings go through the same loop
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugw("socket write failed", "error", err)
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debugw("socket ping failed", "error", err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v, waiting up to the write timeout for buffer space.
func (c *Connection) WriteJSON(v any) error {
	data, err := c.encode(v)
	if err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// TrySend queues v without blocking.
func (c *Connection) TrySend(v any) error {
	data, err := c.encode(v)
	if err != nil {
		return err
	}
	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrBufferFull
	}
}

func (c *Connection) encode(v any) ([]byte, error) {
	select {
	case <-c.ctx.Done():
		return nil, ErrConnectionClosed
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, ErrInvalidJSON
	}
	return data, nil
}

// readLoop delivers every text frame to handle until the socket fails.
// The read deadline is extended by each frame and pong.
func (c *Connection) readLoop(handle func([]byte)) {
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	if err := extend(); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debugw("socket read failed", "error", err)
			}
			return
		}
		if err := extend(); err != nil {
			return
		}
		if messageType == websocket.TextMessage {
			handle(data)
		}
	}
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
// ARCHITECTURAL DISCOVERY: Clean shutdown requires careful goroutine coordination
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// SetIdentity records the name and group the socket authenticated as.
func (c *Connection) SetIdentity(name, group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
	c.group = group
}

// Identity returns the authenticated name and group.
func (c *Connection) Identity() (name, group string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name, c.group
}

// IsAuthenticated reports whether AUTH succeeded on this socket.
func (c *Connection) IsAuthenticated() bool {
	name, _ := c.Identity()
	return name != ""
}
