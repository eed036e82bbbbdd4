// Package transport implements the websocket Transport Adapter: the
// message-oriented duplex channel carrying envelopes, with internal
// reconnect on abnormal close. Socket lifecycle is published on the bus;
// inbound envelopes go to the receive callback.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chatify/core/internal/bus"
	"github.com/chatify/core/internal/wire"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const writeTimeout = 10 * time.Second

// Config tunes the websocket client.
type Config struct {
	URL           string
	ReconnectBase time.Duration // initial delay after an abnormal close
	ReconnectMax  time.Duration // backoff ceiling
}

// Client is the websocket transport adapter.
type Client struct {
	cfg    Config
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	open      bool
	closed    bool // explicit disconnect requested; suppresses reconnect
	delay     time.Duration
	reconnect *time.Timer

	ctx       context.Context
	onReceive func(wire.Envelope)
}

// New creates a transport client. Connect must be called before use.
func New(cfg Config, b *bus.Bus, logger *zap.Logger) *Client {
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 15 * time.Second
	}
	return &Client{
		cfg:    cfg,
		bus:    b,
		logger: logger,
		delay:  cfg.ReconnectBase,
	}
}

// Connect dials the server and starts the read loop, delivering each
// inbound envelope to onReceive. On failure (and on any later abnormal
// close) the client keeps reconnecting with exponential backoff until
// Disconnect is called.
func (c *Client) Connect(ctx context.Context, onReceive func(wire.Envelope)) error {
	c.mu.Lock()
	c.ctx = ctx
	c.onReceive = onReceive
	c.mu.Unlock()
	return c.dial()
}

// IsOpen reports whether the socket is currently open.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Join announces the rooms and user this connection wants events for.
// The server does not ack joins; success means the envelope was written.
func (c *Client) Join(payload wire.JoinPayload) (*wire.JoinResult, error) {
	env := wire.Envelope{Type: wire.TypeJoin, Join: &payload}
	if err := c.Dispatch(env); err != nil {
		return nil, err
	}
	return &wire.JoinResult{
		RoomIDs:       payload.RoomIDs,
		ParticipantID: payload.SenderID,
	}, nil
}

// Dispatch writes one envelope to the socket. Fails when not connected.
func (c *Client) Dispatch(env wire.Envelope) error {
	c.mu.Lock()
	conn, open, ctx := c.conn, c.open, c.ctx
	c.mu.Unlock()
	if !open || conn == nil {
		return fmt.Errorf("websocket connection is not open")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Disconnect closes the socket normally and stops reconnecting.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closed connection normally")
	}
}

func (c *Client) dial() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	ctx := c.ctx
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		c.logger.Warn("websocket dial failed, retrying",
			zap.String("url", c.cfg.URL), zap.Error(err))
		c.scheduleReconnect()
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.open = true
	c.delay = c.cfg.ReconnectBase // reset backoff on a successful open
	c.mu.Unlock()

	c.logger.Info("websocket connected", zap.String("url", c.cfg.URL))
	c.bus.Emit(bus.KindSocketOpen, nil)

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			c.handleClose(err)
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("discarding malformed envelope", zap.Error(err))
			continue
		}
		if c.onReceive != nil {
			c.onReceive(env)
		}
	}
}

func (c *Client) handleClose(err error) {
	c.mu.Lock()
	c.open = false
	c.conn = nil
	requested := c.closed
	c.mu.Unlock()

	code := websocket.CloseStatus(err)
	c.bus.Emit(bus.KindSocketClosed, bus.SocketClosed{Code: int(code)})

	if requested || code == websocket.StatusNormalClosure {
		c.logger.Info("websocket closed normally")
		return
	}

	c.logger.Warn("lost websocket connection, retrying",
		zap.Error(err), zap.Int("code", int(code)))
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	d := c.delay
	c.delay = nextReconnectDelay(c.delay, c.cfg.ReconnectMax)
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.reconnect = time.AfterFunc(d, func() { _ = c.dial() })
}

// nextReconnectDelay doubles the backoff, capped at max.
func nextReconnectDelay(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
