// Package wsclient maintains the live WebSocket connection to the upstream
// CLOB stream: connect/reconnect/backoff, subscription bookkeeping, and
// frame dispatch by discriminator.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	pingTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	maxFrameSize = 10 << 20 // 10 MiB

	initialBackoff       = time.Second
	maxBackoff           = 60 * time.Second
	maxConsecutiveErrors = 5
)

// State is the connection lifecycle state, per §4.5's state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStreaming
)

// Dispatcher receives decoded frame payloads by discriminator. Handlers
// should return quickly; long-running work belongs downstream of the
// channel they forward onto.
type Dispatcher interface {
	HandlePriceChange(ctx context.Context, payload json.RawMessage)
	HandleTrade(ctx context.Context, payload json.RawMessage)
	HandleBookTop(ctx context.Context, payload json.RawMessage)
	HandleSnapshot(ctx context.Context, payload json.RawMessage)
	HandleDelta(ctx context.Context, payload json.RawMessage)
}

// Credentials are passed through as opaque query parameters; the client
// never interprets them.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// Client owns a single WebSocket connection and its subscription set.
type Client struct {
	baseURL string
	creds   Credentials
	logger  *slog.Logger
	disp    Dispatcher

	connMu sync.Mutex
	conn   *websocket.Conn
	state  State

	subMu      sync.Mutex
	subscribed map[string]bool

	consecutiveFailures int
}

// New builds a Client pointed at baseURL, dispatching decoded frames to
// disp.
func New(baseURL string, creds Credentials, disp Dispatcher, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		creds:      creds,
		disp:       disp,
		logger:     logger.With("component", "wsclient"),
		subscribed: make(map[string]bool),
	}
}

// State reports the current connection lifecycle state.
func (c *Client) State() State {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.state
}

// Run connects and maintains the connection with exponential backoff until
// ctx is cancelled. Returns an error only if the consecutive-failure budget
// is exhausted (the supervisor escalation point); a clean ctx cancellation
// returns nil.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff

	for {
		err := c.connectAndStream(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}

		c.consecutiveFailures++
		c.logger.Warn("websocket disconnected, reconnecting",
			"error", err, "backoff", backoff, "consecutive_failures", c.consecutiveFailures)

		if c.consecutiveFailures >= maxConsecutiveErrors {
			return fmt.Errorf("wsclient: %d consecutive connection failures, escalating: %w", c.consecutiveFailures, err)
		}

		sleep := jitter(backoff)
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return nil
		case <-time.After(sleep):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// jitter applies ±10% jitter to d.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.1
	return d + time.Duration((rand.Float64()*2-1)*delta)
}

func (c *Client) setState(s State) {
	c.connMu.Lock()
	c.state = s
	c.connMu.Unlock()
}

// Subscribed returns a snapshot of the currently tracked subscription set.
func (c *Client) Subscribed() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	ids := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe adds token ids to the desired subscription set and, if
// connected, sends the subscribe message immediately.
func (c *Client) Subscribe(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	c.subMu.Lock()
	for _, id := range ids {
		c.subscribed[id] = true
	}
	c.subMu.Unlock()
	return c.send(map[string]interface{}{"action": "subscribe", "type": "market", "assets_ids": ids})
}

// Unsubscribe removes token ids from the desired subscription set and, if
// connected, sends the unsubscribe message immediately.
func (c *Client) Unsubscribe(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	c.subMu.Lock()
	for _, id := range ids {
		delete(c.subscribed, id)
	}
	c.subMu.Unlock()
	return c.send(map[string]interface{}{"action": "unsubscribe", "type": "market", "assets_ids": ids})
}

func (c *Client) connectAndStream(ctx context.Context) error {
	c.setState(StateConnecting)

	dialURL := c.buildURL()
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	c.connMu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	c.consecutiveFailures = 0

	if err := c.resubscribeAll(); err != nil {
		return fmt.Errorf("initial subscribe: %w", err)
	}
	c.setState(StateStreaming)
	c.logger.Info("websocket streaming")

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(ctx, data)
	}
}

func (c *Client) buildURL() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL
	}
	q := u.Query()
	q.Set("apikey", c.creds.APIKey)
	q.Set("secret", c.creds.Secret)
	q.Set("passphrase", c.creds.Passphrase)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) resubscribeAll() error {
	c.subMu.Lock()
	ids := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		ids = append(ids, id)
	}
	c.subMu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	return c.send(map[string]interface{}{"action": "subscribe", "type": "market", "assets_ids": ids})
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.connMu.Unlock()
			if err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) send(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("wsclient: not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// dispatch parses one frame — an array (dispatched element-wise) or a
// single object — and routes it by discriminator.
func (c *Client) dispatch(ctx context.Context, data []byte) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		for _, elem := range arr {
			c.dispatchOne(ctx, elem)
		}
		return
	}
	c.dispatchOne(ctx, data)
}

func (c *Client) dispatchOne(ctx context.Context, data json.RawMessage) {
	var envelope struct {
		EventType string `json:"event_type"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug("ignoring non-json frame")
		return
	}

	switch {
	case envelope.EventType == "price_change" || hasPriceChanges(data):
		c.disp.HandlePriceChange(ctx, data)
	case envelope.Type == "trade":
		c.disp.HandleTrade(ctx, data)
	case envelope.Type == "orderbook" || envelope.Type == "book":
		c.disp.HandleBookTop(ctx, data)
	case envelope.Type == "snapshot":
		c.disp.HandleSnapshot(ctx, data)
	case envelope.Type == "delta":
		c.disp.HandleDelta(ctx, data)
	default:
		c.logger.Debug("unknown frame", "event_type", envelope.EventType, "type", envelope.Type)
	}
}

func hasPriceChanges(data json.RawMessage) bool {
	var probe struct {
		PriceChanges json.RawMessage `json:"price_changes"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return len(probe.PriceChanges) > 0
}
