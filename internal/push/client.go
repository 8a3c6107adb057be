package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/transport"
)

// DefaultURL is the loop service's push endpoint.
const DefaultURL = "ws://localhost:8000/ws"

// Reconnect and keepalive defaults.
const (
	DefaultInitialBackoff = 1500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultPingInterval   = 20 * time.Second
)

// Sink receives decoded push input. The engine implements it; both
// methods return false once the engine has stopped.
type Sink interface {
	PushTransport(u transport.Update) bool
	PushGesture(g gesture.Event) bool
}

// Status is the connection state of a Client.
type Status struct {
	URL       string    `json:"url"`
	Connected bool      `json:"connected"`
	Retries   int       `json:"retries"`
	LastError string    `json:"lastError,omitempty"`
	Since     time.Time `json:"since"`
}

// Client keeps a websocket open to the push endpoint and forwards every
// message to its Sink.
//
// Reconnection strategy: exponential backoff starting at 1.5s and doubling
// up to 30s, reset after a successful dial. Retries counts consecutive
// failed attempts.
//
// Thread-safety: Status may be called from any goroutine while Run is
// active.
type Client struct {
	url            string
	sink           Sink
	dialer         *websocket.Dialer
	initialBackoff time.Duration
	maxBackoff     time.Duration
	pingInterval   time.Duration

	mu     sync.Mutex
	status Status
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff sets the first retry delay and its cap.
func WithBackoff(initial, limit time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.initialBackoff = initial
		}
		if limit >= c.initialBackoff {
			c.maxBackoff = limit
		}
	}
}

// WithPingInterval sets how often a "ping" text frame is sent. Zero
// disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pingInterval = d
	}
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// NewClient creates a client for url. An empty url uses DefaultURL.
func NewClient(url string, sink Sink, opts ...Option) *Client {
	if url == "" {
		url = DefaultURL
	}
	c := &Client{
		url:            url,
		sink:           sink,
		dialer:         websocket.DefaultDialer,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		pingInterval:   DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status = Status{URL: c.url, Since: time.Now()}
	return c
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Run connects and reads until ctx is done, reconnecting on failure.
// It always returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	delay := c.initialBackoff
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			retries := c.failed(err)
			slog.Warn("push connect failed",
				"url", c.url,
				"retry", retries,
				"backoff", delay,
				"error", err)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			delay = min(delay*2, c.maxBackoff)
			continue
		}

		delay = c.initialBackoff
		c.connected()
		slog.Info("push connected", "url", c.url)

		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			c.disconnected(nil)
			return ctx.Err()
		}
		c.disconnected(err)
		slog.Warn("push connection lost", "url", c.url, "error", err)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

// serve reads one connection until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	if c.pingInterval > 0 {
		go c.ping(conn, done)
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		c.handle(data)
	}
}

// ping keeps idle proxies from closing the connection. The service
// answers with a "pong" text frame, which handle skips.
func (c *Client) ping(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			_ = conn.SetWriteDeadline(time.Now().Add(c.pingInterval))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				slog.Debug("push ping failed", "error", err)
				return
			}
		}
	}
}

// handle decodes one text frame and forwards it to the sink.
func (c *Client) handle(data []byte) {
	if bytes.Equal(bytes.TrimSpace(data), []byte("pong")) {
		return
	}

	msg, err := Decode(data)
	if err != nil {
		slog.Debug("push message skipped", "error", err)
		return
	}
	if !msg.Known() {
		slog.Debug("push message type ignored", "type", msg.Type)
		return
	}
	if len(msg.Dropped) > 0 {
		slog.Debug("push fields dropped", "type", msg.Type, "fields", msg.Dropped)
	}

	if msg.Transport != nil && !c.sink.PushTransport(*msg.Transport) {
		slog.Debug("push sink closed", "type", msg.Type)
		return
	}
	for _, g := range msg.Gestures {
		if !c.sink.PushGesture(g) {
			slog.Debug("push sink closed", "type", msg.Type)
			return
		}
	}
}

func (c *Client) failed(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Retries++
	c.status.LastError = err.Error()
	return c.status.Retries
}

func (c *Client) connected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Connected = true
	c.status.Retries = 0
	c.status.Since = time.Now()
}

func (c *Client) disconnected(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Connected = false
	c.status.Since = time.Now()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.status.LastError = describe(err)
	}
}

func describe(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("closed by server (%d)", ce.Code)
	}
	return err.Error()
}

// sleep waits for d or until ctx is done. It reports whether the full
// delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
