// Package cdp is a minimal client for the JSON-RPC-over-websocket
// debugging protocol spoken by Chromium-family browsers. It keeps one
// duplex connection, correlates calls with replies by id, and fans
// events out to subscribers filtered by session tag. Payloads stay raw
// JSON; callers pick fields out with gjson.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	// DefaultCallTimeout bounds every call that has no tighter context
	// deadline.
	DefaultCallTimeout = 10 * time.Second

	wsReadLimit      = 100 << 20 // generous; heap profiles can be large
	wsWriteBuffer    = 1 << 20
	handshakeTimeout = 10 * time.Second
	resolveTimeout   = 5 * time.Second
	pingInterval     = 20 * time.Second
	pongWait         = 3 * pingInterval / 2
	connectAttempts  = 3
)

// Client is one connection to a browser debug endpoint.
type Client struct {
	logger logrus.FieldLogger
	wsURL  string
	conn   *websocket.Conn

	writeMu sync.Mutex
	msgID   int64

	pendingMu sync.Mutex
	pending   map[int64]chan *Message

	subsMu        sync.RWMutex
	subs          map[*Subscription]struct{}
	droppedEvents uint64

	shutdownOnce sync.Once
	done         chan struct{}
	closeErr     error

	discMu       sync.Mutex
	onDisconnect []func(error)
}

// Connect dials the browser's debug endpoint and starts the message
// pump. endpoint is a plain host:port or http(s):// address; the actual
// websocket URL is re-resolved from its /json/version answer on every
// attempt. A ws:// or wss:// endpoint is dialed directly. Transient
// failures are retried with exponential back-off, three attempts total.
func Connect(ctx context.Context, endpoint string, logger logrus.FieldLogger) (*Client, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "cdp")

	var c *Client
	attempt := 0
	op := func() error {
		attempt++
		var err error
		c, err = connectOnce(ctx, endpoint, logger)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrHandshakeFailed) {
			return backoff.Permanent(err)
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("connect failed")
		return err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.Multiplier = 2
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, connectAttempts-1), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return c, nil
}

func connectOnce(ctx context.Context, endpoint string, logger logrus.FieldLogger) (*Client, error) {
	wsURL := endpoint
	if !strings.HasPrefix(endpoint, "ws://") && !strings.HasPrefix(endpoint, "wss://") {
		var err error
		if wsURL, err = resolveWebSocketURL(ctx, endpoint); err != nil {
			return nil, err
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		WriteBufferSize:  wsWriteBuffer,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		switch {
		case errors.Is(err, websocket.ErrBadHandshake):
			return nil, fmt.Errorf("dial %s: %w", wsURL, ErrHandshakeFailed)
		case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
			return nil, fmt.Errorf("dial %s: %w", wsURL, ErrClosed)
		default:
			return nil, fmt.Errorf("dial %s: %v: %w", wsURL, err, ErrUnreachable)
		}
	}

	c := &Client{
		logger:  logger,
		wsURL:   wsURL,
		conn:    conn,
		pending: make(map[int64]chan *Message),
		subs:    make(map[*Subscription]struct{}),
		done:    make(chan struct{}),
	}
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readLoop()
	go c.keepalive()

	logger.WithField("wsURL", wsURL).Debug("connected")
	return c, nil
}

// resolveClient keeps no idle connections: version probes are rare and a
// pooled connection would outlive the client that made it.
var resolveClient = &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}

// resolveWebSocketURL asks the endpoint's HTTP side for the browser-level
// websocket URL. Re-resolving on every connect attempt matters: the URL
// embeds a browser GUID that changes across restarts.
func resolveWebSocketURL(ctx context.Context, endpoint string) (string, error) {
	base := endpoint
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	base = strings.TrimSuffix(base, "/")

	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, base+"/json/version", nil)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", endpoint, ErrUnreachable)
	}
	resp, err := resolveClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %v: %w", endpoint, err, ErrUnreachable)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("resolve %s: read: %w", endpoint, ErrUnreachable)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve %s: status %d: %w", endpoint, resp.StatusCode, ErrHandshakeFailed)
	}
	wsURL := gjson.GetBytes(body, "webSocketDebuggerUrl").String()
	if wsURL == "" {
		return "", fmt.Errorf("resolve %s: no webSocketDebuggerUrl in version info: %w", endpoint, ErrHandshakeFailed)
	}
	return wsURL, nil
}

// WSURL returns the resolved websocket URL of this connection.
func (c *Client) WSURL() string { return c.wsURL }

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// DroppedEvents returns how many events were discarded across all
// subscriptions because their queues were full.
func (c *Client) DroppedEvents() uint64 { return atomic.LoadUint64(&c.droppedEvents) }

// OnDisconnect registers fn to run once, on the goroutine that tears the
// connection down, when the channel is lost (or closed). Registration
// after disconnect fires fn immediately.
func (c *Client) OnDisconnect(fn func(error)) {
	c.discMu.Lock()
	select {
	case <-c.done:
		c.discMu.Unlock()
		go fn(c.closeErr)
		return
	default:
	}
	c.onDisconnect = append(c.onDisconnect, fn)
	c.discMu.Unlock()
}

// Call invokes a browser-level method and blocks until its reply, the
// default timeout, ctx, or disconnect.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, "", method, params, nil)
}

func (c *Client) call(ctx context.Context, sessionID, method string, params any, abort <-chan struct{}) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, fmt.Errorf("%s: %w", method, ErrDisconnected)
	default:
	}

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = b
	}

	id := atomic.AddInt64(&c.msgID, 1)
	reply := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(&Message{ID: id, Method: method, Params: raw, SessionID: sessionID}); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	timer := time.NewTimer(DefaultCallTimeout)
	defer timer.Stop()
	select {
	case m := <-reply:
		if m.Error != nil {
			m.Error.Method = method
			return nil, m.Error
		}
		return m.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return nil, ctx.Err()
	case <-abort:
		return nil, fmt.Errorf("%s: %w", method, ErrDisconnected)
	case <-c.done:
		return nil, fmt.Errorf("%s: %w", method, ErrDisconnected)
	}
}

// Subscribe registers for the named events. session selects which
// session-tagged events are delivered: a session id for that session's
// events, the empty string for browser-level (untagged) events, or
// SessionAny for everything.
func (c *Client) Subscribe(session string, events ...string) *Subscription {
	sub := &Subscription{
		client:  c,
		methods: make(map[string]struct{}, len(events)),
		session: session,
		ch:      make(chan Event, subscriptionBuffer),
	}
	for _, ev := range events {
		sub.methods[ev] = struct{}{}
	}

	c.subsMu.Lock()
	select {
	case <-c.done:
		sub.closed = true
		close(sub.ch)
	default:
		c.subs[sub] = struct{}{}
	}
	c.subsMu.Unlock()
	return sub
}

func (c *Client) unsubscribe(sub *Subscription) {
	c.subsMu.Lock()
	if !sub.closed {
		sub.closed = true
		delete(c.subs, sub)
		close(sub.ch)
	}
	c.subsMu.Unlock()
}

func (c *Client) send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrDisconnected
	default:
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown(fmt.Errorf("write: %w", err))
		return ErrDisconnected
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("read: %w", err))
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.WithError(err).Warn("discarding malformed message")
			continue
		}
		switch {
		case msg.Method != "":
			c.dispatch(Event{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params})
		case msg.ID != 0:
			c.pendingMu.Lock()
			reply, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.pendingMu.Unlock()
			if ok {
				reply <- &msg
			}
		}
	}
}

func (c *Client) dispatch(ev Event) {
	c.subsMu.RLock()
	for sub := range c.subs {
		if sub.matches(ev) {
			sub.deliver(ev)
		}
	}
	c.subsMu.RUnlock()
}

func (c *Client) keepalive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(pingInterval / 2)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close tears the connection down. Pending calls fail with
// ErrDisconnected, subscription channels are closed, and disconnect
// callbacks fire exactly once.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.shutdownOnce.Do(func() {
		c.closeErr = cause
		if cause == nil {
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		} else {
			c.logger.WithError(cause).Debug("connection lost")
		}
		close(c.done)
		_ = c.conn.Close()

		// End-of-stream for every subscriber.
		c.subsMu.Lock()
		for sub := range c.subs {
			sub.closed = true
			close(sub.ch)
		}
		c.subs = make(map[*Subscription]struct{})
		c.subsMu.Unlock()

		c.discMu.Lock()
		callbacks := c.onDisconnect
		c.onDisconnect = nil
		c.discMu.Unlock()
		if len(callbacks) > 0 {
			go func() {
				for _, fn := range callbacks {
					fn(cause)
				}
			}()
		}
	})
}
