package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the adapter's connection state machine position:
// disconnected → connecting → connected → (failure) → backoff →
// connecting, with terminal disconnected after the retry budget.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateBackoff      ConnState = "backoff"
)

// ConnectionStatus is the adapter-owned view of the connection.
type ConnectionStatus struct {
	Connected    bool            `json:"connected"`
	State        ConnState       `json:"state"`
	Protocol     string          `json:"protocol,omitempty"`
	LastPing     *time.Time      `json:"last_ping,omitempty"`
	LatencyMs    *int64          `json:"latency_ms,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	ServerInfo   *ServerInfo     `json:"server_info,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Notification is a server-pushed message re-emitted on the event
// stream.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Options configures the adapter client.
type Options struct {
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	Capabilities      map[string]bool
	ClientInfo        ClientInfo
	Clock             Clock
	Logger            *log.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 30 * time.Second
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.RetryAttempts <= 0 {
		out.RetryAttempts = 5
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = time.Second
	}
	if out.Clock == nil {
		out.Clock = RealClock
	}
	if out.ClientInfo.Name == "" {
		out.ClientInfo = ClientInfo{Name: "specsync", Version: "1.0.0"}
	}
	return out
}

type pendingRequest struct {
	method string
	ch     chan pendingResult
	timer  *time.Timer
}

type pendingResult struct {
	msg *Message
	err error
}

// Client presents the uniform call surface over any Transport: connect,
// request, notify, disconnect, plus the notification stream. It owns
// the pending-request correlation table; it never touches the queue.
type Client struct {
	factory TransportFactory
	opts    Options
	logger  *log.Logger

	nextID atomic.Uint64

	mu           sync.Mutex
	transport    Transport
	status       ConnectionStatus
	pending      map[string]*pendingRequest
	reconnecting bool
	closed       bool

	notifs chan Notification
}

func NewClient(factory TransportFactory, opts Options) *Client {
	o := opts.withDefaults()
	return &Client{
		factory: factory,
		opts:    o,
		logger:  o.Logger,
		pending: make(map[string]*pendingRequest),
		status:  ConnectionStatus{State: StateDisconnected},
		notifs:  make(chan Notification, 64),
	}
}

// Status returns a copy of the adapter-owned connection status.
func (c *Client) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.status
	if c.status.Capabilities != nil {
		st.Capabilities = make(map[string]bool, len(c.status.Capabilities))
		for k, v := range c.status.Capabilities {
			st.Capabilities[k] = v
		}
	}
	return st
}

// Events delivers server-pushed notifications.
func (c *Client) Events() <-chan Notification { return c.notifs }

// Connect establishes the transport and runs the handshake, retrying
// with exponential backoff until the retry budget is exhausted. It
// returns nil once connected; afterwards transport failures trigger the
// same retry loop in the background.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()
	return c.connectLoop(ctx)
}

func (c *Client) connectLoop(ctx context.Context) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := Backoff(c.opts.RetryDelay, attempt)
			c.setState(StateBackoff, lastErr)
			c.logf("reconnect attempt %d/%d in %s", attempt, c.opts.RetryAttempts, delay)
			if err := c.opts.Clock.Sleep(ctx, delay); err != nil {
				c.setState(StateDisconnected, err)
				return err
			}
		}

		c.setState(StateConnecting, nil)
		lastErr = c.connectOnce(ctx)
		if lastErr == nil {
			return nil
		}
		c.logf("connection attempt failed: %v", lastErr)

		if attempt >= c.opts.RetryAttempts {
			c.setState(StateDisconnected, lastErr)
			return fmt.Errorf("connect: attempts exhausted: %w", lastErr)
		}
		if c.isClosed() {
			c.setState(StateDisconnected, lastErr)
			return lastErr
		}
	}
}

// connectOnce performs one transport connect plus handshake.
func (c *Client) connectOnce(ctx context.Context) error {
	transport, err := c.factory()
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	if err := transport.Connect(ctx); err != nil {
		_ = transport.Close()
		return err
	}

	c.mu.Lock()
	c.transport = transport
	c.status.Protocol = transport.Kind()
	c.mu.Unlock()

	done := make(chan struct{})
	go c.readLoop(transport, done)

	if err := c.handshake(ctx, transport); err != nil {
		// Abort the attempt entirely: no silent partial-connected state.
		c.teardown(transport, err)
		return fmt.Errorf("handshake: %w", err)
	}

	c.mu.Lock()
	c.status.Connected = true
	c.status.State = StateConnected
	c.status.Error = ""
	c.mu.Unlock()

	go c.heartbeatLoop(ctx, transport, done)
	return nil
}

func (c *Client) handshake(ctx context.Context, transport Transport) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    c.opts.Capabilities,
		ClientInfo:      c.opts.ClientInfo,
	}
	raw, err := c.request(ctx, transport, "initialize", params)
	if err != nil {
		return err
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("malformed initialize result: %v", err)}
	}

	c.mu.Lock()
	c.status.Capabilities = result.Capabilities
	c.status.ServerInfo = &result.ServerInfo
	c.mu.Unlock()

	note, err := NewNotification("initialized", nil)
	if err != nil {
		return err
	}
	return transport.Send(note)
}

// Request issues one correlated request over the current transport.
// Cancelling ctx abandons the pending entry: the response, if any, is
// discarded when it arrives.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	transport := c.transport
	connected := c.status.Connected
	c.mu.Unlock()
	if !connected || transport == nil {
		return nil, &TransportError{Op: "request", Err: ErrNotConnected}
	}
	return c.request(ctx, transport, method, params)
}

func (c *Client) request(ctx context.Context, transport Transport, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	key := idKey(id)
	req := &pendingRequest{
		method: method,
		ch:     make(chan pendingResult, 1),
	}
	req.timer = time.AfterFunc(c.opts.RequestTimeout, func() {
		c.resolve(key, pendingResult{err: &TimeoutError{Method: method, Timeout: c.opts.RequestTimeout}})
	})

	c.mu.Lock()
	c.pending[key] = req
	c.mu.Unlock()

	if err := transport.Send(msg); err != nil {
		c.abandon(key)
		return nil, err
	}

	select {
	case res := <-req.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, res.msg.Error
		}
		return res.msg.Result, nil
	case <-ctx.Done():
		c.abandon(key)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(method string, params any) error {
	c.mu.Lock()
	transport := c.transport
	connected := c.status.Connected
	c.mu.Unlock()
	if !connected || transport == nil {
		return &TransportError{Op: "notify", Err: ErrNotConnected}
	}
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return transport.Send(msg)
}

// resolve delivers a result to a pending request and removes it.
func (c *Client) resolve(key string, res pendingResult) {
	c.mu.Lock()
	req, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
		req.timer.Stop()
	}
	c.mu.Unlock()
	if ok {
		req.ch <- res
	}
}

// abandon removes a pending request without delivering anything.
func (c *Client) abandon(key string) {
	c.mu.Lock()
	if req, ok := c.pending[key]; ok {
		delete(c.pending, key)
		req.timer.Stop()
	}
	c.mu.Unlock()
}

// failPending fails every outstanding request, typically with
// ErrConnectionLost, so nothing hangs across a reconnect.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, req := range pending {
		req.timer.Stop()
		req.ch <- pendingResult{err: &TransportError{Op: req.method, Err: err}}
	}
}

func (c *Client) readLoop(transport Transport, done chan struct{}) {
	defer close(done)
	for msg := range transport.Recv() {
		c.route(msg)
	}

	terminal := transport.Err()
	c.onTransportFailure(transport, terminal)
}

// route dispatches one inbound envelope: responses resolve their
// pending entry, notifications re-emit on the event stream, anything
// else is a protocol error that gets logged and dropped.
func (c *Client) route(msg *Message) {
	switch {
	case msg.IsResponse():
		key := idKey(msg.ID)
		c.mu.Lock()
		_, ok := c.pending[key]
		c.mu.Unlock()
		if !ok {
			c.logf("dropping message: %v", &ProtocolError{Reason: fmt.Sprintf("response with unexpected id %v", msg.ID)})
			return
		}
		c.resolve(key, pendingResult{msg: msg})
	case msg.IsNotification():
		select {
		case c.notifs <- Notification{Method: msg.Method, Params: msg.Params}:
		default:
			c.logf("notification buffer full, dropping %s", msg.Method)
		}
	default:
		c.logf("dropping message: %v", &ProtocolError{Reason: "envelope is neither response nor notification"})
	}
}

// onTransportFailure handles a dropped transport: outstanding requests
// fail immediately and, unless the drop was a deliberate disconnect,
// the reconnect loop starts in the background.
func (c *Client) onTransportFailure(transport Transport, cause error) {
	c.mu.Lock()
	if c.transport != transport {
		// Stale transport from an earlier connection; already replaced.
		c.mu.Unlock()
		return
	}
	c.transport = nil
	wasConnected := c.status.Connected
	c.status.Connected = false
	if cause != nil {
		c.status.Error = cause.Error()
	}
	closed := c.closed
	alreadyReconnecting := c.reconnecting
	if !closed && wasConnected && !alreadyReconnecting {
		c.reconnecting = true
	}
	c.mu.Unlock()

	c.failPending(ErrConnectionLost)
	_ = transport.Close()

	if closed || !wasConnected || alreadyReconnecting {
		return
	}

	c.logf("transport failed: %v", cause)
	go func() {
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()
		if err := c.connectLoop(context.Background()); err != nil {
			c.logf("reconnect gave up: %v", err)
		}
	}()
}

// teardown aborts a half-open connection attempt.
func (c *Client) teardown(transport Transport, cause error) {
	c.mu.Lock()
	if c.transport == transport {
		c.transport = nil
	}
	c.status.Connected = false
	if cause != nil {
		c.status.Error = cause.Error()
	}
	c.mu.Unlock()

	c.failPending(ErrConnectionLost)
	_ = transport.Close()
}

// heartbeatLoop pings until done closes or the lifecycle ctx ends, so
// a shutdown also abandons an in-flight ping.
func (c *Client) heartbeatLoop(ctx context.Context, transport Transport, done chan struct{}) {
	tick, stop := c.opts.Clock.NewTicker(c.opts.HeartbeatInterval)
	defer stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-tick:
			c.mu.Lock()
			current := c.transport == transport && c.status.Connected
			c.mu.Unlock()
			if !current {
				return
			}

			start := c.opts.Clock.Now()
			_, err := c.request(ctx, transport, "ping", nil)
			if err != nil {
				if ctx.Err() != nil {
					// Shutdown, not a transport failure.
					return
				}
				// Heartbeat failure is a transport failure.
				c.logf("heartbeat failed: %v", err)
				c.onTransportFailure(transport, err)
				return
			}
			latency := c.opts.Clock.Now().Sub(start).Milliseconds()
			now := c.opts.Clock.Now()
			c.mu.Lock()
			c.status.LastPing = &now
			c.status.LatencyMs = &latency
			c.mu.Unlock()
		}
	}
}

// Disconnect tears the connection down and suppresses reconnects until
// Connect is called again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	transport := c.transport
	c.transport = nil
	c.status.Connected = false
	c.status.State = StateDisconnected
	c.mu.Unlock()

	c.failPending(ErrConnectionLost)
	if transport != nil {
		return transport.Close()
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) setState(state ConnState, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.State = state
	if state != StateConnected {
		c.status.Connected = false
	}
	if cause != nil {
		c.status.Error = cause.Error()
	}
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
