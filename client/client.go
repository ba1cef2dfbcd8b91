// Package client implements the management-protocol client: a persistent
// message-oriented connection to a database service over which callers issue
// correlated calls and receive unsolicited notifications.
//
//	Call(m,p) ─┐ assign id, register pending, encode ─→ transport.Send
//	Call(m,p) ─┼─────────────── single connection ────→ service
//	Call(m,p) ─┘
//
//	read loop: message → id matches pending? → resolve that call
//	                   → otherwise           → notification sink
//
// Calls multiplex over the one connection and may resolve out of order, but
// each resolves exactly once: by its matching response, by its timeout, or by
// connection closure, whichever comes first.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dbmgmt/loadbalance"
	"dbmgmt/message"
	"dbmgmt/middleware"
	"dbmgmt/protocol"
	"dbmgmt/registry"
	"dbmgmt/transport"
)

// DefaultTimeout bounds both the dial and each individual call when the
// caller passes zero.
const DefaultTimeout = 30 * time.Second

// NotificationHandler receives every server-initiated message, in arrival
// order. It runs on the read loop: a slow sink delays subsequent messages.
type NotificationHandler func(kind string, payload json.RawMessage)

// pendingCall is one in-flight RPC awaiting its terminal resolution.
type pendingCall struct {
	method string
	timer  *time.Timer
	done   chan callResult // buffered; the single resolver never blocks
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Client is the management-protocol client. The pending table and the id
// counter are owned by the Client and constructed fresh per connection; ids
// start at 1 and never rewind within a connection's lifetime.
type Client struct {
	transport *transport.ClientTransport
	timeout   time.Duration
	logger    *zap.Logger

	mu      sync.Mutex // guards pending, nextID, sink, closed
	pending map[int64]*pendingCall
	nextID  int64
	sink    NotificationHandler
	closed  bool

	invoke middleware.CallFunc // call path, wrapped by Use
}

// New creates a client for the service at addr without connecting. A zero
// timeout selects DefaultTimeout, a nil logger disables logging.
func New(addr string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		transport: transport.New(addr, timeout, logger),
		timeout:   timeout,
		logger:    logger,
		pending:   make(map[int64]*pendingCall),
	}
	c.transport.OnMessage(c.handleMessage)
	c.transport.OnClose(c.handleClose)
	c.invoke = c.call
	return c
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, addr string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	c := New(addr, timeout, logger)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// DialService discovers the service's endpoints in the registry, picks one
// with the balancer, and connects to it. A nil balancer means round-robin.
func DialService(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer,
	service string, timeout time.Duration, logger *zap.Logger) (*Client, error) {

	endpoints, err := reg.Discover(service)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		bal = &loadbalance.RoundRobin{}
	}
	ep, err := bal.Pick(endpoints)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, ep.Addr, timeout, logger)
}

// Connect establishes the connection. Idempotent while connected.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// State returns the connection's lifecycle state.
func (c *Client) State() transport.State {
	return c.transport.State()
}

// OnNotification registers the sink for server-initiated messages.
func (c *Client) OnNotification(h NotificationHandler) {
	c.mu.Lock()
	c.sink = h
	c.mu.Unlock()
}

// Use installs call interceptors around the call path. Middlewares apply in
// the given order, outermost first.
func (c *Client) Use(middlewares ...middleware.Middleware) {
	c.invoke = middleware.Chain(middlewares...)(c.call)
}

// Call issues one RPC and blocks until its single resolution: the matching
// response's result, an *RPCError from the response's error field, a
// *TimeoutError, ErrConnectionClosed, or transport.ErrNotConnected when
// issued outside the Connected state. Cancelling ctx abandons the call
// locally; the request itself is not revoked.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return c.invoke(ctx, method, params...)
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if c.transport.State() != transport.Connected {
		return nil, transport.ErrNotConnected
	}

	// Register the pending entry (timeout armed) before writing the frame:
	// the response may arrive before Send returns.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	pc := &pendingCall{
		method: method,
		done:   make(chan callResult, 1),
	}
	pc.timer = time.AfterFunc(c.timeout, func() {
		c.complete(id, callResult{err: &TimeoutError{Method: method, Duration: c.timeout}})
	})
	c.pending[id] = pc
	c.mu.Unlock()

	var buf bytes.Buffer
	if err := protocol.Encode(&buf, message.NewRequest(method, id, params...)); err != nil {
		c.abandon(id)
		return nil, fmt.Errorf("client: encode request: %w", err)
	}
	if err := c.transport.Send(buf.Bytes()); err != nil {
		c.abandon(id)
		return nil, err
	}

	select {
	case r := <-pc.done:
		return r.result, r.err
	case <-ctx.Done():
		c.abandon(id)
		return nil, ctx.Err()
	}
}

// Close runs the disposal sequence: stop accepting calls, reject everything
// outstanding with ErrConnectionClosed, tear down the transport, and wait for
// the socket to be released. Idempotent; closing a never-connected client
// succeeds trivially.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.failAllPending(ErrConnectionClosed)
	return c.transport.Close()
}

// handleMessage is the router. It runs on the transport's read loop, one
// message at a time, in wire order.
func (c *Client) handleMessage(m *message.Message) {
	if m.ID != nil {
		r := callResult{result: m.Result}
		if m.Error != nil {
			r = callResult{err: &RPCError{Message: *m.Error}}
		}
		if c.complete(*m.ID, r) {
			return
		}
		// No pending entry for this id. A late response (its call already
		// timed out) is dropped; a method-carrying frame still counts as a
		// notification below.
		if m.Method == "" {
			c.logger.Debug("dropping response with no pending call", zap.Int64("id", *m.ID))
			return
		}
	}
	if m.Malformed() {
		c.logger.Warn("dropping frame with neither id nor method")
		return
	}
	c.dispatchNotification(m)
}

// dispatchNotification delivers (kind, payload) to the sink. Unrecognized
// kinds are logged but still delivered, never dropped silently.
func (c *Client) dispatchNotification(m *message.Message) {
	switch m.Method {
	case message.KindUpdate, message.KindLocked, message.KindStolen:
	default:
		c.logger.Warn("unrecognized notification kind", zap.String("kind", m.Method))
	}

	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		c.logger.Debug("notification with no sink registered", zap.String("kind", m.Method))
		return
	}
	sink(m.Method, m.Params)
}

// handleClose fires once when the transport terminates. A nil reason is a
// locally requested close, whose pending calls Close already rejected.
func (c *Client) handleClose(reason error) {
	err := error(ErrConnectionClosed)
	if reason != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionClosed, reason)
	}
	c.failAllPending(err)
}

// complete resolves the pending call id exactly once: the entry is taken out
// of the table under the lock, so a response racing the timeout can never
// resolve the same call twice. Returns false when no entry exists.
func (c *Client) complete(id int64, r callResult) bool {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	pc.timer.Stop()
	pc.done <- r
	return true
}

// abandon removes a pending entry without resolving it, for calls whose
// request never made it onto the wire or whose caller gave up.
func (c *Client) abandon(id int64) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		pc.timer.Stop()
	}
}

// failAllPending rejects every outstanding call with err. Calls resolved
// earlier are unaffected; their entries are already gone.
func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, pc := range pending {
		pc.timer.Stop()
		pc.done <- callResult{err: err}
	}
}
