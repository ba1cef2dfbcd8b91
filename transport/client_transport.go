// Package transport implements the connection manager: it owns the single TCP
// connection to the management service, writes outbound frames, and feeds
// inbound bytes through the frame decoder.
//
//	Send(frame) ──writeMu──→ net.Conn ──→ service
//	readLoop:   ←── chunk ── net.Conn; Decoder.Feed → onMessage(m), in wire order
//
// One read loop per connection: reads must be sequential to find frame
// boundaries, and each decoded message is handed to the handler fully before
// the next one is read. That single loop is what gives the client its strict
// per-message ordering guarantee.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"dbmgmt/message"
	"dbmgmt/protocol"
)

// State is the lifecycle of the managed connection. It only ever moves
// forward; a closed transport is not reusable.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotConnected rejects sends outside the Connected state.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrTargetUnavailable means the endpoint refused or could not be reached.
	ErrTargetUnavailable = errors.New("transport: target unavailable")
	// ErrConnectTimeout means the dial did not establish within the timeout.
	ErrConnectTimeout = errors.New("transport: connect timeout")
	// ErrClosedTransport rejects Connect on a transport that was already torn down.
	ErrClosedTransport = errors.New("transport: closed")
)

const (
	// DefaultTimeout bounds the dial when the caller passes zero.
	DefaultTimeout = 30 * time.Second

	readBufferSize = 4096
)

// ClientTransport owns one TCP connection to the management service.
// Handlers must be registered before Connect; after that the transport
// invokes them from its read loop.
type ClientTransport struct {
	addr    string
	timeout time.Duration
	logger  *zap.Logger

	onMessage func(*message.Message)
	onClose   func(error)

	mu      sync.Mutex // guards conn, state, reason, started
	conn    net.Conn
	state   State
	reason  error // first terminal error; nil for a locally requested close
	started bool  // read loop launched

	writeMu sync.Mutex // frame writes must not interleave
	once    sync.Once  // close handler fires exactly once
	done    chan struct{}
}

// New creates a transport for the service at addr. A zero timeout selects
// DefaultTimeout, a nil logger disables logging.
func New(addr string, timeout time.Duration, logger *zap.Logger) *ClientTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientTransport{
		addr:    addr,
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// OnMessage registers the handler for every decoded inbound message.
func (t *ClientTransport) OnMessage(fn func(*message.Message)) {
	t.onMessage = fn
}

// OnClose registers the handler invoked exactly once when the transport
// terminates. The error is nil for a locally requested close.
func (t *ClientTransport) OnClose(fn func(error)) {
	t.onClose = fn
}

// Addr returns the configured target address.
func (t *ClientTransport) Addr() string {
	return t.addr
}

// State returns the current lifecycle state.
func (t *ClientTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect establishes the connection and starts the read loop. Connecting an
// already-connected transport is a no-op. Dial failures are classified:
// timeout → ErrConnectTimeout, anything else → ErrTargetUnavailable.
func (t *ClientTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case Connected:
		return nil
	case Closing, Closed:
		return ErrClosedTransport
	}
	t.state = Connecting

	d := net.Dialer{Timeout: t.timeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		t.state = Disconnected
		var nerr net.Error
		if (errors.As(err, &nerr) && nerr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: %v", ErrConnectTimeout, t.addr, err)
		}
		return fmt.Errorf("%w: %s: %v", ErrTargetUnavailable, t.addr, err)
	}

	t.conn = conn
	t.state = Connected
	t.started = true
	t.logger.Debug("connected", zap.String("addr", t.addr))
	go t.readLoop(conn)
	return nil
}

// Send writes one pre-encoded frame. Valid only while Connected. A write
// failure tears the connection down and is reported to OnClose as well.
func (t *ClientTransport) Send(frame []byte) error {
	t.mu.Lock()
	if t.state != Connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	conn := t.conn
	t.mu.Unlock()

	t.writeMu.Lock()
	_, err := conn.Write(frame)
	t.writeMu.Unlock()
	if err != nil {
		werr := fmt.Errorf("transport: write: %w", err)
		t.beginClose(werr)
		return werr
	}
	return nil
}

// Close tears the transport down and waits for the read loop to confirm the
// socket is released. Safe to call at any time, any number of times, on a
// transport that never connected included.
func (t *ClientTransport) Close() error {
	t.beginClose(nil)
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if started {
		<-t.done
	}
	return nil
}

// beginClose records the terminal reason and closes the socket, at most once.
// The read loop observes the closed socket and runs finish; if no read loop
// was ever started, finish runs here.
func (t *ClientTransport) beginClose(reason error) {
	t.mu.Lock()
	if t.state == Closing || t.state == Closed {
		t.mu.Unlock()
		return
	}
	t.state = Closing
	t.reason = reason
	conn := t.conn
	started := t.started
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if !started {
		t.finish()
	}
}

// finish marks the transport Closed and fires the close handler exactly once.
func (t *ClientTransport) finish() {
	t.mu.Lock()
	t.state = Closed
	reason := t.reason
	t.mu.Unlock()

	t.once.Do(func() {
		t.logger.Debug("closed", zap.String("addr", t.addr), zap.Error(reason))
		if t.onClose != nil {
			t.onClose(reason)
		}
		close(t.done)
	})
}

// readLoop is the single reader for the connection. Each decoded message is
// dispatched to the handler before the next read, which preserves wire order
// end to end.
func (t *ClientTransport) readLoop(conn net.Conn) {
	defer t.finish()

	dec := protocol.NewDecoder(t.logger)
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, m := range dec.Feed(buf[:n]) {
				if t.onMessage != nil {
					t.onMessage(m)
				}
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, net.ErrClosed):
				t.beginClose(nil) // no-op when the close was requested locally
			case errors.Is(err, io.EOF):
				t.beginClose(fmt.Errorf("transport: closed by peer: %w", err))
			default:
				t.beginClose(fmt.Errorf("transport: read: %w", err))
			}
			return
		}
	}
}
