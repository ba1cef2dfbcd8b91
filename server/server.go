// Package server implements a small in-process management service speaking
// the wire protocol: newline-delimited JSON requests in, responses out, plus
// Push for unsolicited notifications. The production service is remote and
// not part of this module; this one backs the tests and local experiments.
//
//	Accept conn → handleConn (single goroutine finds frame boundaries)
//	  → for each request: go handleRequest (parallel, replies may reorder)
//	    → handler func → write response under the per-connection write lock
package server

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dbmgmt/message"
	"dbmgmt/protocol"
)

// HandlerFunc serves one method. The returned value becomes the response's
// result; a non-nil error becomes its error field.
type HandlerFunc func(params json.RawMessage) (any, error)

// Server accepts management-protocol connections and dispatches requests to
// registered handlers.
type Server struct {
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	listener net.Listener
	conns    map[net.Conn]*sync.Mutex // per-connection write locks

	shutdown atomic.Bool
	wg       sync.WaitGroup // in-flight requests, drained on Shutdown
}

// New creates a server with no handlers. A nil logger disables logging.
func New(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[net.Conn]*sync.Mutex),
	}
}

// Handle registers the handler for method, replacing any previous one.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

// Listen binds the listener and returns the bound address, so callers may
// listen on ":0" and learn the port before starting Serve.
func (s *Server) Listen(network, address string) (string, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln.Addr().String(), nil
}

// Serve runs the accept loop until Shutdown. Listen must have succeeded.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("server: Serve before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Push sends an unsolicited notification of the given kind to every
// connected client.
func (s *Server) Push(kind string, params ...any) {
	n := message.NewNotification(kind, params...)

	s.mu.Lock()
	targets := make(map[net.Conn]*sync.Mutex, len(s.conns))
	for conn, wmu := range s.conns {
		targets[conn] = wmu
	}
	s.mu.Unlock()

	for conn, wmu := range targets {
		wmu.Lock()
		err := protocol.Encode(conn, n)
		wmu.Unlock()
		if err != nil {
			s.logger.Warn("push failed", zap.String("kind", kind), zap.Error(err))
		}
	}
}

// Shutdown closes the listener and all connections, then waits up to timeout
// for in-flight requests to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)

	s.mu.Lock()
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for in-flight requests")
	}
}

// handleConn is the single reader for one connection. Requests are dispatched
// to their own goroutines so a slow handler cannot block the ones behind it —
// which also means replies may go out in any order.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	wmu := &sync.Mutex{}
	s.mu.Lock()
	s.conns[conn] = wmu
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	dec := protocol.NewDecoder(s.logger)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, m := range dec.Feed(buf[:n]) {
				go s.handleRequest(conn, wmu, m)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleRequest(conn net.Conn, wmu *sync.Mutex, m *message.Message) {
	s.wg.Add(1)
	defer s.wg.Done()

	// only correlated calls get replies; anything else is ignored here
	if m.ID == nil || m.Method == "" {
		return
	}

	s.mu.Lock()
	fn := s.handlers[m.Method]
	s.mu.Unlock()

	resp := message.Response{ID: m.ID}
	if fn == nil {
		e := fmt.Sprintf("unknown method %q", m.Method)
		resp.Error = &e
	} else if result, err := fn(m.Params); err != nil {
		e := err.Error()
		resp.Error = &e
	} else {
		resp.Result = result
	}

	wmu.Lock()
	err := protocol.Encode(conn, &resp)
	wmu.Unlock()
	if err != nil {
		s.logger.Warn("write response failed", zap.Error(err))
	}
}
