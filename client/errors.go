package client

import (
	"errors"
	"fmt"
	"time"
)

// ErrConnectionClosed rejects every call still pending when the connection
// terminates, whether by Close or by transport failure.
var ErrConnectionClosed = errors.New("client: connection closed")

// RPCError is a response whose top-level error field was set by the service.
// Local state is unaffected; only the one call carrying it fails.
//
// A successful response can still nest a domain-level error object inside its
// result payload (the service does this for bulk operations). The client does
// not interpret payloads, so those surface as a successful Call whose result
// the caller must inspect.
type RPCError struct {
	Message string
}

func (e *RPCError) Error() string {
	return "rpc: " + e.Message
}

// TimeoutError rejects a call with no matching response within the configured
// duration. It carries the method name for diagnostics.
type TimeoutError struct {
	Method   string
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: call %q timed out after %s", e.Method, e.Duration)
}

// Timeout marks the error as such for net.Error-style checks.
func (e *TimeoutError) Timeout() bool {
	return true
}
