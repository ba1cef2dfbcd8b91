// Package middleware provides call interceptors for the management client.
//
// The core transport never retries, logs, or throttles; policies like these
// sit above it as middleware wrapped around the client's call path with
// Client.Use.
package middleware

import (
	"context"
	"encoding/json"
)

// CallFunc is the client's call path: one RPC in, one result payload or typed
// error out.
type CallFunc func(ctx context.Context, method string, params ...any) (json.RawMessage, error)

// Middleware wraps a CallFunc with additional behavior.
type Middleware func(next CallFunc) CallFunc

// Chain composes middlewares into one. Chain(A, B, C) applies A outermost:
// A.before → B.before → C.before → call → C.after → B.after → A.after.
func Chain(middlewares ...Middleware) Middleware {
	return func(next CallFunc) CallFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
