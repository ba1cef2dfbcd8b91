package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"dbmgmt/transport"
)

// Retry re-issues calls rejected for transport-kind reasons, with exponential
// backoff. RPC-level errors come from the service and are never retried.
func Retry(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
			result, err := next(ctx, method, params...)
			for i := 0; i < maxRetries && retryable(err); i++ {
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				result, err = next(ctx, method, params...)
			}
			return result, err
		}
	}
}

// retryable matches timeouts (anything exposing the net.Error-style
// Timeout method) and unreachable-target dial failures.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return true
	}
	return errors.Is(err, transport.ErrTargetUnavailable) ||
		errors.Is(err, transport.ErrConnectTimeout)
}
