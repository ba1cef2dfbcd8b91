package middleware

import (
	"context"
	"encoding/json"
	"errors"

	"golang.org/x/time/rate"
)

// ErrRateLimited rejects calls exceeding the configured token bucket.
var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimit caps outbound calls with a token bucket of r tokens per second
// and the given burst. Calls over the limit are rejected, not queued.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, method, params...)
		}
	}
}
