package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"nx-bsd/ipc"
)

// RateLimit paces dispatches through a token bucket. Wait, not Allow: a call
// that would exceed the rate blocks until a token is available rather than
// failing, so no POSIX error is ever fabricated by this layer.
func RateLimit(r rate.Limit, burst int) Interceptor {
	limiter := rate.NewLimiter(r, burst)
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return next(ctx, req)
		}
	}
}
