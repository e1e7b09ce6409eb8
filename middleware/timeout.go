package middleware

import (
	"context"
	"time"
)

// Timeout returns middleware that enforces a per-operation deadline.
// A zero duration disables the deadline and the middleware becomes a
// pass-through.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *Operation, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
