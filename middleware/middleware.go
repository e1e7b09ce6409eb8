// Package middleware provides composable middleware for engine
// operations. Middleware wraps handler calls synchronously and can
// modify execution (recover from panics, log, add tracing, enforce
// deadlines, etc.).
package middleware

import "context"

// Operation describes one engine invocation flowing through the chain.
type Operation struct {
	// Name is the operation kind: "start", "advance", or "rehydrate".
	Name string

	// WorkflowID is the workflow being executed, when known.
	WorkflowID string

	// SessionID is the session's text ID, when the operation has
	// resolved one (start mints it, advance and rehydrate carry it in
	// their tokens).
	SessionID string
}

// Handler is the terminal function that executes operation logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the operation being executed, and
// the next handler to call. Middleware MUST call next to continue the
// chain (unless short-circuiting on error).
type Middleware func(ctx context.Context, op *Operation, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, tracing) executes as:
//
//	logging → recover → tracing → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, op *Operation, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, op, prev)
			}
		}
		return h(ctx)
	}
}
