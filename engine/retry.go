package engine

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/backoff"
)

// Retry runs fn, sleeping and retrying while it fails with a
// retryable fault (session-lock contention). The wait before each
// retry is the larger of the fault's RetryAfter hint and the
// strategy's delay for that attempt. Any other error returns
// immediately.
func Retry(ctx context.Context, attempts int, strategy backoff.Strategy, fn func(ctx context.Context) (*Continuation, error)) (*Continuation, error) {
	if strategy == nil {
		strategy = backoff.DefaultStrategy()
	}

	var lastErr error
	for attempt := 0; attempt <= attempts; attempt++ {
		cont, err := fn(ctx)
		if err == nil {
			return cont, nil
		}
		var f *loom.Fault
		if !errors.As(err, &f) || !f.Retryable() {
			return nil, err
		}
		lastErr = err

		delay := f.RetryAfter
		if d := strategy.Delay(attempt + 1); d > delay {
			delay = d
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}
