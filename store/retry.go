package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// untilReady retries op with exponential backoff until it succeeds, returns a
// backoff.Permanent error, ctx ends, or timeout elapses.
func untilReady(ctx context.Context, what string, timeout time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = timeout

	notify := func(err error, next time.Duration) {
		slog.Warn("Store not ready, retrying",
			slog.String("step", what),
			slog.Duration("in", next),
			slog.String("error", err.Error()))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}
