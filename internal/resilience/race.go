// Package resilience provides fault tolerance patterns
package resilience

import (
	"context"
	"time"

	"github.com/meetcap/meetcap/internal/errors"
)

// Race runs fn against a wall-clock deadline. Whichever finishes first wins:
// if the deadline expires, fn's context is cancelled and a CodeTimeout error
// is returned, distinct from any error fn itself produces. fn must honor
// context cancellation for the loser to actually stop.
func Race[T any](ctx context.Context, deadline time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		v, err := fn(raceCtx)
		done <- outcome{val: v, err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.val, out.err
	case <-timer.C:
		cancel()
		return zero, errors.Newf(errors.CodeTimeout, "operation exceeded %s deadline", deadline)
	case <-ctx.Done():
		cancel()
		return zero, errors.Wrap(ctx.Err(), errors.CodeCancelled, "race cancelled by caller")
	}
}
