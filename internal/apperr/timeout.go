package apperr

import (
	"context"
	"fmt"
	"time"
)

const (
	TimeoutEmbedding          = 30 * time.Second
	TimeoutDocumentProcessing = 600 * time.Second
	TimeoutFileTransfer       = 60 * time.Second
	TimeoutExternalAPI        = 30 * time.Second
)

// WithTimeout runs fn under a deadline and turns an overrun into a timeout error even
// when fn ignores its context.
func WithTimeout[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == context.DeadlineExceeded {
			return zero, Timeout(op, fmt.Errorf("exceeded %s: %w", d, r.err))
		}
		return r.value, r.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return zero, Timeout(op, fmt.Errorf("exceeded %s", d))
		}
		return zero, ctx.Err()
	}
}
