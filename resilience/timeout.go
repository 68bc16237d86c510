package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Timeout bounds a single fetch attempt.
type Timeout struct {
	limit time.Duration
}

// NewTimeout creates a timeout wrapper. A limit <= 0 means 30s.
func NewTimeout(limit time.Duration) *Timeout {
	if limit <= 0 {
		limit = 30 * time.Second
	}
	return &Timeout{limit: limit}
}

// Limit returns the configured bound.
func (t *Timeout) Limit() time.Duration { return t.limit }

// Execute runs op with a deadline. If op ignores its context and overruns,
// Execute returns ErrTimeout without waiting for it. A panic in op is
// returned as a PanicError.
func (t *Timeout) Execute(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &PanicError{Value: r}
			}
		}()
		done <- op(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, t.limit)
		}
		return ctx.Err()
	}
}
