package resilience

import (
	"context"
	"sync"
	"time"
)

// Guard composes the patterns that protect one upstream class.
type Guard struct {
	breaker *CircuitBreaker
	retry   *Retry
	limiter *RateLimiter
	timeout *Timeout
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// NewGuard creates a guard around breaker. A nil breaker disables
// fail-fast rejection.
func NewGuard(breaker *CircuitBreaker, opts ...GuardOption) *Guard {
	g := &Guard{breaker: breaker}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithRetry adds retry logic inside the breaker, so one exhausted retry
// sequence counts as one breaker failure.
func WithRetry(r *Retry) GuardOption {
	return func(g *Guard) {
		g.retry = r
	}
}

// WithRateLimiter makes every attempt, retries included, take a token
// from rl.
func WithRateLimiter(rl *RateLimiter) GuardOption {
	return func(g *Guard) {
		g.limiter = rl
	}
}

// WithTimeout bounds each attempt. A limit <= 0 leaves attempts unbounded.
func WithTimeout(limit time.Duration) GuardOption {
	return func(g *Guard) {
		if limit > 0 {
			g.timeout = NewTimeout(limit)
		}
	}
}

// Breaker returns the guard's circuit breaker, or nil.
func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// RateLimiter returns the guard's rate limiter, or nil.
func (g *Guard) RateLimiter() *RateLimiter { return g.limiter }

// Execute runs op through the configured patterns.
//
// The execution order is:
// 1. Circuit Breaker (if configured) - rejects while the upstream is failing
// 2. Retry (if configured) - retries on failure
// 3. Rate Limiter (if configured) - spaces out attempts
// 4. Timeout (if configured) - limits each attempt
func (g *Guard) Execute(ctx context.Context, op func(context.Context) error) error {
	execute := op

	if g.timeout != nil {
		inner := execute
		execute = func(ctx context.Context) error {
			return g.timeout.Execute(ctx, inner)
		}
	}

	if g.limiter != nil {
		inner := execute
		execute = func(ctx context.Context) error {
			return g.limiter.Execute(ctx, inner)
		}
	}

	if g.retry != nil {
		inner := execute
		execute = func(ctx context.Context) error {
			return g.retry.Execute(ctx, inner)
		}
	}

	if g.breaker != nil {
		inner := execute
		execute = func(ctx context.Context) error {
			return g.breaker.Execute(ctx, inner)
		}
	}

	return execute(ctx)
}

// Run executes fn through g and returns its value.
func Run[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) (T, error) {
	// Timed-out attempts keep running, so out is written under mu.
	var (
		mu  sync.Mutex
		out T
	)
	err := g.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		out = v
		mu.Unlock()
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	mu.Lock()
	defer mu.Unlock()
	return out, nil
}
