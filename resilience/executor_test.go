package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGuard_NoPatterns(t *testing.T) {
	g := NewGuard(nil)

	if err := g.Execute(context.Background(), fail); !errors.Is(err, errUpstream) {
		t.Errorf("Execute() error = %v, want %v", err, errUpstream)
	}
	if g.Breaker() != nil {
		t.Error("Breaker() should be nil")
	}
}

func TestGuard_RetryInsideBreaker(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2})
	g := NewGuard(cb, WithRetry(NewRetry(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})))

	attempts := 0
	err := g.Execute(context.Background(), func(context.Context) error {
		attempts++
		return errUpstream
	})

	if !errors.Is(err, errUpstream) {
		t.Errorf("Execute() error = %v, want %v", err, errUpstream)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	// One exhausted retry sequence is one breaker failure.
	if snap := cb.Snapshot(); snap.Failures != 1 || snap.State != StateClosed {
		t.Errorf("breaker snapshot = %+v, want 1 failure and closed", snap)
	}
}

func TestGuard_TimeoutCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	g := NewGuard(cb, WithTimeout(10*time.Millisecond))

	err := g.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if !errors.Is(err, ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute() error = %v, want a timeout", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
}

func TestGuard_PanicWithTimeout(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	retry := NewRetry(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})
	g := NewGuard(cb, WithRetry(retry), WithTimeout(time.Second))

	attempts := 0
	err := g.Execute(context.Background(), func(context.Context) error {
		attempts++
		panic("boom")
	})

	if !errors.Is(err, ErrPanic) {
		t.Fatalf("Execute() error = %v, want ErrPanic", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1; panics are not retried", attempts)
	}
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
}

func TestGuard_RateLimiterSpacesAttempts(t *testing.T) {
	clock := newTestClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 2, Now: clock.Now})
	g := NewGuard(cb, WithRateLimiter(rl))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := g.Execute(ctx, succeed); err != nil {
			t.Fatalf("attempt %d error = %v", i, err)
		}
	}
	if err := g.Execute(ctx, succeed); !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("third attempt error = %v, want ErrRateLimitExceeded", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed; rejections are local", cb.State())
	}

	clock.Advance(time.Second)
	if err := g.Execute(ctx, succeed); err != nil {
		t.Errorf("after refill error = %v", err)
	}
	if g.RateLimiter() != rl {
		t.Error("RateLimiter() should return the configured limiter")
	}
}

func TestRun(t *testing.T) {
	g := NewGuard(NewCircuitBreaker(CircuitBreakerConfig{}), WithTimeout(time.Second))

	v, err := Run(context.Background(), g, func(context.Context) (string, error) { return "ok", nil })
	if err != nil || v != "ok" {
		t.Errorf("Run() = (%q, %v), want (ok, nil)", v, err)
	}

	v, err = Run(context.Background(), g, func(context.Context) (string, error) { return "partial", errUpstream })
	if !errors.Is(err, errUpstream) || v != "" {
		t.Errorf("Run() = (%q, %v), want (\"\", %v)", v, err, errUpstream)
	}
}
