package resilience

import (
	"context"
	"math"
	"sync"
	"time"
)

// RateLimiterConfig configures the token bucket in front of one upstream
// class.
type RateLimiterConfig struct {
	// Rate is the number of fetch attempts allowed per second.
	// Default: 100
	Rate float64

	// Burst is the bucket size.
	// Default: 10
	Burst int

	// MaxWait is how long an attempt waits for a token before it is
	// rejected with ErrRateLimitExceeded. Zero rejects immediately.
	MaxWait time.Duration

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	config RateLimiterConfig

	mu       sync.Mutex
	tokens   float64
	refilled time.Time
	rejected int64
}

// NewRateLimiter creates a full bucket.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Rate <= 0 {
		config.Rate = 100
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if config.MaxWait < 0 {
		config.MaxWait = 0
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &RateLimiter{
		config:   config,
		tokens:   float64(config.Burst),
		refilled: config.Now(),
	}
}

// Allow takes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	_, ok := rl.reserve()
	return ok
}

// reserve takes a token, or reports how long until one is available.
func (rl *RateLimiter) reserve() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillLocked()
	if rl.tokens >= 1 {
		rl.tokens--
		return 0, true
	}
	missing := 1 - rl.tokens
	return time.Duration(math.Ceil(missing / rl.config.Rate * float64(time.Second))), false
}

// Wait blocks until a token is available, MaxWait elapses or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	deadline := time.Now().Add(rl.config.MaxWait)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, ok := rl.reserve()
		if ok {
			return nil
		}
		if wait > time.Until(deadline) {
			rl.reject()
			return ErrRateLimitExceeded
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Execute runs op once a token is available.
func (rl *RateLimiter) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := rl.Wait(ctx); err != nil {
		return err
	}
	return op(ctx)
}

// Tokens returns the number of available tokens.
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refillLocked()
	return rl.tokens
}

// Rejected returns how many attempts were turned away.
func (rl *RateLimiter) Rejected() int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.rejected
}

func (rl *RateLimiter) reject() {
	rl.mu.Lock()
	rl.rejected++
	rl.mu.Unlock()
}

func (rl *RateLimiter) refillLocked() {
	now := rl.config.Now()
	elapsed := now.Sub(rl.refilled)
	if elapsed <= 0 {
		return
	}
	rl.refilled = now

	rl.tokens += elapsed.Seconds() * rl.config.Rate
	if rl.tokens > float64(rl.config.Burst) {
		rl.tokens = float64(rl.config.Burst)
	}
}
