package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means calls pass through and failures are counted.
	StateClosed State = iota
	// StateOpen means calls are rejected without reaching the upstream.
	StateOpen
	// StateHalfOpen means a single trial call decides whether to close.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the upstream class the breaker guards.
	Name string

	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	// Default: 5
	FailureThreshold int

	// OpenTimeout is how long the circuit stays open before allowing a
	// trial call.
	// Default: 30 seconds
	OpenTimeout time.Duration

	// OnStateChange is called after every transition, outside the breaker
	// lock.
	OnStateChange func(name string, from, to State)

	// IsFailure determines if an error should count as a failure.
	// Default: all non-nil errors except ErrRateLimitExceeded.
	IsFailure func(err error) bool

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// CircuitOpenError is returned when a call is rejected by an open or
// trial-pending circuit. It matches ErrCircuitOpen.
type CircuitOpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("resilience: circuit breaker is %s", e.State)
	}
	return fmt.Sprintf("resilience: circuit breaker %q is %s", e.Name, e.State)
}

// Is matches ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	Failures         int           `json:"failures"`
	LastFailure      time.Time     `json:"last_failure,omitzero"`
	FailureThreshold int           `json:"failure_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout"`
	Rejected         int64         `json:"rejected"`
	RateLimited      int64         `json:"rate_limited,omitempty"`
}

// CircuitBreaker fails fast while an upstream is unhealthy.
//
// Transitions are CLOSED->OPEN on reaching the failure threshold,
// OPEN->HALF_OPEN once the open timeout has elapsed, and HALF_OPEN->CLOSED or
// HALF_OPEN->OPEN depending on the single trial call.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trial       bool
	rejected    int64
}

type transition struct{ from, to State }

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, ErrRateLimitExceeded)
		}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// Execute runs op unless the circuit rejects the call. A panic in op is
// recorded as a failure and then re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	trial, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(trial, &PanicError{Value: r})
			panic(r)
		}
	}()

	err = op(ctx)
	cb.afterRequest(trial, err)
	return err
}

// Call runs fn through cb and returns its value.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	var changes []transition
	state := cb.currentStateLocked(&changes)
	cb.mu.Unlock()

	cb.notify(changes)
	return state
}

// Snapshot returns the breaker's current state and counters.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	var changes []transition
	snap := BreakerSnapshot{
		Name:             cb.config.Name,
		State:            cb.currentStateLocked(&changes),
		Failures:         cb.failures,
		LastFailure:      cb.lastFailure,
		FailureThreshold: cb.config.FailureThreshold,
		OpenTimeout:      cb.config.OpenTimeout,
		Rejected:         cb.rejected,
	}
	cb.mu.Unlock()

	cb.notify(changes)
	return snap
}

func (cb *CircuitBreaker) beforeRequest() (bool, error) {
	cb.mu.Lock()
	var changes []transition
	defer func() {
		cb.mu.Unlock()
		cb.notify(changes)
	}()

	switch cb.currentStateLocked(&changes) {
	case StateOpen:
		cb.rejected++
		retryAfter := cb.config.OpenTimeout - cb.config.Now().Sub(cb.lastFailure)
		return false, &CircuitOpenError{Name: cb.config.Name, State: StateOpen, RetryAfter: retryAfter}
	case StateHalfOpen:
		if cb.trial {
			cb.rejected++
			return false, &CircuitOpenError{Name: cb.config.Name, State: StateHalfOpen}
		}
		cb.trial = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) afterRequest(trial bool, err error) {
	cb.mu.Lock()
	var changes []transition
	failed := cb.config.IsFailure(err)

	switch {
	case trial:
		cb.trial = false
		if failed {
			cb.lastFailure = cb.config.Now()
			cb.setStateLocked(StateOpen, &changes)
		} else {
			cb.failures = 0
			cb.setStateLocked(StateClosed, &changes)
		}
	case cb.state == StateClosed:
		if failed {
			cb.failures++
			cb.lastFailure = cb.config.Now()
			if cb.failures >= cb.config.FailureThreshold {
				cb.setStateLocked(StateOpen, &changes)
			}
		} else {
			cb.failures = 0
		}
	}
	cb.mu.Unlock()

	cb.notify(changes)
}

func (cb *CircuitBreaker) currentStateLocked(changes *[]transition) State {
	if cb.state == StateOpen && cb.config.Now().Sub(cb.lastFailure) >= cb.config.OpenTimeout {
		cb.trial = false
		cb.setStateLocked(StateHalfOpen, changes)
	}
	return cb.state
}

func (cb *CircuitBreaker) setStateLocked(state State, changes *[]transition) {
	if cb.state == state {
		return
	}
	*changes = append(*changes, transition{from: cb.state, to: state})
	cb.state = state
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.config.OnStateChange == nil {
		return
	}
	for _, c := range changes {
		cb.config.OnStateChange(cb.config.Name, c.from, c.to)
	}
}
