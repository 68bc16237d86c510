package resilience

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultClass is the breaker name used for keys without a class.
const DefaultClass = "default"

// RegistryConfig configures the guards a Registry creates.
type RegistryConfig struct {
	// Breaker is the template for every breaker; Name is replaced per class.
	Breaker CircuitBreakerConfig

	// Retry, if set, is shared by every guard.
	Retry *Retry

	// AttemptTimeout bounds each fetch attempt. Zero leaves attempts
	// unbounded.
	AttemptTimeout time.Duration

	// RateLimit, if set, is the template for one rate limiter per class.
	RateLimit *RateLimiterConfig
}

// Registry lazily creates one Guard per upstream class.
type Registry struct {
	config RegistryConfig

	mu     sync.RWMutex
	guards map[string]*Guard
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	return &Registry{
		config: config,
		guards: make(map[string]*Guard),
	}
}

// Guard returns the guard for class, creating it on first use.
func (r *Registry) Guard(class string) *Guard {
	if class == "" {
		class = DefaultClass
	}

	r.mu.RLock()
	g, ok := r.guards[class]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.guards[class]; ok {
		return g
	}

	cfg := r.config.Breaker
	cfg.Name = class
	opts := []GuardOption{WithTimeout(r.config.AttemptTimeout)}
	if r.config.Retry != nil {
		opts = append(opts, WithRetry(r.config.Retry))
	}
	if r.config.RateLimit != nil {
		opts = append(opts, WithRateLimiter(NewRateLimiter(*r.config.RateLimit)))
	}
	g = NewGuard(NewCircuitBreaker(cfg), opts...)
	r.guards[class] = g
	return g
}

// Breaker returns the breaker for class, creating it on first use.
func (r *Registry) Breaker(class string) *CircuitBreaker {
	return r.Guard(class).Breaker()
}

// Snapshots returns every breaker's state, sorted by name.
func (r *Registry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	guards := make([]*Guard, 0, len(r.guards))
	for _, g := range r.guards {
		guards = append(guards, g)
	}
	r.mu.RUnlock()

	snaps := make([]BreakerSnapshot, 0, len(guards))
	for _, g := range guards {
		snap := g.Breaker().Snapshot()
		if rl := g.RateLimiter(); rl != nil {
			snap.RateLimited = rl.Rejected()
		}
		snaps = append(snaps, snap)
	}
	slices.SortFunc(snaps, func(a, b BreakerSnapshot) int {
		return strings.Compare(a.Name, b.Name)
	})
	return snaps
}

// PrefixClassifier returns the key segment before the first sep, or
// DefaultClass when the key has none.
func PrefixClassifier(sep string) func(key string) string {
	return func(key string) string {
		class, _, ok := strings.Cut(key, sep)
		if !ok || class == "" {
			return DefaultClass
		}
		return class
	}
}
