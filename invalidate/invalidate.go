// Package invalidate removes groups of cache entries by key pattern.
//
// Patterns are exact keys or a prefix followed by a single trailing "*".
// Customer and domain helpers compose the namespaced patterns produced by
// cache.Keyer: "{customer}:*" and "{customer}:{domain}.*".
package invalidate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonwraymond/toolcache/cache"
	"github.com/jonwraymond/toolcache/observe"
)

// Store is the subset of cache.Store the index needs.
type Store interface {
	ScanAndDelete(ctx context.Context, pattern string) (int, error)
	Peek(key string) (cache.Entry, bool)
	Delete(ctx context.Context, key string) error
}

var _ Store = (*cache.Store)(nil)

// InFlight detaches pending fetches so a value fetched before an
// invalidation is not written back after it.
type InFlight interface {
	ForgetMatching(match func(key string) bool) int
}

// Event describes one completed invalidation.
type Event struct {
	Pattern  string
	Removed  int
	Detached int
	At       time.Time
}

// Listener observes completed invalidations.
type Listener func(ctx context.Context, ev Event)

// Stats counts invalidations since creation.
type Stats struct {
	Calls    int64 `json:"calls"`
	Removed  int64 `json:"removed"`
	Detached int64 `json:"detached"`
}

// Index performs pattern invalidation against a store.
type Index struct {
	store     Store
	inflight  InFlight
	listeners []Listener
	logger    observe.Logger
	now       func() time.Time

	calls    atomic.Int64
	removed  atomic.Int64
	detached atomic.Int64
}

// Option configures an Index.
type Option func(*Index)

// WithListener registers l to run after every invalidation.
func WithListener(l Listener) Option {
	return func(ix *Index) { ix.listeners = append(ix.listeners, l) }
}

// WithInFlight detaches matching pending fetches before entries are
// deleted.
func WithInFlight(f InFlight) Option {
	return func(ix *Index) { ix.inflight = f }
}

// WithLogger sets the logger used for invalidation records.
func WithLogger(l observe.Logger) Option {
	return func(ix *Index) { ix.logger = l }
}

// WithClock sets the clock stamped on events. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(ix *Index) { ix.now = now }
}

// New creates an Index over store.
func New(store Store, opts ...Option) *Index {
	ix := &Index{store: store, logger: observe.NopLogger(), now: time.Now}
	for _, opt := range opts {
		opt(ix)
	}
	ix.logger = ix.logger.With(observe.F("component", "invalidate"))
	return ix
}

// Invalidate deletes every key matching pattern and returns the count
// removed.
func (ix *Index) Invalidate(ctx context.Context, pattern string) (int, error) {
	if err := cache.ValidatePattern(pattern); err != nil {
		return 0, err
	}
	detached := ix.forget(func(key string) bool { return cache.MatchPattern(pattern, key) })

	n, err := ix.store.ScanAndDelete(ctx, pattern)
	if err != nil {
		return 0, err
	}
	ix.record(ctx, pattern, n, detached)
	return n, nil
}

// InvalidateCustomer deletes every key in customer's namespace.
func (ix *Index) InvalidateCustomer(ctx context.Context, customer string) (int, error) {
	if err := validateSegment(cache.Scope{Customer: customer}, customer, "customer"); err != nil {
		return 0, err
	}
	return ix.Invalidate(ctx, cache.CustomerPattern(customer))
}

// InvalidateDomain deletes every key of customer within domain.
func (ix *Index) InvalidateDomain(ctx context.Context, customer, domain string) (int, error) {
	scope := cache.Scope{Customer: customer, Domain: domain}
	if err := validateSegment(scope, customer, "customer"); err != nil {
		return 0, err
	}
	if err := validateSegment(scope, domain, "domain"); err != nil {
		return 0, err
	}
	return ix.Invalidate(ctx, cache.DomainPattern(customer, domain))
}

// InvalidateKeys deletes the given exact keys and returns how many were
// present.
func (ix *Index) InvalidateKeys(ctx context.Context, keys ...string) (int, error) {
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if err := cache.ValidateKey(key); err != nil {
			return 0, err
		}
		set[key] = struct{}{}
	}
	detached := ix.forget(func(key string) bool {
		_, ok := set[key]
		return ok
	})

	n := 0
	for _, key := range keys {
		if _, ok := ix.store.Peek(key); !ok {
			continue
		}
		if err := ix.store.Delete(ctx, key); err != nil {
			return n, err
		}
		n++
	}
	ix.record(ctx, fmt.Sprintf("keys(%d)", len(keys)), n, detached)
	return n, nil
}

// Stats returns invalidation counters.
func (ix *Index) Stats() Stats {
	return Stats{
		Calls:    ix.calls.Load(),
		Removed:  ix.removed.Load(),
		Detached: ix.detached.Load(),
	}
}

func (ix *Index) forget(match func(key string) bool) int {
	if ix.inflight == nil {
		return 0
	}
	return ix.inflight.ForgetMatching(match)
}

func (ix *Index) record(ctx context.Context, pattern string, n, detached int) {
	ix.calls.Add(1)
	ix.removed.Add(int64(n))
	ix.detached.Add(int64(detached))
	ix.logger.Info(ctx, "invalidated",
		observe.F("pattern", pattern),
		observe.F("removed", n),
		observe.F("detached", detached),
	)

	ev := Event{Pattern: pattern, Removed: n, Detached: detached, At: ix.now()}
	for _, l := range ix.listeners {
		l(ctx, ev)
	}
}

func validateSegment(scope cache.Scope, segment, name string) error {
	if segment == "" {
		return fmt.Errorf("%w: %s is required", cache.ErrInvalidScope, name)
	}
	return scope.Validate()
}
