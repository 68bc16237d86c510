package refresh

import (
	"time"

	"github.com/jonwraymond/toolcache/cache"
)

// Path is the read path chosen for one lookup.
type Path int

const (
	// PathMiss: no entry; block on a fetch.
	PathMiss Path = iota
	// PathFresh: serve the entry, no fetch.
	PathFresh
	// PathRefreshAhead: serve the entry and refresh in the background.
	PathRefreshAhead
	// PathStale: serve the expired entry and refresh in the background.
	PathStale
	// PathExpired: expired beyond the grace window; block on a fetch.
	PathExpired
)

func (p Path) String() string {
	switch p {
	case PathMiss:
		return "miss"
	case PathFresh:
		return "fresh"
	case PathRefreshAhead:
		return "refresh_ahead"
	case PathStale:
		return "stale"
	case PathExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Serves reports whether the path answers from the cached entry.
func (p Path) Serves() bool {
	return p == PathFresh || p == PathRefreshAhead || p == PathStale
}

// Refreshes reports whether the path starts a background refresh.
func (p Path) Refreshes() bool {
	return p == PathRefreshAhead || p == PathStale
}

// Options tune a single GetWithRefresh call.
type Options struct {
	// RefreshThreshold is the trailing fraction of the TTL during which a
	// fresh entry is refreshed ahead of expiry. Clamped to [0, 1].
	// Default: 0 (never refresh early)
	RefreshThreshold float64

	// SoftTTL is how long past its TTL an entry may still be served while it
	// is refreshed. Default: 0 (disabled)
	SoftTTL time.Duration

	// Operation names the call for per-operation metrics.
	// Default: "default"
	Operation string

	// Breaker selects the circuit breaker class. Default: the controller's
	// classifier applied to the key.
	Breaker string

	// StaleOnError serves an expired entry when its blocking refresh fails.
	StaleOnError bool
}

// Option sets a field of Options.
type Option func(*Options)

// WithRefreshThreshold sets Options.RefreshThreshold.
func WithRefreshThreshold(f float64) Option {
	return func(o *Options) { o.RefreshThreshold = f }
}

// WithSoftTTL sets Options.SoftTTL.
func WithSoftTTL(d time.Duration) Option {
	return func(o *Options) { o.SoftTTL = d }
}

// WithOperation sets Options.Operation.
func WithOperation(name string) Option {
	return func(o *Options) { o.Operation = name }
}

// WithBreaker sets Options.Breaker.
func WithBreaker(class string) Option {
	return func(o *Options) { o.Breaker = class }
}

// WithStaleOnError sets Options.StaleOnError.
func WithStaleOnError(on bool) Option {
	return func(o *Options) { o.StaleOnError = on }
}

// Classify picks the read path for an entry at now. The entry's own TTL is
// authoritative; age is now minus StoredAt.
func Classify(e cache.Entry, found bool, now time.Time, opts Options) Path {
	if !found {
		return PathMiss
	}
	age := e.Age(now)

	if age < e.TTL {
		threshold := min(max(opts.RefreshThreshold, 0), 1)
		window := time.Duration(float64(e.TTL) * (1 - threshold))
		if age < window {
			return PathFresh
		}
		return PathRefreshAhead
	}

	if opts.SoftTTL > 0 && age < e.TTL+opts.SoftTTL {
		return PathStale
	}
	return PathExpired
}
