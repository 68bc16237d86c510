package cache

import (
	"slices"
	"strings"
	"time"
)

// UnsafeTags are tags that indicate a tool has side effects and should not be cached.
var UnsafeTags = []string{"write", "danger", "unsafe", "mutation", "delete"}

// Policy decides whether and for how long tool results are cached.
type Policy struct {
	// DefaultTTL is the TTL to use when none is specified.
	// If zero, caching is disabled.
	DefaultTTL time.Duration

	// MaxTTL clamps override TTLs. If zero, no maximum is enforced.
	MaxTTL time.Duration

	// AllowUnsafe permits caching tools tagged with UnsafeTags.
	AllowUnsafe bool
}

// DefaultPolicy returns DefaultTTL 5m, MaxTTL 1h and no unsafe caching.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTTL: 5 * time.Minute,
		MaxTTL:     time.Hour,
	}
}

// NoCachePolicy returns a policy that disables caching entirely.
func NoCachePolicy() Policy {
	return Policy{}
}

// ShouldCache reports whether a tool carrying tags may be cached.
func (p Policy) ShouldCache(tags []string) bool {
	if p.DefaultTTL <= 0 {
		return false
	}
	return p.AllowUnsafe || !HasUnsafeTag(tags)
}

// EffectiveTTL returns override, or DefaultTTL when override <= 0, clamped
// to MaxTTL.
func (p Policy) EffectiveTTL(override time.Duration) time.Duration {
	ttl := override
	if ttl <= 0 {
		ttl = p.DefaultTTL
	}
	if p.MaxTTL > 0 && ttl > p.MaxTTL {
		ttl = p.MaxTTL
	}
	return ttl
}

// HasUnsafeTag reports whether any tag is in UnsafeTags, ignoring case.
func HasUnsafeTag(tags []string) bool {
	for _, tag := range tags {
		if slices.Contains(UnsafeTags, strings.ToLower(tag)) {
			return true
		}
	}
	return false
}
