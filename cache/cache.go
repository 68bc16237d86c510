package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MaxKeyLength is the maximum allowed length for a cache key.
const MaxKeyLength = 512

// Wildcard terminates a prefix pattern such as "acme:*".
const Wildcard = "*"

// Sentinel errors for cache operations.
var (
	ErrInvalidKey     = errors.New("cache: key is invalid")
	ErrKeyTooLong     = errors.New("cache: key exceeds max length")
	ErrInvalidPattern = errors.New("cache: pattern is invalid")
	ErrValueTooLarge  = errors.New("cache: value exceeds memory budget")
	ErrInvalidScope   = errors.New("cache: scope is invalid")
)

// Cache is the minimal byte cache contract shared by the store and its
// decorators.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: methods should honor cancellation/deadlines where applicable.
// - Errors: Get never errors; it returns (nil, false) on miss or expiry.
type Cache interface {
	// Get retrieves a fresh value. Returns (nil, false) on miss or expiry.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores a value with the given TTL. A TTL <= 0 stores an entry
	// that is already expired.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a cached value. Idempotent - no error on miss.
	Delete(ctx context.Context, key string) error
}

// ValidateKey checks if a key is valid for caching.
func ValidateKey(key string) error {
	if key == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	// Reject keys with newlines or carriage returns
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	return nil
}

// ValidatePattern checks that pattern is either an exact key or a prefix
// followed by a single trailing wildcard.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrInvalidPattern
	}
	if i := strings.Index(pattern, Wildcard); i >= 0 && i != len(pattern)-1 {
		return ErrInvalidPattern
	}
	return nil
}

// MatchPattern reports whether key matches pattern. Patterns ending in "*"
// match by prefix; anything else must equal the key.
func MatchPattern(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, Wildcard); ok {
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
