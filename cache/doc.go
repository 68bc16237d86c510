// Package cache provides the bounded in-memory store behind toolcache.
//
// Store keeps opaque byte values in LRU order with per-entry TTLs, an entry
// bound and an optional byte budget. Expired entries remain readable through
// Lookup and MGetStale so higher layers can serve stale data while they
// refresh it. Typed and the Codec implementations add typed access, and
// Keyer derives scoped keys addressable by customer and domain patterns.
package cache
