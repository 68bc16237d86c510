// Package refresh implements stale-while-revalidate reads over a cache.Store.
//
// Controller.GetWithRefresh classifies the cached entry for a key into one
// of five paths (miss, fresh, refresh-ahead, stale, expired). Fresh entries
// are served directly; entries inside the refresh window or the soft-TTL
// grace window are served while a detached background refresh runs; misses
// and hard-expired entries block on a coalesced upstream fetch guarded by
// the key class's circuit breaker.
package refresh
