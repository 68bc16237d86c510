package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Hooks observe store activity. Every hook is optional and runs after the
// store lock is released, so hooks may call back into the store.
type Hooks struct {
	// OnHit runs when Get or MGet serves a fresh value.
	OnHit func(key string)
	// OnMiss runs when Get or MGet finds nothing servable.
	OnMiss func(key string)
	// OnEvict runs for every entry the store drops on its own.
	OnEvict func(key string, reason EvictReason)
	// OnDelete runs for explicit deletions, including pattern deletions.
	OnDelete func(key string)
	// OnCorrupt runs when a caller reports that a stored value could not be
	// decoded and the entry was discarded.
	OnCorrupt func(key string, err error)
}

// Config configures a Store.
type Config struct {
	// MaxEntries bounds the number of stored entries.
	// Default: 10000
	MaxEntries int

	// MaxBytes bounds the approximate memory used by keys and values.
	// Zero disables the byte budget.
	MaxBytes int64

	// RetainStale is how long an expired entry is kept for stale reads
	// before PurgeExpired removes it.
	// Default: 1h
	RetainStale time.Duration

	// Hooks receive store events.
	Hooks Hooks

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// DefaultMaxEntries is the entry bound used when Config.MaxEntries is zero.
const DefaultMaxEntries = 10000

// DefaultRetainStale is the retention used when Config.RetainStale is zero.
const DefaultRetainStale = time.Hour

// Stats is a snapshot of store counters.
type Stats struct {
	Entries    int     `json:"entries"`
	Bytes      int64   `json:"bytes"`
	MaxEntries int     `json:"max_entries"`
	MaxBytes   int64   `json:"max_bytes"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Evictions  int64   `json:"evictions"`
}

// ImportStats reports what Import did with a batch of records.
type ImportStats struct {
	Loaded  int `json:"loaded"`
	Corrupt int `json:"corrupt"`
	Expired int `json:"expired"`
}

// Store is a bounded, concurrency-safe LRU map of entries with TTLs.
//
// Expired entries are not returned by Get but stay in the store until they
// are evicted, deleted, or purged, so stale reads remain possible.
type Store struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[string, *Entry]
	bytes int64
	cfg   Config

	hits      int64
	misses    int64
	evictions int64
}

type evicted struct {
	key    string
	reason EvictReason
}

// New creates a store, applying defaults to zero config fields.
func New(cfg Config) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.RetainStale == 0 {
		cfg.RetainStale = DefaultRetainStale
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	// Capacity eviction is driven by the store so the LRU never evicts on Add.
	lru, err := simplelru.NewLRU[string, *Entry](cfg.MaxEntries, nil)
	if err != nil {
		panic(fmt.Sprintf("cache: building lru: %v", err))
	}
	return &Store{lru: lru, cfg: cfg}
}

// Now returns the current time on the store's clock.
func (s *Store) Now() time.Time { return s.cfg.Now() }

// Get returns a fresh value and promotes it to most recently used.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool) {
	now := s.cfg.Now()

	s.mu.Lock()
	e, ok := s.lru.Peek(key)
	if !ok || !e.Fresh(now) {
		s.misses++
		s.mu.Unlock()
		s.fireMiss(key)
		return nil, false
	}
	s.lru.Get(key)
	e.Hits++
	s.hits++
	value := e.Value
	s.mu.Unlock()

	s.fireHit(key)
	return value, true
}

// Lookup returns the entry for key whatever its freshness and promotes it.
// It does not touch hit/miss counters; callers that serve the entry record
// their own outcome.
func (s *Store) Lookup(_ context.Context, key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Get(key)
	if !ok {
		return Entry{}, false
	}
	e.Hits++
	return *e, true
}

// Peek returns the entry for key without promoting it.
func (s *Store) Peek(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Peek(key)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Has reports whether key holds a fresh value, without promoting it.
func (s *Store) Has(_ context.Context, key string) bool {
	now := s.cfg.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Peek(key)
	return ok && e.Fresh(now)
}

// Set stores value under key. A TTL <= 0 stores an already-expired entry.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	size := entrySize(key, value)
	if s.cfg.MaxBytes > 0 && size > s.cfg.MaxBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrValueTooLarge, size, s.cfg.MaxBytes)
	}

	s.mu.Lock()
	dropped := s.putLocked(&Entry{
		Key:      key,
		Value:    value,
		StoredAt: s.cfg.Now(),
		TTL:      ttl,
		Size:     size,
	})
	s.mu.Unlock()

	s.fireEvictions(dropped)
	return nil
}

// MSet stores several items. It stops at the first invalid item; items
// before it remain stored.
func (s *Store) MSet(ctx context.Context, items []Item) error {
	for _, it := range items {
		if err := s.Set(ctx, it.Key, it.Value, it.TTL); err != nil {
			return fmt.Errorf("cache: mset %q: %w", it.Key, err)
		}
	}
	return nil
}

// putLocked inserts or replaces e, evicting least recently used entries
// until the new entry fits.
func (s *Store) putLocked(e *Entry) []evicted {
	var dropped []evicted

	if old, ok := s.lru.Peek(e.Key); ok {
		s.bytes -= old.Size
		s.lru.Remove(e.Key)
	}

	for s.lru.Len() > 0 && (s.lru.Len() >= s.cfg.MaxEntries ||
		(s.cfg.MaxBytes > 0 && s.bytes+e.Size > s.cfg.MaxBytes)) {
		key, old, ok := s.lru.RemoveOldest()
		if !ok {
			break
		}
		s.bytes -= old.Size
		s.evictions++
		dropped = append(dropped, evicted{key: key, reason: EvictCapacity})
	}

	s.lru.Add(e.Key, e)
	s.bytes += e.Size
	return dropped
}

// Delete removes key. Idempotent - no error on miss.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	removed := s.removeLocked(key)
	s.mu.Unlock()

	if removed && s.cfg.Hooks.OnDelete != nil {
		s.cfg.Hooks.OnDelete(key)
	}
	return nil
}

func (s *Store) removeLocked(key string) bool {
	e, ok := s.lru.Peek(key)
	if !ok {
		return false
	}
	s.bytes -= e.Size
	s.lru.Remove(key)
	return true
}

// Discard drops an entry whose value a caller failed to decode and reports
// it through Hooks.OnCorrupt.
func (s *Store) Discard(ctx context.Context, key string, cause error) {
	s.mu.Lock()
	s.removeLocked(key)
	s.mu.Unlock()

	if s.cfg.Hooks.OnCorrupt != nil {
		s.cfg.Hooks.OnCorrupt(key, cause)
	}
}

// MGet returns the fresh values among keys. Missing and expired keys are
// omitted from the result.
func (s *Store) MGet(ctx context.Context, keys []string) map[string][]byte {
	return s.mget(keys, 0)
}

// MGetStale is MGet that also returns values expired by less than softTTL.
func (s *Store) MGetStale(ctx context.Context, keys []string, softTTL time.Duration) map[string][]byte {
	return s.mget(keys, softTTL)
}

func (s *Store) mget(keys []string, softTTL time.Duration) map[string][]byte {
	now := s.cfg.Now()
	out := make(map[string][]byte, len(keys))
	var hits, misses []string

	s.mu.Lock()
	for _, key := range keys {
		e, ok := s.lru.Peek(key)
		if !ok || !e.Servable(now, softTTL) {
			s.misses++
			misses = append(misses, key)
			continue
		}
		s.lru.Get(key)
		e.Hits++
		s.hits++
		out[key] = e.Value
		hits = append(hits, key)
	}
	s.mu.Unlock()

	for _, key := range hits {
		s.fireHit(key)
	}
	for _, key := range misses {
		s.fireMiss(key)
	}
	return out
}

// ScanKeys returns the keys matching pattern, oldest first. Expired entries
// are included.
func (s *Store) ScanKeys(pattern string) ([]string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for _, key := range s.lru.Keys() {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// ScanAndDelete removes every entry matching pattern and returns how many
// were removed.
func (s *Store) ScanAndDelete(_ context.Context, pattern string) (int, error) {
	if err := ValidatePattern(pattern); err != nil {
		return 0, err
	}

	var removed []string
	s.mu.Lock()
	for _, key := range s.lru.Keys() {
		if MatchPattern(pattern, key) && s.removeLocked(key) {
			removed = append(removed, key)
		}
	}
	s.mu.Unlock()

	if s.cfg.Hooks.OnDelete != nil {
		for _, key := range removed {
			s.cfg.Hooks.OnDelete(key)
		}
	}
	return len(removed), nil
}

// FlushAll removes every entry. Counters are kept.
func (s *Store) FlushAll(_ context.Context) {
	s.mu.Lock()
	s.lru.Purge()
	s.bytes = 0
	s.mu.Unlock()
}

// PurgeExpired removes entries that expired more than RetainStale ago and
// returns how many were removed.
func (s *Store) PurgeExpired(_ context.Context) int {
	now := s.cfg.Now()
	var dropped []evicted

	s.mu.Lock()
	for _, key := range s.lru.Keys() {
		e, ok := s.lru.Peek(key)
		if !ok || e.Servable(now, s.cfg.RetainStale) {
			continue
		}
		s.removeLocked(key)
		s.evictions++
		dropped = append(dropped, evicted{key: key, reason: EvictExpired})
	}
	s.mu.Unlock()

	s.fireEvictions(dropped)
	return len(dropped)
}

// Stats returns a snapshot of store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Entries:    s.lru.Len(),
		Bytes:      s.bytes,
		MaxEntries: s.cfg.MaxEntries,
		MaxBytes:   s.cfg.MaxBytes,
		Hits:       s.hits,
		Misses:     s.misses,
		HitRate:    HitRate(s.hits, s.misses),
		Evictions:  s.evictions,
	}
}

// Export returns checksummed records for every entry, least recently used
// first.
func (s *Store) Export() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]Record, 0, s.lru.Len())
	for _, key := range s.lru.Keys() {
		if e, ok := s.lru.Peek(key); ok {
			records = append(records, NewRecord(*e))
		}
	}
	return records
}

// Import loads records in order, so exported LRU order is preserved.
// Records failing their checksum or expired beyond RetainStale are skipped.
func (s *Store) Import(_ context.Context, records []Record) (ImportStats, error) {
	now := s.cfg.Now()
	var stats ImportStats
	var dropped []evicted

	s.mu.Lock()
	for _, r := range records {
		if !r.Valid() {
			stats.Corrupt++
			continue
		}
		e := &Entry{
			Key:      r.Key,
			Value:    r.Value,
			StoredAt: r.StoredAt,
			TTL:      r.TTL,
			Size:     entrySize(r.Key, r.Value),
		}
		if !e.Servable(now, s.cfg.RetainStale) {
			stats.Expired++
			continue
		}
		if s.cfg.MaxBytes > 0 && e.Size > s.cfg.MaxBytes {
			stats.Corrupt++
			continue
		}
		dropped = append(dropped, s.putLocked(e)...)
		stats.Loaded++
	}
	s.mu.Unlock()

	s.fireEvictions(dropped)
	return stats, nil
}

func (s *Store) fireHit(key string) {
	if s.cfg.Hooks.OnHit != nil {
		s.cfg.Hooks.OnHit(key)
	}
}

func (s *Store) fireMiss(key string) {
	if s.cfg.Hooks.OnMiss != nil {
		s.cfg.Hooks.OnMiss(key)
	}
}

func (s *Store) fireEvictions(dropped []evicted) {
	if s.cfg.Hooks.OnEvict == nil {
		return
	}
	for _, d := range dropped {
		s.cfg.Hooks.OnEvict(d.key, d.reason)
	}
}

// HitRate returns hits as a percentage of all lookups, or 0 with no lookups.
func HitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// Ensure Store implements Cache
var _ Cache = (*Store)(nil)
