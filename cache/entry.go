package cache

import (
	"hash/crc32"
	"time"
)

// entryOverhead approximates the per-entry bookkeeping cost in bytes.
const entryOverhead = 64

// EvictReason describes why the store dropped an entry on its own.
type EvictReason int

const (
	// EvictCapacity means the entry was the least recently used one when the
	// store needed room.
	EvictCapacity EvictReason = iota
	// EvictExpired means the entry outlived its TTL plus the retention window.
	EvictExpired
)

// String returns the reason name.
func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Entry is a point-in-time copy of a stored value and its freshness data.
type Entry struct {
	Key      string
	Value    []byte
	StoredAt time.Time
	TTL      time.Duration
	Hits     int64
	Size     int64
}

// Age returns how long ago the entry was stored.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// ExpiresAt returns the instant the entry stops being fresh.
func (e Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// Fresh reports whether the entry is still inside its TTL. Entries stored
// with a TTL <= 0 are never fresh.
func (e Entry) Fresh(now time.Time) bool {
	return e.Age(now) < e.TTL
}

// Servable reports whether the entry is fresh or expired by less than
// softTTL.
func (e Entry) Servable(now time.Time, softTTL time.Duration) bool {
	if e.Fresh(now) {
		return true
	}
	return softTTL > 0 && e.Age(now) < e.TTL+softTTL
}

// Item is a key/value pair for batch writes.
type Item struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// Record is the persisted form of an entry.
type Record struct {
	Key      string        `json:"key"`
	Value    []byte        `json:"value"`
	StoredAt time.Time     `json:"stored_at"`
	TTL      time.Duration `json:"ttl"`
	Checksum uint32        `json:"checksum"`
}

// NewRecord builds a checksummed record from an entry.
func NewRecord(e Entry) Record {
	return Record{
		Key:      e.Key,
		Value:    e.Value,
		StoredAt: e.StoredAt,
		TTL:      e.TTL,
		Checksum: crc32.ChecksumIEEE(e.Value),
	}
}

// Valid reports whether the record's key is usable and its value matches the
// checksum.
func (r Record) Valid() bool {
	if ValidateKey(r.Key) != nil {
		return false
	}
	return crc32.ChecksumIEEE(r.Value) == r.Checksum
}

func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value) + entryOverhead)
}
