// Package persist saves and restores cache contents across restarts.
//
// A Backend stores one snapshot: the store's records in LRU order, oldest
// first. Backends exist for local files (JSON), SQL databases (SQLite via
// modernc.org/sqlite, Postgres via pgx) and S3 objects. A Snapshotter ties
// a backend to a store and coalesces concurrent saves.
//
// Persistence only changes restart behaviour. A missing snapshot is
// reported as ErrNoSnapshot and a corrupt record is skipped on restore.
package persist
