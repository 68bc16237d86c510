package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonwraymond/toolcache/cache"
)

// Backend stores a single snapshot of cache records.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Load returns ErrNoSnapshot when nothing has been saved.
// - Save replaces the previous snapshot as a whole.
// - Record order is preserved between Save and Load.
type Backend interface {
	Load(ctx context.Context) ([]cache.Record, error)
	Save(ctx context.Context, records []cache.Record) error
}

// Backend names accepted by Open.
const (
	BackendNone     = "none"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
)

// DefaultTable is the SQL table used when Config.Table is empty.
const DefaultTable = "cache_snapshot"

// Config selects and configures a backend.
type Config struct {
	// Backend is one of none, file, sqlite, postgres or s3.
	// Default: none
	Backend string

	// Path is the snapshot file for the file backend and the database file
	// for the sqlite backend.
	Path string

	// DSN is the Postgres connection string.
	DSN string

	// Table names the SQL snapshot table.
	// Default: cache_snapshot
	Table string

	// Bucket, Key and Region locate the S3 snapshot object.
	Bucket string
	Key    string
	Region string
}

// Open builds the backend named by cfg.Backend. It returns a nil Backend
// for the none backend.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: file backend requires a path", ErrUnsupportedBackend)
		}
		return NewFileBackend(cfg.Path), nil
	case BackendSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: sqlite backend requires a path", ErrUnsupportedBackend)
		}
		return OpenSQL(ctx, DialectSQLite, cfg.Path, cfg.Table)
	case BackendPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("%w: postgres backend requires a dsn", ErrUnsupportedBackend)
		}
		return OpenSQL(ctx, DialectPostgres, cfg.DSN, cfg.Table)
	case BackendS3:
		if cfg.Bucket == "" || cfg.Key == "" {
			return nil, fmt.Errorf("%w: s3 backend requires a bucket and key", ErrUnsupportedBackend)
		}
		client, err := LoadS3Client(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		return NewS3Backend(client, cfg.Bucket, cfg.Key), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Backend)
	}
}

// snapshotVersion is the current document format.
const snapshotVersion = 1

// document is the serialized snapshot used by the file and S3 backends.
type document struct {
	Version int            `json:"version"`
	SavedAt time.Time      `json:"saved_at"`
	Records []cache.Record `json:"records"`
}

func encodeDocument(records []cache.Record, now time.Time) ([]byte, error) {
	if records == nil {
		records = []cache.Record{}
	}
	return json.Marshal(document{Version: snapshotVersion, SavedAt: now.UTC(), Records: records})
}

func decodeDocument(data []byte) ([]cache.Record, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if doc.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrCorruptSnapshot, doc.Version)
	}
	return doc.Records, nil
}
