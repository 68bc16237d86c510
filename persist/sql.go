package persist

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/jonwraymond/toolcache/cache"
)

// Dialect selects the SQL flavour of a SQLBackend.
type Dialect int

const (
	// DialectSQLite uses the modernc.org/sqlite driver.
	DialectSQLite Dialect = iota
	// DialectPostgres uses the pgx database/sql driver.
	DialectPostgres
)

// Driver returns the database/sql driver name for the dialect.
func (d Dialect) Driver() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) String() string {
	if d == DialectPostgres {
		return BackendPostgres
	}
	return BackendSQLite
}

func (d Dialect) blobType() string {
	if d == DialectPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

// placeholders returns n bind parameters in the dialect's syntax.
func (d Dialect) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		if d == DialectPostgres {
			parts[i] = fmt.Sprintf("$%d", i+1)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLBackend keeps one row per record in a table, ordered by position.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
	table   string
	owned   bool
}

// OpenSQL opens a database for dialect and creates the snapshot table.
// The returned backend owns the connection pool; Close releases it.
func OpenSQL(ctx context.Context, dialect Dialect, dsn, table string) (*SQLBackend, error) {
	db, err := sql.Open(dialect.Driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", dialect, err)
	}
	b, err := NewSQLBackend(ctx, db, dialect, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// NewSQLBackend uses an existing pool and creates the snapshot table if
// needed. An empty table means DefaultTable.
func NewSQLBackend(ctx context.Context, db *sql.DB, dialect Dialect, table string) (*SQLBackend, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("persist: invalid table name %q", table)
	}
	b := &SQLBackend{db: db, dialect: dialect, table: table}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	position  BIGINT NOT NULL,
	key       TEXT PRIMARY KEY,
	value     %s NOT NULL,
	stored_at BIGINT NOT NULL,
	ttl       BIGINT NOT NULL,
	checksum  BIGINT NOT NULL
)`, table, dialect.blobType())
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("persist: create table %s: %w", table, err)
	}
	return b, nil
}

func (b *SQLBackend) Load(ctx context.Context) ([]cache.Record, error) {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT key, value, stored_at, ttl, checksum FROM %s ORDER BY position", b.table))
	if err != nil {
		return nil, fmt.Errorf("persist: query snapshot: %w", err)
	}
	defer rows.Close()

	var records []cache.Record
	for rows.Next() {
		var (
			r        cache.Record
			storedAt int64
			ttl      int64
			checksum int64
		)
		if err := rows.Scan(&r.Key, &r.Value, &storedAt, &ttl, &checksum); err != nil {
			return nil, fmt.Errorf("persist: scan snapshot: %w", err)
		}
		r.StoredAt = time.Unix(0, storedAt).UTC()
		r.TTL = time.Duration(ttl)
		r.Checksum = uint32(checksum)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persist: read snapshot: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNoSnapshot
	}
	return records, nil
}

func (b *SQLBackend) Save(ctx context.Context, records []cache.Record) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persist: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM "+b.table); err != nil {
		return fmt.Errorf("persist: clear snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (position, key, value, stored_at, ttl, checksum) VALUES (%s)",
		b.table, b.dialect.placeholders(6)))
	if err != nil {
		return fmt.Errorf("persist: prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range records {
		value := r.Value
		if value == nil {
			value = []byte{}
		}
		if _, err = stmt.ExecContext(ctx, int64(i), r.Key, value,
			r.StoredAt.UnixNano(), int64(r.TTL), int64(r.Checksum)); err != nil {
			return fmt.Errorf("persist: insert %q: %w", r.Key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("persist: commit: %w", err)
	}
	return nil
}

// Close releases the pool when the backend opened it.
func (b *SQLBackend) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}

var _ Backend = (*SQLBackend)(nil)
