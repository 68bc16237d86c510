package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jonwraymond/toolcache/cache"
)

func sampleRecords() []cache.Record {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []cache.Record{
		cache.NewRecord(cache.Entry{Key: "acme:billing.lookup:1", Value: []byte(`{"total":1}`), StoredAt: at, TTL: time.Minute}),
		cache.NewRecord(cache.Entry{Key: "acme:crm.contact:7", Value: []byte("raw"), StoredAt: at.Add(time.Second), TTL: time.Hour}),
		cache.NewRecord(cache.Entry{Key: "globex:billing.lookup:2", Value: []byte{0x00, 0xff}, StoredAt: at.Add(2 * time.Second), TTL: 0}),
	}
}

// testBackend exercises the Backend contract against b.
func testBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	if _, err := b.Load(ctx); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("Load() on empty backend error = %v, want ErrNoSnapshot", err)
	}

	want := sampleRecords()
	if err := b.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	// A second save replaces the first.
	if err := b.Save(ctx, want[:1]); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err = b.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 1 || got[0].Key != want[0].Key {
		t.Errorf("Load() after replace = %v, want only %q", got, want[0].Key)
	}
}

func TestFileBackend(t *testing.T) {
	testBackend(t, NewFileBackend(filepath.Join(t.TempDir(), "snap", "cache.json")))
}

func TestFileBackend_Permissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	b := NewFileBackend(path)
	if err := b.Save(context.Background(), sampleRecords()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("snapshot mode = %o, want 600", perm)
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
}

func TestFileBackend_Corrupt(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{"},
		{"wrong version", `{"version":9,"records":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cache.json")
			if err := os.WriteFile(path, []byte(tt.data), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := NewFileBackend(path).Load(context.Background()); !errors.Is(err, ErrCorruptSnapshot) {
				t.Errorf("Load() error = %v, want ErrCorruptSnapshot", err)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     Config
		wantNil bool
		wantErr error
	}{
		{name: "empty", cfg: Config{}, wantNil: true},
		{name: "none", cfg: Config{Backend: BackendNone}, wantNil: true},
		{name: "file", cfg: Config{Backend: BackendFile, Path: filepath.Join(dir, "c.json")}},
		{name: "sqlite", cfg: Config{Backend: BackendSQLite, Path: filepath.Join(dir, "c.db")}},
		{name: "file without path", cfg: Config{Backend: BackendFile}, wantErr: ErrUnsupportedBackend},
		{name: "postgres without dsn", cfg: Config{Backend: BackendPostgres}, wantErr: ErrUnsupportedBackend},
		{name: "s3 without bucket", cfg: Config{Backend: BackendS3, Key: "k"}, wantErr: ErrUnsupportedBackend},
		{name: "unknown", cfg: Config{Backend: "redis"}, wantErr: ErrUnsupportedBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Open(ctx, tt.cfg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Open() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if (b == nil) != tt.wantNil {
				t.Errorf("Open() backend = %v, wantNil %v", b, tt.wantNil)
			}
			if c, ok := b.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		})
	}
}
