package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/jonwraymond/toolcache/cache"
	"github.com/jonwraymond/toolcache/coalesce"
)

// BenchmarkGetWithRefresh_Fresh measures the cached read path.
func BenchmarkGetWithRefresh_Fresh(b *testing.B) {
	store := cache.New(cache.Config{})
	ctrl := New(store, coalesce.New[[]byte](coalesce.Config{}), Config{})
	ctx := context.Background()
	_ = store.Set(ctx, "acme:k", []byte("v"), time.Hour)
	fetch := func(context.Context) ([]byte, error) { return []byte("v"), nil }

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = ctrl.GetWithRefresh(ctx, "acme:k", time.Hour, fetch)
	}
}

// BenchmarkGetWithRefresh_Parallel measures contention on one hot key.
func BenchmarkGetWithRefresh_Parallel(b *testing.B) {
	store := cache.New(cache.Config{})
	ctrl := New(store, coalesce.New[[]byte](coalesce.Config{}), Config{})
	ctx := context.Background()
	fetch := func(context.Context) ([]byte, error) { return []byte("v"), nil }

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = ctrl.GetWithRefresh(ctx, "acme:hot", time.Hour, fetch)
		}
	})
}

// BenchmarkClassify measures the decision policy alone.
func BenchmarkClassify(b *testing.B) {
	now := time.Now()
	e := cache.Entry{StoredAt: now.Add(-9 * time.Second), TTL: 10 * time.Second}
	opts := Options{RefreshThreshold: 0.2, SoftTTL: time.Minute}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Classify(e, true, now, opts)
	}
}
