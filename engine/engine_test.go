package engine

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jonwraymond/toolcache/cache"
	"github.com/jonwraymond/toolcache/config"
	"github.com/jonwraymond/toolcache/health"
	"github.com/jonwraymond/toolcache/observe"
	"github.com/jonwraymond/toolcache/persist"
	"github.com/jonwraymond/toolcache/refresh"
	"github.com/jonwraymond/toolcache/resilience"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PurgeInterval = 0
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config, opts ...Option) (*Engine, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	e, err := New(context.Background(), cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e, clock
}

type countingFetcher struct {
	calls atomic.Int64
	value string
}

func (f *countingFetcher) fetch(context.Context) ([]byte, error) {
	n := f.calls.Add(1)
	return []byte(f.value + "-" + string(rune('0'+n))), nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RefreshThreshold = 2
	if _, err := New(context.Background(), cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("New() error = %v, want ErrInvalidConfig", err)
	}
}

func TestEngine_SingleFlight(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()
	const key = "stampede:test"

	var fetchCount atomic.Int64
	release := make(chan struct{})
	fetch := func(context.Context) ([]byte, error) {
		fetchCount.Add(1)
		<-release
		return []byte("shared"), nil
	}

	const callers = 5
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := e.GetWithRefresh(ctx, key, time.Minute, fetch)
			if err != nil {
				t.Errorf("GetWithRefresh() error = %v", err)
			}
			results[i] = string(v)
		}(i)
	}

	waitFor(t, func() bool {
		p, ok := e.group.Pending(key)
		return ok && p.Subscribers == callers
	})
	close(release)
	wg.Wait()

	if got := fetchCount.Load(); got != 1 {
		t.Errorf("fetchCount = %d, want 1", got)
	}
	for i, v := range results {
		if v != "shared" {
			t.Errorf("results[%d] = %q, want shared", i, v)
		}
	}
	if got := e.GetMetrics().Coalesced; got != callers-1 {
		t.Errorf("Coalesced = %d, want %d", got, callers-1)
	}
}

func TestEngine_TTL(t *testing.T) {
	e, clock := newTestEngine(t, testConfig())
	ctx := context.Background()

	if err := e.Set(ctx, "ttl:k", []byte("v"), time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if v, ok := e.Get(ctx, "ttl:k"); !ok || string(v) != "v" {
		t.Fatalf("Get() = (%q, %v), want (v, true)", v, ok)
	}

	clock.Advance(1100 * time.Millisecond)
	if _, ok := e.Get(ctx, "ttl:k"); ok {
		t.Error("Get() after TTL should miss")
	}
	if e.Has(ctx, "ttl:k") {
		t.Error("Has() after TTL should be false")
	}
}

func TestEngine_ImmediateExpiryWithSoftTTL(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	if err := e.Set(ctx, "soft:k", []byte("old"), -time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, ok := e.Get(ctx, "soft:k"); ok {
		t.Fatal("Get() of an already-expired entry should miss")
	}

	f := &countingFetcher{value: "new"}
	v, err := e.GetWithRefresh(ctx, "soft:k", time.Minute, f.fetch, refresh.WithSoftTTL(300*time.Second))
	if err != nil {
		t.Fatalf("GetWithRefresh() error = %v", err)
	}
	if string(v) != "old" {
		t.Errorf("GetWithRefresh() = %q, want the stale value", v)
	}

	e.ctrl.Wait()
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetch calls after background refresh = %d, want 1", got)
	}
	if v, ok := e.Get(ctx, "soft:k"); !ok || string(v) != "new-1" {
		t.Errorf("Get() after refresh = (%q, %v), want (new-1, true)", v, ok)
	}
}

func TestEngine_NoRedundantFetch(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()
	f := &countingFetcher{value: "v"}

	for i := 0; i < 2; i++ {
		if _, err := e.GetWithRefresh(ctx, "once:k", time.Minute, f.fetch); err != nil {
			t.Fatalf("GetWithRefresh() error = %v", err)
		}
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestEngine_ThresholdRefresh(t *testing.T) {
	e, clock := newTestEngine(t, testConfig())
	ctx := context.Background()
	f := &countingFetcher{value: "v"}
	opt := refresh.WithRefreshThreshold(0.6)

	if _, err := e.GetWithRefresh(ctx, "early:k", 2*time.Second, f.fetch, opt); err != nil {
		t.Fatalf("GetWithRefresh() error = %v", err)
	}
	clock.Advance(time.Second)

	v, err := e.GetWithRefresh(ctx, "early:k", 2*time.Second, f.fetch, opt)
	if err != nil {
		t.Fatalf("GetWithRefresh() error = %v", err)
	}
	if string(v) != "v-1" {
		t.Errorf("GetWithRefresh() = %q, want old value v-1", v)
	}

	e.ctrl.Wait()
	if got := f.calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
}

func TestEngine_MGetPartial(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	err := e.MSet(ctx, []cache.Item{
		{Key: "batch:k1", Value: []byte("1"), TTL: time.Minute},
		{Key: "batch:k3", Value: []byte("3"), TTL: time.Minute},
	})
	if err != nil {
		t.Fatalf("MSet() error = %v", err)
	}

	got := e.MGet(ctx, []string{"batch:k1", "batch:k2", "batch:k3"})
	want := map[string][]byte{"batch:k1": []byte("1"), "batch:k3": []byte("3")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MGet() mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_MGetServesSoftTTL(t *testing.T) {
	cfg := testConfig()
	cfg.SoftTTL = config.Duration(time.Minute)
	e, clock := newTestEngine(t, cfg)
	ctx := context.Background()

	_ = e.Set(ctx, "batch:stale", []byte("s"), time.Second)
	clock.Advance(30 * time.Second)

	if got := e.MGet(ctx, []string{"batch:stale"}); len(got) != 1 {
		t.Errorf("MGet() = %v, want the soft-TTL entry", got)
	}
}

func TestEngine_PatternInvalidation(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	for _, k := range []string{"p:1", "p:2", "p:3", "other:1"} {
		_ = e.Set(ctx, k, []byte(k), time.Minute)
	}

	n, err := e.ScanAndDelete(ctx, "p:*")
	if err != nil {
		t.Fatalf("ScanAndDelete() error = %v", err)
	}
	if n != 3 {
		t.Errorf("ScanAndDelete() = %d, want 3", n)
	}
	if !e.Has(ctx, "other:1") {
		t.Error("other:1 should survive")
	}
	if got := e.InvalidationStats(); got.Calls != 1 || got.Removed != 3 {
		t.Errorf("InvalidationStats() = %+v", got)
	}
}

func TestEngine_InvalidateScopes(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	for _, k := range []string{"acme:billing.a:1", "acme:billing.b:2", "acme:crm.c:3", "globex:billing.a:1"} {
		_ = e.Set(ctx, k, []byte("v"), time.Minute)
	}

	if n, err := e.InvalidateDomain(ctx, "acme", "billing"); err != nil || n != 2 {
		t.Errorf("InvalidateDomain() = (%d, %v), want (2, nil)", n, err)
	}
	if n, err := e.InvalidateCustomer(ctx, "acme"); err != nil || n != 1 {
		t.Errorf("InvalidateCustomer() = (%d, %v), want (1, nil)", n, err)
	}
	if n, err := e.InvalidateKeys(ctx, "globex:billing.a:1", "missing:1"); err != nil || n != 1 {
		t.Errorf("InvalidateKeys() = (%d, %v), want (1, nil)", n, err)
	}
	if got := e.Stats().Entries; got != 0 {
		t.Errorf("Entries = %d, want 0", got)
	}
}

func TestEngine_HitRate(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()
	_ = e.Set(ctx, "rate:k", []byte("v"), time.Minute)

	e.Get(ctx, "rate:k")
	e.Get(ctx, "rate:k")
	e.Get(ctx, "rate:miss1")
	e.Get(ctx, "rate:miss2")
	e.Get(ctx, "rate:miss3")

	m := e.GetMetrics()
	if m.Hits != 2 || m.Misses != 3 {
		t.Errorf("metrics = %+v, want 2 hits and 3 misses", m)
	}
	if m.HitRate < 39.99 || m.HitRate > 40.01 {
		t.Errorf("HitRate = %v, want 40", m.HitRate)
	}
}

func TestEngine_CircuitBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerFailureThreshold = 2
	cfg.BreakerOpenTimeout = config.Duration(30 * time.Second)
	e, clock := newTestEngine(t, cfg)
	ctx := context.Background()

	upstream := errors.New("upstream down")
	var calls atomic.Int64
	failing := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return nil, upstream
	}

	for i, key := range []string{"acme:a", "acme:b"} {
		if _, err := e.GetWithRefresh(ctx, key, time.Minute, failing); !errors.Is(err, upstream) {
			t.Fatalf("call %d error = %v, want upstream error unchanged", i, err)
		}
	}

	_, err := e.GetWithRefresh(ctx, "acme:c", time.Minute, failing)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("third call error = %v, want ErrCircuitOpen", err)
	}
	if calls.Load() != 2 {
		t.Errorf("fetch calls = %d, want 2 (open breaker must not invoke the fetcher)", calls.Load())
	}

	// Other classes are unaffected.
	f := &countingFetcher{value: "g"}
	if _, err := e.GetWithRefresh(ctx, "globex:a", time.Minute, f.fetch); err != nil {
		t.Errorf("globex call error = %v, want nil", err)
	}

	clock.Advance(30 * time.Second)
	ok := &countingFetcher{value: "ok"}
	if _, err := e.GetWithRefresh(ctx, "acme:d", time.Minute, ok.fetch); err != nil {
		t.Fatalf("trial call error = %v", err)
	}
	if ok.calls.Load() != 1 {
		t.Errorf("trial fetch calls = %d, want 1", ok.calls.Load())
	}

	for _, snap := range e.Breakers() {
		if snap.State != resilience.StateClosed {
			t.Errorf("breaker %s = %v, want closed", snap.Name, snap.State)
		}
	}
	if got := e.GetMetrics().Errors; got != 3 {
		t.Errorf("Errors = %d, want 3", got)
	}
}

func TestEngine_BreakerHealth(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerFailureThreshold = 1
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	if r := e.Health().Report(ctx); r.Status != health.StatusHealthy {
		t.Fatalf("initial health = %v, want healthy", r.Status)
	}
	_, _ = e.GetWithRefresh(ctx, "acme:x", time.Minute, func(context.Context) ([]byte, error) {
		return nil, errors.New("boom")
	})
	if r := e.Health().Report(ctx); r.Status != health.StatusUnhealthy {
		t.Errorf("health with open breaker = %v, want unhealthy", r.Status)
	}
}

func TestEngine_MGetWithRefresh(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()
	_ = e.Set(ctx, "multi:cached", []byte("c"), time.Minute)

	var fetched atomic.Int64
	got, err := e.MGetWithRefresh(ctx, []string{"multi:cached", "multi:a", "multi:bad"}, time.Minute,
		func(_ context.Context, key string) ([]byte, error) {
			fetched.Add(1)
			if strings.HasSuffix(key, "bad") {
				return nil, errors.New("not found upstream")
			}
			return []byte(key), nil
		})

	if err == nil || !strings.Contains(err.Error(), "multi:bad") {
		t.Errorf("MGetWithRefresh() error = %v, want one naming multi:bad", err)
	}
	want := map[string][]byte{"multi:cached": []byte("c"), "multi:a": []byte("multi:a")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MGetWithRefresh() mismatch (-want +got):\n%s", diff)
	}
	if fetched.Load() != 2 {
		t.Errorf("fetched = %d, want 2", fetched.Load())
	}
}

func TestEngine_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := persist.NewFileBackend(filepath.Join(t.TempDir(), "cache.json"))

	first, clock := newTestEngine(t, testConfig(), WithBackend(backend))
	_ = first.Set(ctx, "persist:a", []byte("1"), time.Hour)
	_ = first.Set(ctx, "persist:b", []byte("2"), time.Hour)
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := New(ctx, testConfig(), WithBackend(backend), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer second.Close(ctx)

	if v, ok := second.Get(ctx, "persist:b"); !ok || string(v) != "2" {
		t.Errorf("restored Get() = (%q, %v), want (2, true)", v, ok)
	}
	if n, err := second.Snapshot(ctx); err != nil || n != 2 {
		t.Errorf("Snapshot() = (%d, %v), want (2, nil)", n, err)
	}
}

func TestEngine_PersistenceDisabled(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	if _, err := e.Snapshot(context.Background()); !errors.Is(err, ErrPersistenceDisabled) {
		t.Errorf("Snapshot() error = %v, want ErrPersistenceDisabled", err)
	}
	if _, err := e.Restore(context.Background()); !errors.Is(err, ErrPersistenceDisabled) {
		t.Errorf("Restore() error = %v, want ErrPersistenceDisabled", err)
	}
}

func TestEngine_CloseIdempotent(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	select {
	case <-e.Done():
	default:
		t.Error("Done() should be closed after Close")
	}
}

func TestEngine_Janitor(t *testing.T) {
	cfg := testConfig()
	cfg.PurgeInterval = config.Duration(5 * time.Millisecond)
	cfg.RetainStale = config.Duration(time.Minute)
	e, clock := newTestEngine(t, cfg)
	ctx := context.Background()

	_ = e.Set(ctx, "old:k", []byte("v"), time.Second)
	clock.Advance(2 * time.Minute)

	waitFor(t, func() bool { return e.Stats().Entries == 0 })
	if got := e.GetMetrics().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestEngine_FlushAll(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()
	_ = e.Set(ctx, "f:1", []byte("v"), time.Minute)
	_ = e.Set(ctx, "f:2", []byte("v"), time.Minute)

	e.FlushAll(ctx)
	if got := e.Stats().Entries; got != 0 {
		t.Errorf("Entries after FlushAll = %d, want 0", got)
	}
}

func TestEngine_FetchRetries(t *testing.T) {
	cfg := testConfig()
	cfg.FetchAttempts = 3
	cfg.BreakerFailureThreshold = 1
	e, _ := newTestEngine(t, cfg)

	var calls atomic.Int64
	v, err := e.GetWithRefresh(context.Background(), "retry:k", time.Minute, func(context.Context) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	})
	if err != nil || string(v) != "ok" {
		t.Fatalf("GetWithRefresh() = (%q, %v), want (ok, nil)", v, err)
	}
	if calls.Load() != 3 {
		t.Errorf("fetch calls = %d, want 3", calls.Load())
	}
	for _, snap := range e.Breakers() {
		if snap.State != resilience.StateClosed {
			t.Errorf("breaker %s = %v, want closed after a retried success", snap.Name, snap.State)
		}
	}
}

func TestEngine_PanickingTrialDoesNotWedgeBreaker(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
	}{
		{"no attempt timeout", 0},
		{"with attempt timeout", time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.BreakerFailureThreshold = 1
			cfg.BreakerOpenTimeout = config.Duration(time.Second)
			cfg.FetchTimeout = config.Duration(tt.timeout)
			e, clock := newTestEngine(t, cfg)
			ctx := context.Background()

			_, _ = e.GetWithRefresh(ctx, "acme:a", time.Minute, func(context.Context) ([]byte, error) {
				return nil, errors.New("upstream down")
			})
			clock.Advance(2 * time.Second)

			_, err := e.GetWithRefresh(ctx, "acme:b", time.Minute, func(context.Context) ([]byte, error) {
				panic("boom")
			})
			if err == nil {
				t.Fatal("panicking fetch should surface as an error")
			}
			if kind := refresh.ErrorKind(err); kind != "panic" {
				t.Errorf("ErrorKind = %q, want panic", kind)
			}

			clock.Advance(time.Hour)
			ok := &countingFetcher{value: "ok"}
			for _, key := range []string{"acme:c", "acme:d", "acme:e"} {
				if _, err := e.GetWithRefresh(ctx, key, time.Minute, ok.fetch); err != nil {
					t.Fatalf("GetWithRefresh(%s) error = %v, want breaker recovered", key, err)
				}
			}
			if ok.calls.Load() != 3 {
				t.Errorf("fetch calls = %d, want 3", ok.calls.Load())
			}
		})
	}
}

func TestEngine_InvalidateDuringFetch(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	release := make(chan struct{})
	got := make(chan string, 1)
	go func() {
		v, _ := e.GetWithRefresh(ctx, "acme:billing.lookup:1", time.Minute, func(context.Context) ([]byte, error) {
			<-release
			return []byte("before-invalidation"), nil
		})
		got <- string(v)
	}()
	waitFor(t, func() bool { _, ok := e.group.Pending("acme:billing.lookup:1"); return ok })

	if _, err := e.InvalidateCustomer(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	close(release)

	if v := <-got; v != "before-invalidation" {
		t.Errorf("waiting caller got %q, want the in-flight result", v)
	}
	if e.Has(ctx, "acme:billing.lookup:1") {
		t.Error("a fetch started before the invalidation must not repopulate the key")
	}
	if got := e.InvalidationStats().Detached; got != 1 {
		t.Errorf("Detached = %d, want 1", got)
	}

	f := &countingFetcher{value: "after"}
	if v, err := e.GetWithRefresh(ctx, "acme:billing.lookup:1", time.Minute, f.fetch); err != nil || string(v) != "after-1" {
		t.Errorf("GetWithRefresh after invalidation = (%q, %v), want (after-1, nil)", v, err)
	}
}

func TestEngine_FetchRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.FetchRateLimit = 1
	cfg.FetchBurst = 1
	cfg.FetchRateWait = 0
	cfg.BreakerFailureThreshold = 1
	e, clock := newTestEngine(t, cfg)
	ctx := context.Background()
	f := &countingFetcher{value: "v"}

	if _, err := e.GetWithRefresh(ctx, "acme:a", time.Minute, f.fetch); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GetWithRefresh(ctx, "acme:b", time.Minute, f.fetch); !errors.Is(err, resilience.ErrRateLimitExceeded) {
		t.Fatalf("second fetch error = %v, want ErrRateLimitExceeded", err)
	}
	if _, err := e.GetWithRefresh(ctx, "globex:a", time.Minute, f.fetch); err != nil {
		t.Errorf("other class error = %v, want its own budget", err)
	}

	for _, snap := range e.Breakers() {
		if snap.State != resilience.StateClosed {
			t.Errorf("breaker %s = %v, want closed; rate limiting is not an upstream failure", snap.Name, snap.State)
		}
		if snap.Name == "acme" && snap.RateLimited != 1 {
			t.Errorf("acme RateLimited = %d, want 1", snap.RateLimited)
		}
	}

	clock.Advance(time.Second)
	if _, err := e.GetWithRefresh(ctx, "acme:b", time.Minute, f.fetch); err != nil {
		t.Errorf("after refill error = %v", err)
	}
}

func TestEngine_WithObserver(t *testing.T) {
	var logs bytes.Buffer
	obs, err := observe.NewObserver(context.Background(), observe.Config{
		ServiceName: "toolcache",
		Logging:     observe.LoggingConfig{Enabled: true, Level: "debug", Writer: &logs},
	})
	if err != nil {
		t.Fatal(err)
	}
	e, _ := newTestEngine(t, testConfig(), WithObserver(obs))

	f := &countingFetcher{value: "v"}
	if _, err := e.GetWithRefresh(context.Background(), "acme:k", time.Minute, f.fetch); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(logs.String(), "upstream fetch completed") {
		t.Errorf("expected the fetch to be logged through the observer, got: %s", logs.String())
	}
}
