package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/toolcache/cache"
	"github.com/jonwraymond/toolcache/coalesce"
	"github.com/jonwraymond/toolcache/config"
	"github.com/jonwraymond/toolcache/health"
	"github.com/jonwraymond/toolcache/invalidate"
	"github.com/jonwraymond/toolcache/observe"
	"github.com/jonwraymond/toolcache/persist"
	"github.com/jonwraymond/toolcache/refresh"
	"github.com/jonwraymond/toolcache/resilience"
)

// ErrPersistenceDisabled indicates a snapshot operation on an engine with
// no persistence backend.
var ErrPersistenceDisabled = errors.New("engine: persistence is disabled")

// batchConcurrency bounds the concurrent fetches of one MGetWithRefresh.
const batchConcurrency = 8

// Engine is the cache service: store, coalescer, breakers, refresh policy,
// invalidation, metrics and health behind one API.
type Engine struct {
	cfg    config.Config
	logger observe.Logger

	store   *cache.Store
	group   *coalesce.Group[[]byte]
	guards  *resilience.Registry
	ctrl    *refresh.Controller
	index   *invalidate.Index
	metrics *observe.Collector
	health  *health.Aggregator

	backend   persist.Backend
	snapshots *persist.Snapshotter

	stop      context.CancelFunc
	loops     sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// New builds an Engine from cfg, restores the last snapshot when a backend
// is configured, and starts the janitor and snapshot loops.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	maxBytes, err := cfg.MaxBytes()
	if err != nil {
		return nil, err
	}

	o := options{logger: observe.NopLogger(), classifier: resilience.PrefixClassifier(":")}
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	logger := o.logger.With(observe.F("component", "engine"))

	collector, err := observe.NewCollector(o.meter)
	if err != nil {
		return nil, fmt.Errorf("engine: metrics: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
		closed:  make(chan struct{}),
	}

	bg := context.Background()
	e.store = cache.New(cache.Config{
		MaxEntries:  cfg.MaxEntries,
		MaxBytes:    maxBytes,
		RetainStale: cfg.RetainStale.D(),
		Now:         o.now,
		Hooks: cache.Hooks{
			OnHit:  func(string) { collector.RecordHit(bg, observe.DefaultOperation) },
			OnMiss: func(string) { collector.RecordMiss(bg, observe.DefaultOperation) },
			OnEvict: func(_ string, reason cache.EvictReason) {
				collector.RecordEviction(bg, reason.String())
			},
			OnCorrupt: func(key string, err error) {
				collector.RecordError(bg, observe.DefaultOperation, refresh.ErrorKind(err))
				logger.Warn(bg, "discarded undecodable entry",
					observe.F("key_length", len(key)), observe.F("error", err))
			},
		},
	})
	if err := collector.ObserveStore(func() (int64, int64) {
		st := e.store.Stats()
		return int64(st.Entries), st.Bytes
	}); err != nil {
		return nil, fmt.Errorf("engine: metrics: %w", err)
	}

	e.group = coalesce.New[[]byte](coalesce.Config{
		MaxDuration: cfg.AbandonedFetchTimeout.D(),
		OnAbandon: func(key string, elapsed time.Duration) {
			logger.Warn(bg, "fetch abandoned",
				observe.F("key_length", len(key)),
				observe.F("elapsed_ms", elapsed.Milliseconds()))
		},
	})

	var retry *resilience.Retry
	if cfg.FetchAttempts > 1 {
		retry = resilience.NewRetry(resilience.RetryConfig{
			MaxAttempts: cfg.FetchAttempts,
			OnRetry: func(attempt int, err error, delay time.Duration) {
				logger.Debug(bg, "retrying fetch",
					observe.F("attempt", attempt),
					observe.F("delay_ms", delay.Milliseconds()),
					observe.F("error", err))
			},
		})
	}
	var rateLimit *resilience.RateLimiterConfig
	if cfg.FetchRateLimit > 0 {
		rateLimit = &resilience.RateLimiterConfig{
			Rate:    cfg.FetchRateLimit,
			Burst:   cfg.FetchBurst,
			MaxWait: cfg.FetchRateWait.D(),
			Now:     o.now,
		}
	}
	e.guards = resilience.NewRegistry(resilience.RegistryConfig{
		Retry:          retry,
		AttemptTimeout: cfg.FetchTimeout.D(),
		RateLimit:      rateLimit,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			OpenTimeout:      cfg.BreakerOpenTimeout.D(),
			Now:              o.now,
			OnStateChange: func(name string, from, to resilience.State) {
				logger.Info(bg, "circuit breaker state changed",
					observe.F("breaker", name),
					observe.F("from", from.String()),
					observe.F("to", to.String()))
			},
		},
	})

	instrumenter := observe.NewInstrumenter(observe.NewTracer(o.tracer), collector, o.logger)
	if o.observer != nil {
		if instrumenter, err = observe.InstrumenterFromObserver(o.observer, collector); err != nil {
			return nil, fmt.Errorf("engine: instrumentation: %w", err)
		}
	}

	e.ctrl = refresh.New(e.store, e.group, refresh.Config{
		Defaults: refresh.Options{
			RefreshThreshold: cfg.RefreshThreshold,
			SoftTTL:          cfg.SoftTTL.D(),
			StaleOnError:     cfg.StaleOnError,
		},
		Guards:       e.guards,
		Classifier:   o.classifier,
		Background:   resilience.NewBulkhead(cfg.BackgroundRefreshLimit),
		Instrumenter: instrumenter,
		Metrics:      collector,
		Logger:       o.logger,
	})

	e.index = invalidate.New(e.store,
		invalidate.WithInFlight(e.group),
		invalidate.WithLogger(o.logger),
		invalidate.WithClock(o.now),
	)

	e.health = health.NewAggregator()
	e.health.Register("breakers", health.NewBreakerChecker(e.guards))
	e.health.Register("store", health.NewStoreChecker(e.store, health.StoreCheckerConfig{}))
	e.health.Register("coalescer", health.NewCoalescerChecker(e.group, 0))

	e.backend = o.backend
	if e.backend == nil {
		if e.backend, err = persist.Open(ctx, cfg.Persistence.PersistConfig()); err != nil {
			return nil, fmt.Errorf("engine: persistence: %w", err)
		}
	}
	if e.backend != nil {
		e.snapshots = persist.NewSnapshotter(e.store, e.backend, persist.WithSnapshotLogger(o.logger))
		if _, err := e.snapshots.Restore(ctx); err != nil {
			logger.Warn(ctx, "snapshot restore failed", observe.F("error", err))
		}
	}

	loopCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	e.stop = stop
	if interval := cfg.PurgeInterval.D(); interval > 0 {
		e.loops.Add(1)
		go e.janitor(loopCtx, interval)
	}
	if e.snapshots != nil && cfg.Persistence.Interval > 0 {
		e.loops.Add(1)
		go func() {
			defer e.loops.Done()
			e.snapshots.Run(loopCtx, cfg.Persistence.Interval.D())
		}()
	}

	logger.Info(ctx, "engine started",
		observe.F("max_entries", cfg.MaxEntries),
		observe.F("max_bytes", maxBytes),
		observe.F("persistence", cfg.Persistence.Backend))
	return e, nil
}

func (e *Engine) janitor(ctx context.Context, interval time.Duration) {
	defer e.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.store.PurgeExpired(ctx); n > 0 {
				e.logger.Debug(ctx, "purged expired entries", observe.F("count", n))
			}
		}
	}
}

// Get returns a fresh value for key.
func (e *Engine) Get(ctx context.Context, key string) ([]byte, bool) {
	return e.store.Get(ctx, key)
}

// Set stores value under key for ttl. A ttl <= 0 stores an entry that is
// already expired but still available to soft-TTL reads.
func (e *Engine) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return e.store.Set(ctx, key, value, ttl)
}

// Del removes key.
func (e *Engine) Del(ctx context.Context, key string) error {
	e.group.Forget(key)
	return e.store.Delete(ctx, key)
}

// Has reports whether key holds a fresh value.
func (e *Engine) Has(ctx context.Context, key string) bool {
	return e.store.Has(ctx, key)
}

// MGet returns the servable values among keys: fresh ones, plus entries
// inside the soft TTL when one is configured. Other keys are omitted.
func (e *Engine) MGet(ctx context.Context, keys []string) map[string][]byte {
	if soft := e.cfg.SoftTTL.D(); soft > 0 {
		return e.store.MGetStale(ctx, keys, soft)
	}
	return e.store.MGet(ctx, keys)
}

// MSet stores every item.
func (e *Engine) MSet(ctx context.Context, items []cache.Item) error {
	return e.store.MSet(ctx, items)
}

// GetWithRefresh serves key with stale-while-revalidate semantics, calling
// fetch at most once per key across concurrent callers.
func (e *Engine) GetWithRefresh(ctx context.Context, key string, ttl time.Duration, fetch refresh.Fetcher, opts ...refresh.Option) ([]byte, error) {
	return e.ctrl.GetWithRefresh(ctx, key, ttl, fetch, opts...)
}

// KeyFetcher fetches the value of one key in a batch.
type KeyFetcher func(ctx context.Context, key string) ([]byte, error)

// MGetWithRefresh runs GetWithRefresh for every key concurrently. It
// returns the values that could be served together with the joined errors
// of the keys that could not.
func (e *Engine) MGetWithRefresh(ctx context.Context, keys []string, ttl time.Duration, fetch KeyFetcher, opts ...refresh.Option) (map[string][]byte, error) {
	var (
		mu   sync.Mutex
		out  = make(map[string][]byte, len(keys))
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(batchConcurrency)

	for _, key := range keys {
		g.Go(func() error {
			v, err := e.ctrl.GetWithRefresh(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
				return fetch(ctx, key)
			}, opts...)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return nil
			}
			out[key] = v
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(errs...)
}

// Path reports how GetWithRefresh would serve key right now.
func (e *Engine) Path(key string, opts ...refresh.Option) refresh.Path {
	return e.ctrl.Path(key, opts...)
}

// ScanKeys returns the keys matching pattern.
func (e *Engine) ScanKeys(pattern string) ([]string, error) {
	return e.store.ScanKeys(pattern)
}

// ScanAndDelete removes every key matching pattern and returns the count.
func (e *Engine) ScanAndDelete(ctx context.Context, pattern string) (int, error) {
	return e.index.Invalidate(ctx, pattern)
}

// Invalidate is ScanAndDelete.
func (e *Engine) Invalidate(ctx context.Context, pattern string) (int, error) {
	return e.index.Invalidate(ctx, pattern)
}

// InvalidateCustomer removes every key of customer.
func (e *Engine) InvalidateCustomer(ctx context.Context, customer string) (int, error) {
	return e.index.InvalidateCustomer(ctx, customer)
}

// InvalidateDomain removes every key of customer in domain.
func (e *Engine) InvalidateDomain(ctx context.Context, customer, domain string) (int, error) {
	return e.index.InvalidateDomain(ctx, customer, domain)
}

// InvalidateKeys removes the given keys.
func (e *Engine) InvalidateKeys(ctx context.Context, keys ...string) (int, error) {
	return e.index.InvalidateKeys(ctx, keys...)
}

// GetMetrics returns the engine-wide counters.
func (e *Engine) GetMetrics() observe.Counts {
	return e.metrics.Snapshot()
}

// OperationMetrics returns the counters of one operation.
func (e *Engine) OperationMetrics(name string) observe.Counts {
	return e.metrics.Operation(name)
}

// Operations lists the operations with recorded activity.
func (e *Engine) Operations() []string {
	return e.metrics.Operations()
}

// Stats returns store statistics.
func (e *Engine) Stats() cache.Stats {
	return e.store.Stats()
}

// CoalesceStats returns coalescer statistics.
func (e *Engine) CoalesceStats() coalesce.Stats {
	return e.group.Stats()
}

// InvalidationStats returns invalidation totals.
func (e *Engine) InvalidationStats() invalidate.Stats {
	return e.index.Stats()
}

// Breakers returns every breaker's state.
func (e *Engine) Breakers() []resilience.BreakerSnapshot {
	return e.guards.Snapshots()
}

// Health returns the engine's health aggregator. Callers may register
// their own checkers on it.
func (e *Engine) Health() *health.Aggregator {
	return e.health
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// FlushAll removes every entry.
func (e *Engine) FlushAll(ctx context.Context) {
	e.group.ForgetMatching(func(string) bool { return true })
	e.store.FlushAll(ctx)
	e.logger.Info(ctx, "cache flushed")
}

// Snapshot saves the store to the persistence backend.
func (e *Engine) Snapshot(ctx context.Context) (int, error) {
	if e.snapshots == nil {
		return 0, ErrPersistenceDisabled
	}
	return e.snapshots.Save(ctx)
}

// Restore loads the last snapshot into the store.
func (e *Engine) Restore(ctx context.Context) (cache.ImportStats, error) {
	if e.snapshots == nil {
		return cache.ImportStats{}, ErrPersistenceDisabled
	}
	return e.snapshots.Restore(ctx)
}

// Close stops the background loops, waits for background refreshes until
// ctx is done, saves a final snapshot and releases the backend. Close is
// idempotent.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.stop()
		e.loops.Wait()

		drained := make(chan struct{})
		go func() {
			e.ctrl.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			e.logger.Warn(ctx, "background refreshes still running at shutdown")
		}

		var errs []error
		if e.snapshots != nil {
			if _, err := e.snapshots.Save(context.WithoutCancel(ctx)); err != nil {
				errs = append(errs, fmt.Errorf("final snapshot: %w", err))
			}
		}
		if c, ok := e.backend.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close backend: %w", err))
			}
		}
		e.closeErr = errors.Join(errs...)
		e.logger.Info(ctx, "engine stopped")
	})
	return e.closeErr
}

// Done is closed once Close has started.
func (e *Engine) Done() <-chan struct{} {
	return e.closed
}
