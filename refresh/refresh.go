package refresh

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonwraymond/toolcache/cache"
	"github.com/jonwraymond/toolcache/coalesce"
	"github.com/jonwraymond/toolcache/observe"
	"github.com/jonwraymond/toolcache/resilience"
)

// Fetcher loads the current value for a key from the upstream.
type Fetcher func(ctx context.Context) ([]byte, error)

// Config wires a Controller to its collaborators. Every field is optional.
type Config struct {
	// Defaults apply to every call before per-call options.
	Defaults Options

	// Guards supplies the breaker guard for each key class. Nil runs
	// fetches unguarded.
	Guards *resilience.Registry

	// Classifier maps a key to its breaker class.
	// Default: resilience.PrefixClassifier(":")
	Classifier func(key string) string

	// Background bounds concurrent background refreshes.
	// Default: resilience.NewBulkhead(10)
	Background *resilience.Bulkhead

	Instrumenter *observe.Instrumenter
	Metrics      observe.Recorder
	Logger       observe.Logger
}

// Controller serves reads with stale-while-revalidate semantics.
type Controller struct {
	store      *cache.Store
	group      *coalesce.Group[[]byte]
	defaults   Options
	guards     *resilience.Registry
	classify   func(string) string
	background *resilience.Bulkhead
	instrument *observe.Instrumenter
	metrics    observe.Recorder
	logger     observe.Logger

	skipped atomic.Int64
}

// New creates a Controller over store, coalescing fetches through group.
func New(store *cache.Store, group *coalesce.Group[[]byte], cfg Config) *Controller {
	if cfg.Classifier == nil {
		cfg.Classifier = resilience.PrefixClassifier(":")
	}
	if cfg.Background == nil {
		cfg.Background = resilience.NewBulkhead(10)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	return &Controller{
		store:      store,
		group:      group,
		defaults:   cfg.Defaults,
		guards:     cfg.Guards,
		classify:   cfg.Classifier,
		background: cfg.Background,
		instrument: cfg.Instrumenter,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With(observe.F("component", "refresh")),
	}
}

func (c *Controller) options(key string, opts []Option) Options {
	o := c.defaults
	for _, opt := range opts {
		opt(&o)
	}
	if o.Operation == "" {
		o.Operation = observe.DefaultOperation
	}
	if o.Breaker == "" {
		o.Breaker = c.classify(key)
	}
	return o
}

// Path reports how GetWithRefresh would serve key right now without
// touching the entry or starting a fetch.
func (c *Controller) Path(key string, opts ...Option) Path {
	o := c.options(key, opts)
	e, found := c.store.Peek(key)
	return Classify(e, found, c.store.Now(), o)
}

// GetWithRefresh returns the value for key, fetching it with fetch when the
// cached entry cannot be served. A fetched value is stored with ttl.
// Errors from a blocking fetch are returned unchanged; background refresh
// failures are logged and leave the cached entry intact.
func (c *Controller) GetWithRefresh(ctx context.Context, key string, ttl time.Duration, fetch Fetcher, opts ...Option) ([]byte, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, err
	}
	o := c.options(key, opts)

	e, found := c.store.Lookup(ctx, key)
	path := Classify(e, found, c.store.Now(), o)

	if path.Serves() {
		c.metrics.RecordHit(ctx, o.Operation)
		if path == PathStale {
			c.metrics.RecordStale(ctx, o.Operation)
		}
		if path.Refreshes() {
			c.refreshInBackground(ctx, key, ttl, fetch, o)
		}
		return e.Value, nil
	}

	c.metrics.RecordMiss(ctx, o.Operation)
	v, err := c.fetch(ctx, key, ttl, fetch, o, false)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// The caller gave up; the fetch carries on for other subscribers.
			return nil, err
		}
		c.metrics.RecordError(ctx, o.Operation, ErrorKind(err))
		if path == PathExpired && o.StaleOnError {
			c.metrics.RecordStale(ctx, o.Operation)
			c.logger.Warn(ctx, "serving expired entry after failed fetch",
				observe.F("operation", o.Operation),
				observe.F("breaker", o.Breaker),
				observe.F("error_kind", ErrorKind(err)),
				observe.F("error", err),
			)
			return e.Value, nil
		}
		return nil, err
	}
	return v, nil
}

// fetch runs the upstream call through the coalescer. The store write
// happens inside the coalesced factory so joiners never write twice.
func (c *Controller) fetch(ctx context.Context, key string, ttl time.Duration, fetch Fetcher, o Options, background bool) ([]byte, error) {
	call := c.instrument.Wrap(observe.FetchMeta{
		Operation:  o.Operation,
		Key:        key,
		Breaker:    o.Breaker,
		Background: background,
	}, observe.FetchFunc(fetch))

	var ran atomic.Bool
	v, err := c.group.Wrap(ctx, key, func(fctx context.Context) ([]byte, error) {
		ran.Store(true)

		var (
			v   []byte
			err error
		)
		if c.guards != nil {
			v, err = resilience.Run[[]byte](fctx, c.guards.Guard(o.Breaker), call)
		} else {
			v, err = call(fctx)
		}
		if err != nil {
			return nil, err
		}
		if fctx.Err() != nil {
			// Abandoned while the upstream was answering.
			return nil, fctx.Err()
		}
		if coalesce.Forgotten(fctx) {
			c.logger.Debug(fctx, "fetched value discarded after invalidation",
				observe.F("operation", o.Operation),
			)
			return v, nil
		}
		if err := c.store.Set(fctx, key, v, ttl); err != nil {
			c.metrics.RecordError(fctx, o.Operation, ErrorKind(err))
			c.logger.Warn(fctx, "fetched value not stored",
				observe.F("operation", o.Operation),
				observe.F("size", len(v)),
				observe.F("error", err),
			)
		}
		return v, nil
	})
	if !ran.Load() && (err == nil || ctx.Err() == nil) {
		c.metrics.RecordCoalesced(ctx, o.Operation)
	}
	return v, err
}

func (c *Controller) refreshInBackground(ctx context.Context, key string, ttl time.Duration, fetch Fetcher, o Options) {
	if _, pending := c.group.Pending(key); pending {
		c.skipped.Add(1)
		return
	}

	bg := context.WithoutCancel(ctx)
	started := c.background.Go(func() {
		c.metrics.RecordRefresh(bg, o.Operation)
		if _, err := c.fetch(bg, key, ttl, fetch, o, true); err != nil {
			c.metrics.RecordError(bg, o.Operation, ErrorKind(err))
			c.logger.Warn(bg, "background refresh failed",
				observe.F("operation", o.Operation),
				observe.F("breaker", o.Breaker),
				observe.F("error_kind", ErrorKind(err)),
				observe.F("error", err),
			)
		}
	})
	if !started {
		c.skipped.Add(1)
		c.logger.Debug(ctx, "background refresh skipped",
			observe.F("operation", o.Operation),
			observe.F("reason", "bulkhead_full"),
		)
	}
}

// Wait blocks until every background refresh started so far has finished.
func (c *Controller) Wait() {
	c.background.Wait()
}

// Skipped returns how many background refreshes were not started because a
// fetch was already pending or the bulkhead was full.
func (c *Controller) Skipped() int64 {
	return c.skipped.Load()
}

// ErrorKind classifies err for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, resilience.ErrRateLimitExceeded):
		return "rate_limited"
	case errors.Is(err, resilience.ErrPanic), errors.Is(err, coalesce.ErrPanic):
		return "panic"
	case errors.Is(err, coalesce.ErrCoalesceTimeout):
		return "coalesce_timeout"
	case errors.Is(err, resilience.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, cache.ErrSerialization):
		return "serialization"
	case errors.Is(err, cache.ErrValueTooLarge):
		return "too_large"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "fetch"
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordHit(context.Context, string)                         {}
func (nopRecorder) RecordMiss(context.Context, string)                        {}
func (nopRecorder) RecordCoalesced(context.Context, string)                   {}
func (nopRecorder) RecordEviction(context.Context, string)                    {}
func (nopRecorder) RecordError(context.Context, string, string)               {}
func (nopRecorder) RecordStale(context.Context, string)                       {}
func (nopRecorder) RecordRefresh(context.Context, string)                     {}
func (nopRecorder) RecordFetch(context.Context, string, time.Duration, error) {}
