package observe

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/jonwraymond/toolcache/cache"
)

// DefaultOperation is the operation name used when a caller supplies none.
const DefaultOperation = "default"

// Recorder receives cache events.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: implementations must not panic and must return quickly.
type Recorder interface {
	RecordHit(ctx context.Context, op string)
	RecordMiss(ctx context.Context, op string)
	RecordCoalesced(ctx context.Context, op string)
	RecordEviction(ctx context.Context, reason string)
	RecordError(ctx context.Context, op, kind string)
	RecordStale(ctx context.Context, op string)
	RecordRefresh(ctx context.Context, op string)
	RecordFetch(ctx context.Context, op string, d time.Duration, err error)
}

// Counts is a point-in-time view of cache counters.
type Counts struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Coalesced   int64   `json:"coalesced_calls"`
	Evictions   int64   `json:"evictions"`
	Errors      int64   `json:"errors"`
	StaleServed int64   `json:"stale_served"`
	Refreshes   int64   `json:"refreshes"`
}

type opCounters struct {
	hits, misses, coalesced, errors, stale, refreshes atomic.Int64
}

func (c *opCounters) counts() Counts {
	out := Counts{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Coalesced:   c.coalesced.Load(),
		Errors:      c.errors.Load(),
		StaleServed: c.stale.Load(),
		Refreshes:   c.refreshes.Load(),
	}
	out.HitRate = cache.HitRate(out.Hits, out.Misses)
	return out
}

// Collector keeps cumulative cache counters per logical operation and
// mirrors every event into OpenTelemetry instruments.
type Collector struct {
	mu        sync.RWMutex
	ops       map[string]*opCounters
	evictions atomic.Int64

	hits      metric.Int64Counter
	misses    metric.Int64Counter
	coalesced metric.Int64Counter
	evicted   metric.Int64Counter
	errs      metric.Int64Counter
	stale     metric.Int64Counter
	refreshes metric.Int64Counter
	fetchDur  metric.Float64Histogram
	meter     metric.Meter
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a Collector whose instruments come from meter. A nil
// meter keeps the counters in memory only.
func NewCollector(meter metric.Meter) (*Collector, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("noop")
	}
	c := &Collector{ops: make(map[string]*opCounters), meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&c.hits, "cache.hits", "Reads served from the cache", "{hit}"},
		{&c.misses, "cache.misses", "Reads that required an upstream fetch", "{miss}"},
		{&c.coalesced, "cache.coalesced", "Callers that joined an in-flight fetch", "{call}"},
		{&c.evicted, "cache.evictions", "Entries removed by capacity or expiry", "{entry}"},
		{&c.errs, "cache.errors", "Failed fetches and refreshes", "{error}"},
		{&c.stale, "cache.stale_served", "Reads answered with an expired entry", "{hit}"},
		{&c.refreshes, "cache.refreshes", "Background refreshes started", "{refresh}"},
	}
	for _, def := range counters {
		inst, err := meter.Int64Counter(def.name,
			metric.WithDescription(def.desc),
			metric.WithUnit(def.unit),
		)
		if err != nil {
			return nil, err
		}
		*def.dst = inst
	}

	var err error
	c.fetchDur, err = meter.Float64Histogram(
		"cache.fetch.duration_ms",
		metric.WithDescription("Upstream fetch duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Float64ObservableGauge(
		"cache.hit_rate",
		metric.WithDescription("Cumulative hit rate in percent"),
		metric.WithUnit("%"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(c.Snapshot().HitRate)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// ObserveStore registers gauges reporting the store's entry count and
// approximate byte size on each collection.
func (c *Collector) ObserveStore(size func() (entries, bytes int64)) error {
	_, err := c.meter.Int64ObservableGauge(
		"cache.entries",
		metric.WithDescription("Entries currently held"),
		metric.WithUnit("{entry}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			n, _ := size()
			o.Observe(n)
			return nil
		}),
	)
	if err != nil {
		return err
	}
	_, err = c.meter.Int64ObservableGauge(
		"cache.bytes",
		metric.WithDescription("Approximate bytes currently held"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			_, b := size()
			o.Observe(b)
			return nil
		}),
	)
	return err
}

func (c *Collector) op(name string) *opCounters {
	if name == "" {
		name = DefaultOperation
	}
	c.mu.RLock()
	oc, ok := c.ops[name]
	c.mu.RUnlock()
	if ok {
		return oc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if oc, ok = c.ops[name]; !ok {
		oc = &opCounters{}
		c.ops[name] = oc
	}
	return oc
}

func opAttr(op string) metric.MeasurementOption {
	if op == "" {
		op = DefaultOperation
	}
	return metric.WithAttributes(attribute.String("cache.operation", op))
}

// RecordHit counts a read served from the cache.
func (c *Collector) RecordHit(ctx context.Context, op string) {
	c.op(op).hits.Add(1)
	c.hits.Add(ctx, 1, opAttr(op))
}

// RecordMiss counts a read that had to wait on the upstream.
func (c *Collector) RecordMiss(ctx context.Context, op string) {
	c.op(op).misses.Add(1)
	c.misses.Add(ctx, 1, opAttr(op))
}

// RecordCoalesced counts a caller that joined an in-flight fetch.
func (c *Collector) RecordCoalesced(ctx context.Context, op string) {
	c.op(op).coalesced.Add(1)
	c.coalesced.Add(ctx, 1, opAttr(op))
}

// RecordEviction counts a removed entry. Evictions are store-wide and are
// reported only in Snapshot totals.
func (c *Collector) RecordEviction(ctx context.Context, reason string) {
	c.evictions.Add(1)
	c.evicted.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.evict_reason", reason)))
}

// RecordError counts a failure. kind classifies it, e.g. "fetch" or
// "circuit_open".
func (c *Collector) RecordError(ctx context.Context, op, kind string) {
	c.op(op).errors.Add(1)
	if op == "" {
		op = DefaultOperation
	}
	c.errs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache.operation", op),
		attribute.String("error.kind", kind),
	))
}

// RecordStale counts a read answered with an expired entry.
func (c *Collector) RecordStale(ctx context.Context, op string) {
	c.op(op).stale.Add(1)
	c.stale.Add(ctx, 1, opAttr(op))
}

// RecordRefresh counts a background refresh that was started.
func (c *Collector) RecordRefresh(ctx context.Context, op string) {
	c.op(op).refreshes.Add(1)
	c.refreshes.Add(ctx, 1, opAttr(op))
}

// RecordFetch records upstream fetch latency.
func (c *Collector) RecordFetch(ctx context.Context, op string, d time.Duration, err error) {
	if op == "" {
		op = DefaultOperation
	}
	c.fetchDur.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("cache.operation", op),
		attribute.Bool("cache.error", err != nil),
	))
}

// Snapshot returns totals across every operation.
func (c *Collector) Snapshot() Counts {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out Counts
	for _, oc := range c.ops {
		n := oc.counts()
		out.Hits += n.Hits
		out.Misses += n.Misses
		out.Coalesced += n.Coalesced
		out.Errors += n.Errors
		out.StaleServed += n.StaleServed
		out.Refreshes += n.Refreshes
	}
	out.Evictions = c.evictions.Load()
	out.HitRate = cache.HitRate(out.Hits, out.Misses)
	return out
}

// Operation returns the counters for a single operation.
func (c *Collector) Operation(name string) Counts {
	if name == "" {
		name = DefaultOperation
	}
	c.mu.RLock()
	oc, ok := c.ops[name]
	c.mu.RUnlock()
	if !ok {
		return Counts{}
	}
	return oc.counts()
}

// Operations returns the sorted names of every operation seen so far.
func (c *Collector) Operations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.ops))
}

// Reset zeroes the in-memory counters. Exported instruments are cumulative
// and are not affected.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.ops = make(map[string]*opCounters)
	c.mu.Unlock()
	c.evictions.Store(0)
}
