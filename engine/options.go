package engine

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonwraymond/toolcache/observe"
	"github.com/jonwraymond/toolcache/persist"
)

type options struct {
	observer   observe.Observer
	logger     observe.Logger
	meter      metric.Meter
	tracer     trace.Tracer
	backend    persist.Backend
	classifier func(key string) string
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*options)

// WithObserver takes the logger, meter and tracer from obs.
func WithObserver(obs observe.Observer) Option {
	return func(o *options) {
		o.observer = obs
		o.logger = obs.Logger()
		o.meter = obs.Meter()
		o.tracer = obs.Tracer()
	}
}

// WithLogger sets the engine logger. Default: observe.NopLogger().
func WithLogger(l observe.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMeter sets the meter for cache instruments. Default: no-op.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithTracer sets the tracer for upstream fetch spans. Default: no-op.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithBackend overrides the persistence backend named in the config.
func WithBackend(b persist.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithClassifier maps keys to breaker classes.
// Default: resilience.PrefixClassifier(":")
func WithClassifier(fn func(key string) string) Option {
	return func(o *options) { o.classifier = fn }
}

// WithClock sets the time source for the store and breakers.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
