package observe

import (
	"context"
	"fmt"
	"time"
)

// FetchFunc is the signature of an upstream fetch.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Instrumenter wraps upstream fetches with tracing, latency metrics and
// logging.
//
// Contract:
//   - Concurrency: Wrap returns a FetchFunc safe for concurrent use.
//   - Context: the span context is propagated to the wrapped function.
//   - Errors: errors from the wrapped function are recorded and returned unchanged.
type Instrumenter struct {
	tracer   Tracer
	recorder Recorder
	logger   Logger
}

// NewInstrumenter creates an Instrumenter. Nil components are replaced by
// no-ops.
func NewInstrumenter(tracer Tracer, recorder Recorder, logger Logger) *Instrumenter {
	if tracer == nil {
		tracer = NewTracer(nil)
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Instrumenter{tracer: tracer, recorder: recorder, logger: logger}
}

// Wrap wraps fn with a span, a latency measurement and a log entry.
func (in *Instrumenter) Wrap(meta FetchMeta, fn FetchFunc) FetchFunc {
	if in == nil {
		return fn
	}
	return func(ctx context.Context) ([]byte, error) {
		ctx, span := in.tracer.StartSpan(ctx, meta)
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				in.tracer.EndSpan(span, fmt.Errorf("observe: fetch panicked: %v", r))
				panic(r)
			}
		}()

		value, err := fn(ctx)

		elapsed := time.Since(start)
		in.tracer.EndSpan(span, err)
		if in.recorder != nil {
			in.recorder.RecordFetch(ctx, meta.Operation, elapsed, err)
		}

		fields := []Field{
			F("operation", meta.Operation),
			F("background", meta.Background),
			F("duration_ms", float64(elapsed.Microseconds())/1000),
		}
		if meta.Breaker != "" {
			fields = append(fields, F("breaker", meta.Breaker))
		}
		if err != nil {
			fields = append(fields, F("error", err.Error()))
			in.logger.Warn(ctx, "upstream fetch failed", fields...)
		} else {
			fields = append(fields, F("bytes", len(value)))
			in.logger.Debug(ctx, "upstream fetch completed", fields...)
		}

		return value, err
	}
}

// InstrumenterFromObserver builds an Instrumenter from an Observer's tracer
// and logger, recording latency into recorder.
func InstrumenterFromObserver(obs Observer, recorder Recorder) (*Instrumenter, error) {
	if obs == nil {
		return nil, ErrNilObserver
	}
	return NewInstrumenter(NewTracer(obs.Tracer()), recorder, obs.Logger()), nil
}
