package persist

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/toolcache/cache"
	"github.com/jonwraymond/toolcache/observe"
)

// Source is the store side of a snapshot. *cache.Store satisfies it.
type Source interface {
	Export() []cache.Record
	Import(ctx context.Context, records []cache.Record) (cache.ImportStats, error)
}

// Snapshotter saves a store to a backend and restores it on startup.
// Concurrent saves share one write.
type Snapshotter struct {
	source  Source
	backend Backend
	logger  observe.Logger
	saves   singleflight.Group
}

// SnapshotterOption configures a Snapshotter.
type SnapshotterOption func(*Snapshotter)

// WithSnapshotLogger sets the logger for save and restore events.
func WithSnapshotLogger(logger observe.Logger) SnapshotterOption {
	return func(s *Snapshotter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSnapshotter creates a Snapshotter for source and backend.
func NewSnapshotter(source Source, backend Backend, opts ...SnapshotterOption) *Snapshotter {
	s := &Snapshotter{source: source, backend: backend, logger: observe.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(observe.F("component", "persist"))
	return s
}

// Save exports the store and writes it to the backend. It returns the
// number of records written.
func (s *Snapshotter) Save(ctx context.Context) (int, error) {
	v, err, _ := s.saves.Do("save", func() (any, error) {
		start := time.Now()
		records := s.source.Export()
		if err := s.backend.Save(ctx, records); err != nil {
			return 0, err
		}
		s.logger.Debug(ctx, "snapshot saved",
			observe.F("records", len(records)),
			observe.F("duration_ms", time.Since(start).Milliseconds()))
		return len(records), nil
	})
	if err != nil {
		s.logger.Warn(ctx, "snapshot save failed", observe.F("error", err))
		return 0, err
	}
	return v.(int), nil
}

// Restore loads the backend's snapshot into the store. A missing snapshot
// is not an error and yields zero stats.
func (s *Snapshotter) Restore(ctx context.Context) (cache.ImportStats, error) {
	records, err := s.backend.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		s.logger.Info(ctx, "no snapshot to restore")
		return cache.ImportStats{}, nil
	}
	if err != nil {
		return cache.ImportStats{}, err
	}

	stats, err := s.source.Import(ctx, records)
	if err != nil {
		return stats, err
	}
	s.logger.Info(ctx, "snapshot restored",
		observe.F("loaded", stats.Loaded),
		observe.F("corrupt", stats.Corrupt),
		observe.F("expired", stats.Expired))
	return stats, nil
}

// Run saves every interval until ctx is done. Failed saves are logged and
// retried on the next tick.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Save(ctx)
		}
	}
}
