package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jonwraymond/toolcache/observe"
	"github.com/jonwraymond/toolcache/persist"
)

// ErrInvalidConfig indicates a configuration value failed validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete engine configuration.
type Config struct {
	// MaxEntries bounds the number of cached entries.
	// Default: 10000
	MaxEntries int `toml:"max_entries" yaml:"max_entries"`

	// MaxMemoryMB bounds approximate cache memory in mebibytes. MaxMemory
	// takes precedence when both are set.
	MaxMemoryMB int `toml:"max_memory_mb" yaml:"max_memory_mb"`

	// MaxMemory bounds approximate cache memory as a humanized size such as
	// "64MiB". Empty means MaxMemoryMB applies.
	MaxMemory string `toml:"max_memory" yaml:"max_memory"`

	// DefaultTTL applies when a caller passes no TTL.
	// Default: 5m
	DefaultTTL Duration `toml:"default_ttl" yaml:"default_ttl"`

	// RefreshThreshold is the fraction of TTL after which reads trigger a
	// background refresh. 0 disables early refresh.
	// Default: 0
	RefreshThreshold float64 `toml:"refresh_threshold" yaml:"refresh_threshold"`

	// SoftTTL is how long past expiry an entry may still be served while it
	// refreshes. 0 disables stale serving.
	SoftTTL Duration `toml:"soft_ttl" yaml:"soft_ttl"`

	// StaleOnError serves an expired entry when its blocking refresh fails.
	StaleOnError bool `toml:"stale_on_error" yaml:"stale_on_error"`

	// BreakerFailureThreshold is the consecutive failures that open a
	// breaker.
	// Default: 5
	BreakerFailureThreshold int `toml:"breaker_failure_threshold" yaml:"breaker_failure_threshold"`

	// BreakerOpenTimeout is how long a breaker stays open before a trial.
	// Default: 30s
	BreakerOpenTimeout Duration `toml:"breaker_open_timeout" yaml:"breaker_open_timeout"`

	// AbandonedFetchTimeout bounds how long callers wait on one fetch.
	// Default: 30s
	AbandonedFetchTimeout Duration `toml:"abandoned_fetch_timeout" yaml:"abandoned_fetch_timeout"`

	// FetchAttempts is how many times a failed fetch is tried before the
	// failure counts against the breaker.
	// Default: 1
	FetchAttempts int `toml:"fetch_attempts" yaml:"fetch_attempts"`

	// FetchTimeout bounds each fetch attempt. 0 leaves attempts unbounded.
	FetchTimeout Duration `toml:"fetch_timeout" yaml:"fetch_timeout"`

	// FetchRateLimit caps fetch attempts per second for each upstream
	// class, retries included. 0 disables the limit.
	FetchRateLimit float64 `toml:"fetch_rate_limit" yaml:"fetch_rate_limit"`

	// FetchBurst is the number of attempts a class may make at once before
	// FetchRateLimit applies.
	// Default: 10
	FetchBurst int `toml:"fetch_burst" yaml:"fetch_burst"`

	// FetchRateWait is how long an attempt waits for the rate limiter
	// before failing with ErrRateLimitExceeded.
	// Default: 1s
	FetchRateWait Duration `toml:"fetch_rate_wait" yaml:"fetch_rate_wait"`

	// RetainStale is how long expired entries stay available for stale
	// reads before the janitor purges them.
	// Default: 1h
	RetainStale Duration `toml:"retain_stale" yaml:"retain_stale"`

	// PurgeInterval is how often the janitor runs. 0 disables it.
	// Default: 1m
	PurgeInterval Duration `toml:"purge_interval" yaml:"purge_interval"`

	// BackgroundRefreshLimit bounds concurrent background refreshes.
	// Default: 10
	BackgroundRefreshLimit int `toml:"background_refresh_limit" yaml:"background_refresh_limit"`

	Persistence Persistence `toml:"persistence" yaml:"persistence"`
	Observe     Observe     `toml:"observe" yaml:"observe"`
	Admin       Admin       `toml:"admin" yaml:"admin"`
}

// Persistence configures snapshots.
type Persistence struct {
	// Backend is one of none, file, sqlite, postgres or s3.
	// Default: none
	Backend string `toml:"backend" yaml:"backend"`
	Path    string `toml:"path" yaml:"path"`
	DSN     string `toml:"dsn" yaml:"dsn"`
	Table   string `toml:"table" yaml:"table"`
	Bucket  string `toml:"bucket" yaml:"bucket"`
	Key     string `toml:"key" yaml:"key"`
	Region  string `toml:"region" yaml:"region"`

	// Interval is how often the cache is snapshotted. 0 saves only on
	// shutdown.
	// Default: 5m
	Interval Duration `toml:"interval" yaml:"interval"`
}

// PersistConfig returns the backend configuration for persist.Open.
func (p Persistence) PersistConfig() persist.Config {
	return persist.Config{
		Backend: p.Backend,
		Path:    p.Path,
		DSN:     p.DSN,
		Table:   p.Table,
		Bucket:  p.Bucket,
		Key:     p.Key,
		Region:  p.Region,
	}
}

// Observe configures logging, metrics and tracing.
type Observe struct {
	// ServiceName identifies the process in telemetry.
	// Default: toolcache
	ServiceName string `toml:"service_name" yaml:"service_name"`

	// LogLevel is debug, info, warn or error.
	// Default: info
	LogLevel string `toml:"log_level" yaml:"log_level"`

	// MetricsExporter is otlp, prometheus, stdout or none.
	// Default: prometheus
	MetricsExporter string `toml:"metrics_exporter" yaml:"metrics_exporter"`

	// TracingExporter is otlp, jaeger, stdout or none.
	// Default: none
	TracingExporter string `toml:"tracing_exporter" yaml:"tracing_exporter"`

	// TraceSamplePct is the sampled fraction of traces, 0 to 1.
	// Default: 0.1
	TraceSamplePct float64 `toml:"trace_sample_pct" yaml:"trace_sample_pct"`
}

// Admin configures the operator HTTP server.
type Admin struct {
	// Addr is the listen address. Empty disables the server.
	// Default: :8080
	Addr string `toml:"addr" yaml:"addr"`

	// JWTSecret is the HS256 signing key for bearer tokens. Empty disables
	// authentication.
	JWTSecret   string `toml:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `toml:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `toml:"jwt_audience" yaml:"jwt_audience"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		MaxEntries:              10000,
		DefaultTTL:              Duration(5 * time.Minute),
		BreakerFailureThreshold: 5,
		BreakerOpenTimeout:      Duration(30 * time.Second),
		AbandonedFetchTimeout:   Duration(30 * time.Second),
		FetchAttempts:           1,
		FetchBurst:              10,
		FetchRateWait:           Duration(time.Second),
		RetainStale:             Duration(time.Hour),
		PurgeInterval:           Duration(time.Minute),
		BackgroundRefreshLimit:  10,
		Persistence: Persistence{
			Backend:  persist.BackendNone,
			Interval: Duration(5 * time.Minute),
		},
		Observe: Observe{
			ServiceName:     "toolcache",
			LogLevel:        "info",
			MetricsExporter: "prometheus",
			TracingExporter: "none",
			TraceSamplePct:  0.1,
		},
		Admin: Admin{
			Addr:            ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
	}
}

// MaxBytes returns the memory budget in bytes, or 0 when unbounded.
func (c Config) MaxBytes() (int64, error) {
	if c.MaxMemory != "" {
		n, err := humanize.ParseBytes(c.MaxMemory)
		if err != nil {
			return 0, fmt.Errorf("%w: max_memory: %v", ErrInvalidConfig, err)
		}
		return int64(n), nil
	}
	return int64(c.MaxMemoryMB) * humanize.MiByte, nil
}

// Validate checks every field and reports all problems at once.
func (c Config) Validate() error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, field, fmt.Sprintf(format, args...)))
	}

	if c.MaxEntries <= 0 {
		fail("max_entries", "must be positive, got %d", c.MaxEntries)
	}
	if c.MaxMemoryMB < 0 {
		fail("max_memory_mb", "must not be negative, got %d", c.MaxMemoryMB)
	}
	if _, err := c.MaxBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.DefaultTTL <= 0 {
		fail("default_ttl", "must be positive, got %s", c.DefaultTTL)
	}
	if c.RefreshThreshold < 0 || c.RefreshThreshold > 1 {
		fail("refresh_threshold", "must be between 0 and 1, got %v", c.RefreshThreshold)
	}
	if c.SoftTTL < 0 {
		fail("soft_ttl", "must not be negative, got %s", c.SoftTTL)
	}
	if c.BreakerFailureThreshold <= 0 {
		fail("breaker_failure_threshold", "must be positive, got %d", c.BreakerFailureThreshold)
	}
	if c.BreakerOpenTimeout <= 0 {
		fail("breaker_open_timeout", "must be positive, got %s", c.BreakerOpenTimeout)
	}
	if c.AbandonedFetchTimeout <= 0 {
		fail("abandoned_fetch_timeout", "must be positive, got %s", c.AbandonedFetchTimeout)
	}
	if c.FetchAttempts <= 0 {
		fail("fetch_attempts", "must be positive, got %d", c.FetchAttempts)
	}
	if c.FetchTimeout < 0 {
		fail("fetch_timeout", "must not be negative, got %s", c.FetchTimeout)
	}
	if c.FetchRateLimit < 0 {
		fail("fetch_rate_limit", "must not be negative, got %g", c.FetchRateLimit)
	}
	if c.FetchRateLimit > 0 && c.FetchBurst <= 0 {
		fail("fetch_burst", "must be positive when fetch_rate_limit is set, got %d", c.FetchBurst)
	}
	if c.FetchRateWait < 0 {
		fail("fetch_rate_wait", "must not be negative, got %s", c.FetchRateWait)
	}
	if c.RetainStale < 0 {
		fail("retain_stale", "must not be negative, got %s", c.RetainStale)
	}
	if c.PurgeInterval < 0 {
		fail("purge_interval", "must not be negative, got %s", c.PurgeInterval)
	}
	if c.BackgroundRefreshLimit <= 0 {
		fail("background_refresh_limit", "must be positive, got %d", c.BackgroundRefreshLimit)
	}
	if c.Persistence.Interval < 0 {
		fail("persistence.interval", "must not be negative, got %s", c.Persistence.Interval)
	}
	switch c.Persistence.Backend {
	case "", persist.BackendNone, persist.BackendFile, persist.BackendSQLite, persist.BackendPostgres, persist.BackendS3:
	default:
		fail("persistence.backend", "unknown backend %q", c.Persistence.Backend)
	}
	oc := c.ObserveConfig()
	if err := oc.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: observe: %w", ErrInvalidConfig, err))
	}
	return errors.Join(errs...)
}

// ObserveConfig returns the observability configuration. Logging is
// always enabled; an exporter of none disables its signal.
func (c Config) ObserveConfig() observe.Config {
	o := c.Observe
	return observe.Config{
		ServiceName: o.ServiceName,
		Tracing: observe.TracingConfig{
			Enabled:   o.TracingExporter != "" && o.TracingExporter != "none",
			Exporter:  o.TracingExporter,
			SamplePct: o.TraceSamplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  o.MetricsExporter != "" && o.MetricsExporter != "none",
			Exporter: o.MetricsExporter,
		},
		Logging: observe.LoggingConfig{
			Enabled: true,
			Level:   o.LogLevel,
		},
	}
}
