package health

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/jonwraymond/toolcache/cache"
	"github.com/jonwraymond/toolcache/resilience"
)

// BreakerSource lists circuit breaker states. *resilience.Registry
// satisfies it.
type BreakerSource interface {
	Snapshots() []resilience.BreakerSnapshot
}

// BreakerChecker maps breaker states to health: any open breaker is
// unhealthy, any half-open breaker is degraded.
type BreakerChecker struct {
	source BreakerSource
}

// NewBreakerChecker creates a BreakerChecker.
func NewBreakerChecker(source BreakerSource) *BreakerChecker {
	return &BreakerChecker{source: source}
}

func (c *BreakerChecker) Name() string { return "breakers" }

func (c *BreakerChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context cancelled", err)
	}

	var open, halfOpen []string
	states := make(map[string]any)
	for _, snap := range c.source.Snapshots() {
		states[snap.Name] = snap.State.String()
		switch snap.State {
		case resilience.StateOpen:
			open = append(open, snap.Name)
		case resilience.StateHalfOpen:
			halfOpen = append(halfOpen, snap.Name)
		}
	}

	switch {
	case len(open) > 0:
		return Unhealthy(fmt.Sprintf("%d circuit breaker(s) open: %v", len(open), open), ErrCheckFailed).
			WithDetails(states)
	case len(halfOpen) > 0:
		return Degraded(fmt.Sprintf("%d circuit breaker(s) half-open: %v", len(halfOpen), halfOpen)).
			WithDetails(states)
	default:
		return Healthy(fmt.Sprintf("%d circuit breaker(s) closed", len(states))).WithDetails(states)
	}
}

// StatsSource reports store statistics. *cache.Store satisfies it.
type StatsSource interface {
	Stats() cache.Stats
}

// StoreCheckerConfig configures a StoreChecker.
type StoreCheckerConfig struct {
	// WarningRatio is the utilisation at which the store reports degraded.
	// Value should be between 0 and 1. Default: 0.9
	WarningRatio float64
}

// StoreChecker reports store utilisation against its entry and byte
// budgets.
type StoreChecker struct {
	source StatsSource
	config StoreCheckerConfig
}

// NewStoreChecker creates a StoreChecker.
func NewStoreChecker(source StatsSource, config StoreCheckerConfig) *StoreChecker {
	if config.WarningRatio <= 0 || config.WarningRatio > 1 {
		config.WarningRatio = 0.9
	}
	return &StoreChecker{source: source, config: config}
}

func (c *StoreChecker) Name() string { return "store" }

func (c *StoreChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context cancelled", err)
	}

	st := c.source.Stats()
	usage := ratio(int64(st.Entries), int64(st.MaxEntries))
	if b := ratio(st.Bytes, st.MaxBytes); b > usage {
		usage = b
	}

	details := map[string]any{
		"entries":       st.Entries,
		"max_entries":   st.MaxEntries,
		"bytes":         humanize.IBytes(uint64(max(st.Bytes, 0))),
		"usage_percent": usage * 100,
		"hit_rate":      st.HitRate,
		"evictions":     st.Evictions,
	}
	if st.MaxBytes > 0 {
		details["max_bytes"] = humanize.IBytes(uint64(st.MaxBytes))
	}

	if usage >= c.config.WarningRatio {
		return Degraded(fmt.Sprintf("store utilisation high: %.1f%%", usage*100)).WithDetails(details)
	}
	return Healthy(fmt.Sprintf("store utilisation normal: %.1f%%", usage*100)).WithDetails(details)
}

func ratio(n, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(n) / float64(limit)
}

// InFlightSource reports pending fetches. *coalesce.Group satisfies it.
type InFlightSource interface {
	InFlight() int
}

// CoalescerChecker reports degraded once more than Max fetches are pending.
type CoalescerChecker struct {
	source InFlightSource
	max    int
}

// NewCoalescerChecker creates a CoalescerChecker. A limit <= 0 means 1000.
func NewCoalescerChecker(source InFlightSource, limit int) *CoalescerChecker {
	if limit <= 0 {
		limit = 1000
	}
	return &CoalescerChecker{source: source, max: limit}
}

func (c *CoalescerChecker) Name() string { return "coalescer" }

func (c *CoalescerChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context cancelled", err)
	}
	n := c.source.InFlight()
	details := map[string]any{"in_flight": n, "max": c.max}
	if n > c.max {
		return Degraded(fmt.Sprintf("%d fetches in flight", n)).WithDetails(details)
	}
	return Healthy(fmt.Sprintf("%d fetches in flight", n)).WithDetails(details)
}
