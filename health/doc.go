// Package health reports whether the cache engine can serve traffic.
//
// A Checker reports one component's Status: Healthy, Degraded, or
// Unhealthy. The package ships checkers for the engine's moving parts:
//
//   - BreakerChecker: unhealthy while any circuit breaker is open, degraded
//     while one is half-open.
//   - StoreChecker: degraded once entry or byte utilisation reaches the
//     warning ratio (90% by default).
//   - CoalescerChecker: degraded when too many fetches are in flight.
//
// An Aggregator runs registered checkers under a shared timeout and folds
// their results into one Report. The HTTP handlers expose the usual probe
// endpoints:
//
//	agg := health.NewAggregator()
//	agg.Register("breakers", health.NewBreakerChecker(registry))
//	agg.Register("store", health.NewStoreChecker(store, health.StoreCheckerConfig{}))
//	health.RegisterHandlers(mux, agg)
package health
