// Package resilience isolates callers from a failing upstream.
//
// # Patterns
//
//   - Circuit Breaker: rejects calls with CircuitOpenError after repeated
//     failures, then admits a single trial call once the open timeout has
//     elapsed.
//
//   - Retry: retries failed attempts with exponential, linear or constant
//     backoff.
//
//   - Timeout: bounds a single attempt.
//
//   - Bulkhead: bounds concurrent background work.
//
// Guard composes a breaker with optional retry and timeout, and Registry
// keeps one Guard per upstream class so that a failing class does not trip
// the others.
//
// # Usage
//
//	reg := resilience.NewRegistry(resilience.RegistryConfig{
//	    Breaker: resilience.CircuitBreakerConfig{
//	        FailureThreshold: 5,
//	        OpenTimeout:      30 * time.Second,
//	    },
//	    AttemptTimeout: 10 * time.Second,
//	})
//
//	v, err := resilience.Run(ctx, reg.Guard("billing"), fetchInvoice)
package resilience
