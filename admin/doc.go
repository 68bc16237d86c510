// Package admin serves the cache's operational HTTP API.
//
// Routes:
//
//	GET  /healthz                 liveness
//	GET  /readyz                  readiness (503 when unhealthy)
//	GET  /health, /health/{name}  detailed health
//	GET  /metrics                 Prometheus exposition
//	GET  /v1/metrics              hit/miss counters, total and per operation
//	GET  /v1/stats                store, coalescer and invalidation statistics
//	GET  /v1/breakers             circuit breaker states
//	POST /v1/invalidate           pattern, customer, domain or key invalidation
//	POST /v1/flush                remove every entry
//	POST /v1/snapshot             save a snapshot to the persistence backend
//
// The /v1 routes require an HS256 bearer token when an Authenticator is
// configured. Health and Prometheus routes are always open.
package admin
