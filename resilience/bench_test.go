package resilience

import (
	"context"
	"testing"
	"time"
)

// BenchmarkCircuitBreaker_Execute_Closed measures happy path execution.
func BenchmarkCircuitBreaker_Execute_Closed(b *testing.B) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 100})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cb.Execute(ctx, succeed)
	}
}

// BenchmarkCircuitBreaker_Execute_Open measures rejection overhead.
func BenchmarkCircuitBreaker_Execute_Open(b *testing.B) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour})
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cb.Execute(ctx, succeed)
	}
}

// BenchmarkGuard_Concurrent measures a guarded call under contention.
func BenchmarkGuard_Concurrent(b *testing.B) {
	g := NewGuard(NewCircuitBreaker(CircuitBreakerConfig{}))
	ctx := context.Background()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = g.Execute(ctx, succeed)
		}
	})
}

// BenchmarkRegistry_Guard measures class lookup.
func BenchmarkRegistry_Guard(b *testing.B) {
	r := NewRegistry(RegistryConfig{})
	r.Guard("billing")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = r.Guard("billing")
	}
}
