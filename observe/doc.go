// Package observe provides the telemetry surface of the cache engine.
//
// It bundles a JSON structured Logger, a metrics Collector that keeps
// cumulative per-operation cache counters and mirrors them into
// OpenTelemetry instruments, a Tracer for upstream fetch spans, and an
// Instrumenter that wraps fetch functions with all three. NewObserver wires
// the OpenTelemetry providers and exporters from a Config.
package observe
