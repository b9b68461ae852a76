// Package opentelemetry wires tracer and meter providers for courier
// processes and carries the span and propagation helpers used by the
// outbox, saga and transport packages.
package opentelemetry
