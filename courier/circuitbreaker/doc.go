// Package circuitbreaker guards calls to an unreliable dependency with a
// failure-ratio circuit breaker.
//
// Callers ask AllowAttempt before each call and report the result with
// RecordOutcome. The breaker opens when the failure ratio inside the current
// sampling window reaches the configured threshold, refuses attempts for the
// break duration, then lets a single probe through in half-open state.
package circuitbreaker
