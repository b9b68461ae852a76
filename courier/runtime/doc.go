// Package runtime provides panic recovery for goroutines and deferred
// handlers. Recovered panics are logged with their stack and recorded as
// span events on the active span.
package runtime
