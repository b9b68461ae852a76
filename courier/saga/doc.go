// Package saga runs an ordered list of steps against a typed payload and,
// when a step fails, compensates the steps that already completed in reverse
// order.
//
// Progress is persisted through a StateStore after every transition so a
// restarted process can Resume an interrupted instance. Re-running the
// in-flight step on resume must be idempotent: the store does not tell
// "started" apart from "completed" below step granularity.
//
// A failed compensation is terminal. The instance ends FAILED and the caller
// receives a *CompensationError carrying both the original step failure and
// the compensation failure. Nothing retries it automatically.
package saga
