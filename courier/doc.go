// Package courier holds process-wide helpers shared by the outbox, saga and
// transport subpackages: environment-driven configuration and context
// carriers for the logger and tracer.
//
// Typical usage at process start:
//
//	var cfg RelayConfig
//	if err := courier.SetConfigFromEnvVars(&cfg); err != nil { ... }
//	ctx = courier.ContextWithLogger(ctx, logger)
package courier
