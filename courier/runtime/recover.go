package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PanicPolicy decides what happens after a panic has been logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging.
	CrashProcess
)

func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "KeepRunning"
	case CrashProcess:
		return "CrashProcess"
	default:
		return "Unknown"
	}
}

// RecoverAndLogWithContext must be deferred directly. It recovers a panic,
// logs it and marks the span in ctx as failed.
//
//	defer runtime.RecoverAndLogWithContext(ctx, logger, "outbox", "dispatcher_tick")
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		HandlePanicValue(ctx, logger, r, component, name)
	}
}

// RecoverWithPolicy is RecoverAndLogWithContext with an explicit policy.
func RecoverWithPolicy(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		HandlePanicValue(ctx, logger, r, component, name)

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// HandlePanicValue reports an already recovered panic value.
func HandlePanicValue(ctx context.Context, logger log.Logger, panicValue any, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	stack := debug.Stack()

	if !nilcheck.Interface(logger) {
		logger.Log(ctx, log.LevelError, "panic recovered",
			log.String("component", component),
			log.String("goroutine", name),
			log.String("panic", fmt.Sprint(panicValue)),
			log.String("stack", string(stack)),
		)
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("panic.recovered", trace.WithAttributes(
			attribute.String("panic.component", component),
			attribute.String("panic.goroutine", name),
			attribute.String("panic.value", fmt.Sprint(panicValue)),
		))
		span.SetStatus(codes.Error, "panic recovered")
	}
}

// PanicError carries a recovered panic value as an error.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// CallWithRecover runs fn and converts a panic into a *PanicError.
func CallWithRecover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()

	return fn()
}
