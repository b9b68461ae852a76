package runtime

import (
	"context"

	"github.com/LerianStudio/lib-courier/courier/log"
)

// SafeGo runs fn in a goroutine guarded by RecoverWithPolicy.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	SafeGoWithContext(context.Background(), logger, "", name, policy, func(context.Context) { fn() })
}

// SafeGoWithContext runs fn(ctx) in a goroutine guarded by RecoverWithPolicy.
func SafeGoWithContext(
	ctx context.Context,
	logger log.Logger,
	component, name string,
	policy PanicPolicy,
	fn func(context.Context),
) {
	go func() {
		defer RecoverWithPolicy(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}
