// Package exec implements the execution primitives shared by query and
// mutation: the retry loop (spec section 4.1's execAsyncOperation) and
// the handler-isolation guard (spec section 4.8's syncPromiseResolver).
//
// Grounded on warming/worker_pool.go's worker-goroutine retry loop
// shape and cache-manager/singleflight.go's call-sharing discipline.
package exec

import (
	"context"

	"github.com/otero-dcs/fetchctl/backoff"
	"github.com/otero-dcs/fetchctl/pkg/logging"
)

// Run executes op, retrying per policy on failure. onRetry is
// advisory: a panic or any error it triggers is isolated and logged,
// never propagated (spec.md section 7). Returns the first success or
// the last failure once policy.Delay signals give-up.
func Run[T any](
	ctx context.Context,
	op func(ctx context.Context) (T, error),
	policy backoff.Policy,
	onRetry func(attempt int, err error),
	log logging.Logger,
) (T, error) {
	attempt := 0
	for {
		result, err := op(ctx)
		if err == nil {
			policy.Notify(backoff.Success)
			return result, nil
		}

		policy.Notify(backoff.Fail)
		attempt++
		delay := policy.Delay(attempt, err)
		if delay < 0 {
			var zero T
			return zero, err
		}

		if ctxErr := waitFor(ctx, delay); ctxErr != nil {
			var zero T
			return zero, ctxErr
		}

		if onRetry != nil {
			invokeIsolated(func() { onRetry(attempt, err) }, log)
		}
	}
}

func invokeIsolated(fn func(), log logging.Logger) {
	defer func() {
		if r := recover(); r != nil && log != nil {
			log.Warnf("retry handler panicked: %v", r)
		}
	}()
	fn()
}

// SyncPromiseResolver invokes fn; if it returns an error, the error is
// logged and swallowed rather than propagated. Used wherever a user
// handler is invoked from within a publish/dispatch loop, so one
// failing handler never aborts a sibling's dispatch (spec.md section
// 4.8 / 7).
func SyncPromiseResolver(fn func() error, log logging.Logger) {
	defer func() {
		if r := recover(); r != nil && log != nil {
			log.Errorf("handler panicked: %v", r)
		}
	}()
	if err := fn(); err != nil && log != nil {
		log.Warnf("handler returned error: %v", err)
	}
}
