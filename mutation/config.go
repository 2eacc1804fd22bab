package mutation

import (
	"context"

	"github.com/otero-dcs/fetchctl/backoff"
	"github.com/otero-dcs/fetchctl/cachemanager"
	"github.com/otero-dcs/fetchctl/pkg/logging"
	"github.com/otero-dcs/fetchctl/pkg/models"
)

// Config is the recognized option set for a Mutation controller
// (spec.md section 4.6/4.7, restricted to the mutation-relevant
// subset: no cache-directive, no key, no single-flight).
type Config[I, T, E any] struct {
	// MutationFn is the user write operation. Required.
	MutationFn func(ctx context.Context, input I) (T, error)

	RetryPolicy   backoff.Policy
	RetryHandleFn func(attempt int, err error)

	Placeholder *T

	FilterFn func(current, next models.MutationState[T, E], meta models.StateMetadata) bool
	StateFn  func(ctx context.Context, next models.MutationState[T, E], meta models.StateMetadata, cache *cachemanager.Manager[T, E])
	DataFn   func(ctx context.Context, data T, meta models.StateMetadata, cache *cachemanager.Manager[T, E])
	ErrorFn  func(ctx context.Context, err E, meta models.StateMetadata, cache *cachemanager.Manager[T, E])

	// Cache is handed to handlers so they may call cacheManager.set(...)
	// to propagate a mutation result (spec.md section 4.6: "callers
	// may, inside their handlers, call cacheManager.set(...)"). Optional.
	Cache *cachemanager.Manager[T, E]

	// WrapError converts a mutationFn failure into E, same contract as
	// query.Config.WrapError.
	WrapError func(err error) E

	Log logging.Logger
}
