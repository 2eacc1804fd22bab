package query

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/otero-dcs/fetchctl/backoff"
	"github.com/otero-dcs/fetchctl/cachemanager"
	"github.com/otero-dcs/fetchctl/cachestore"
	"github.com/otero-dcs/fetchctl/keyhash"
	"github.com/otero-dcs/fetchctl/pkg/logging"
	"github.com/otero-dcs/fetchctl/pkg/models"
	"github.com/otero-dcs/fetchctl/provider"
)

// DefaultTTL is the fallback TTL applied when Config.TTL is zero,
// mirroring the source's DEFAULT_TTL_DURATION constant (spec.md
// section 4.7).
const DefaultTTL = 5 * time.Minute

// Config is the recognized option set of spec.md section 4.7, encoded
// as a plain Go struct rather than a functional-options chain since
// every field is meaningful on its own and several are mandatory
// (QueryFn, Store) — matching the teacher's Config-struct convention
// (cache-manager/service.go's Config, warming/service.go's Config).
type Config[T, E any] struct {
	// QueryFn is the user fetch operation. Required.
	QueryFn func(ctx context.Context, key []any) (T, error)
	// Store is the cache collaborator backing this controller.
	// Required.
	Store cachestore.Store[T]
	// Provider is the shared pub/sub hub. If nil, a private one is
	// created (this controller then never shares single-flight or
	// fan-out with siblings).
	Provider *provider.Provider[T, E]

	RetryPolicy        backoff.Policy
	RetryHandleFn      func(attempt int, err error)
	KeepCacheOnErrorFn func(err error) bool
	ExtractTTLFn       func(data T, fallback time.Duration) time.Duration

	Fresh       time.Duration
	TTL         time.Duration
	Placeholder *T

	FilterFn func(current, next models.QueryState[T, E], meta models.StateMetadata) bool
	StateFn  func(ctx context.Context, next models.QueryState[T, E], meta models.StateMetadata, cache *cachemanager.Manager[T, E])
	DataFn   func(ctx context.Context, data T, meta models.StateMetadata, cache *cachemanager.Manager[T, E])
	ErrorFn  func(ctx context.Context, err E, meta models.StateMetadata, cache *cachemanager.Manager[T, E])

	KeyHashFn keyhash.Hasher

	// FetchRateLimiter throttles fetch launches when set (DOMAIN STACK
	// addition beyond spec.md, grounded on warming/service.go's origin
	// rate limiter).
	FetchRateLimiter *rate.Limiter

	// WrapError converts a queryFn failure into E. If nil and E is
	// error-shaped, the error is used as-is; otherwise the zero value
	// of E is used and the original error is neither kept nor logged.
	WrapError func(err error) E

	Log logging.Logger
}
