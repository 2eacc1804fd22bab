// Package query implements QueryCore and the user-facing Query
// façade: the cache-directive state machine of spec.md section 4.5,
// coordinated with sibling controllers through single-flight joins on
// the shared provider and the cache manager's mutation/invalidation
// events.
//
// Grounded on cache-manager/service.go's Service shape generalized
// into a generic controller, and warming/worker_pool.go's retry-loop
// discipline via the exec package.
package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/otero-dcs/fetchctl/backoff"
	"github.com/otero-dcs/fetchctl/cachemanager"
	"github.com/otero-dcs/fetchctl/exec"
	"github.com/otero-dcs/fetchctl/internal/hotcell"
	"github.com/otero-dcs/fetchctl/keyhash"
	"github.com/otero-dcs/fetchctl/pkg/logging"
	"github.com/otero-dcs/fetchctl/pkg/models"
	"github.com/otero-dcs/fetchctl/provider"
)

// ExecutionResult is QueryCore's execute() return value (spec.md
// section 4.5). Next is non-nil only when a background fetch was
// launched (the Stale directive's stale-hit path); calling it is
// idempotent and safe from multiple goroutines.
type ExecutionResult[T, E any] struct {
	State models.QueryState[T, E]
	Next  func(ctx context.Context) (*models.QueryState[T, E], error)
}

// dynamicHasher routes every Hash call through a hotcell so that
// Query's SetKeyHashFn and the cachemanager it constructs always
// agree on the current hasher, even after a runtime swap.
type dynamicHasher struct {
	cell *hotcell.Cell[keyhash.Hasher]
}

func (d dynamicHasher) Hash(key []any) string { return d.cell.Load().Hash(key) }

// Query is the user-facing controller façade binding a Config to a
// running QueryCore instance.
type Query[T, E any] struct {
	cache  *cachemanager.Manager[T, E]
	pub    *provider.Provider[T, E]
	hasher *hotcell.Cell[keyhash.Hasher]

	queryFn            *hotcell.Cell[func(ctx context.Context, key []any) (T, error)]
	retryPolicy        backoff.Policy
	retryHandleFn      *hotcell.Cell[func(attempt int, err error)]
	keepCacheOnErrorFn *hotcell.Cell[func(err error) bool]
	extractTTLFn       *hotcell.Cell[func(data T, fallback time.Duration) time.Duration]
	filterFn           *hotcell.Cell[func(current, next models.QueryState[T, E], meta models.StateMetadata) bool]
	stateFn            *hotcell.Cell[func(context.Context, models.QueryState[T, E], models.StateMetadata, *cachemanager.Manager[T, E])]
	dataFn             *hotcell.Cell[func(context.Context, T, models.StateMetadata, *cachemanager.Manager[T, E])]
	errorFn            *hotcell.Cell[func(context.Context, E, models.StateMetadata, *cachemanager.Manager[T, E])]
	wrapError          func(error) E

	fresh       time.Duration
	ttl         time.Duration
	placeholder *T
	rateLimiter rateLimiter
	log         logging.Logger

	handle *provider.SubscriberHandle[T, E]

	mu           sync.RWMutex
	state        models.QueryState[T, E]
	currentTopic string
	currentKey   []any

	disposed atomic.Bool
	stats    models.Stats
}

// rateLimiter is the narrow slice of *rate.Limiter the fetch path
// needs, kept as an interface so tests don't need a real token
// bucket.
type rateLimiter interface {
	Wait(ctx context.Context) error
}

// New constructs a Query controller. QueryFn and Store are required.
func New[T, E any](cfg Config[T, E]) *Query[T, E] {
	pub := cfg.Provider
	if pub == nil {
		pub = provider.New[T, E]()
	}
	hasher := cfg.KeyHashFn
	if hasher == nil {
		hasher = keyhash.NewCanonicalHasher()
	}
	log := cfg.Log
	if log == nil {
		log = logging.Nop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	retryPolicy := cfg.RetryPolicy
	if retryPolicy == nil {
		retryPolicy = backoff.NewNoRetryPolicy()
	}
	keepOnErr := cfg.KeepCacheOnErrorFn
	if keepOnErr == nil {
		keepOnErr = func(error) bool { return false }
	}
	extractTTL := cfg.ExtractTTLFn
	if extractTTL == nil {
		extractTTL = func(_ T, fallback time.Duration) time.Duration { return fallback }
	}
	wrapErr := cfg.WrapError
	if wrapErr == nil {
		wrapErr = defaultWrapError[E]
	}

	hasherCell := hotcell.New(hasher)

	q := &Query[T, E]{
		pub:                pub,
		hasher:             hasherCell,
		queryFn:            hotcell.New(cfg.QueryFn),
		retryPolicy:        retryPolicy,
		retryHandleFn:      hotcell.New(cfg.RetryHandleFn),
		keepCacheOnErrorFn: hotcell.New(keepOnErr),
		extractTTLFn:       hotcell.New(extractTTL),
		filterFn:           hotcell.New(cfg.FilterFn),
		stateFn:            hotcell.New(cfg.StateFn),
		dataFn:             hotcell.New(cfg.DataFn),
		errorFn:            hotcell.New(cfg.ErrorFn),
		wrapError:          wrapErr,
		fresh:              cfg.Fresh,
		ttl:                ttl,
		placeholder:        cfg.Placeholder,
		log:                log,
		state:              models.Idle[T, E](cfg.Placeholder),
	}
	if cfg.FetchRateLimiter != nil {
		q.rateLimiter = cfg.FetchRateLimiter
	}
	q.cache = cachemanager.New[T, E](cfg.Store, dynamicHasher{cell: hasherCell}, pub, cachemanager.WithLogger[T, E](log))
	q.handle = provider.NewSubscriberHandle[T, E](pub, q.onProviderEvent)
	return q
}

func defaultWrapError[E any](err error) E {
	var zero E
	if wrapped, ok := any(err).(E); ok {
		return wrapped
	}
	return zero
}

// Setters for the mutable function slots spec.md section 9 requires
// (hot-swappable; an in-flight retry loop keeps the value it started
// with, only the next fetch picks up a swap).

func (q *Query[T, E]) SetQueryFn(fn func(ctx context.Context, key []any) (T, error)) {
	q.queryFn.Store(fn)
}
func (q *Query[T, E]) SetFilterFn(fn func(current, next models.QueryState[T, E], meta models.StateMetadata) bool) {
	q.filterFn.Store(fn)
}
func (q *Query[T, E]) SetRetryHandleFn(fn func(attempt int, err error)) { q.retryHandleFn.Store(fn) }
func (q *Query[T, E]) SetKeepCacheOnErrorFn(fn func(err error) bool)    { q.keepCacheOnErrorFn.Store(fn) }
func (q *Query[T, E]) SetExtractTTLFn(fn func(data T, fallback time.Duration) time.Duration) {
	q.extractTTLFn.Store(fn)
}
func (q *Query[T, E]) SetStateFn(fn func(context.Context, models.QueryState[T, E], models.StateMetadata, *cachemanager.Manager[T, E])) {
	q.stateFn.Store(fn)
}
func (q *Query[T, E]) SetDataFn(fn func(context.Context, T, models.StateMetadata, *cachemanager.Manager[T, E])) {
	q.dataFn.Store(fn)
}
func (q *Query[T, E]) SetErrorFn(fn func(context.Context, E, models.StateMetadata, *cachemanager.Manager[T, E])) {
	q.errorFn.Store(fn)
}
func (q *Query[T, E]) SetKeyHashFn(h keyhash.Hasher) { q.hasher.Store(h) }

// Execute runs the cache-directive state machine of spec.md section
// 4.5. directive's zero value is DirectiveStale, matching the spec's
// documented default.
func (q *Query[T, E]) Execute(ctx context.Context, key []any, directive models.CacheDirective) ExecutionResult[T, E] {
	if q.disposed.Load() {
		return ExecutionResult[T, E]{State: q.getState()}
	}

	topic := q.hasher.Load().Hash(key)
	q.ensureSubscribed(topic, key)

	switch directive {
	case models.DirectiveFresh:
		return q.executeFresh(ctx, key, topic)
	case models.DirectiveNoCache:
		return q.executeNoCache(ctx, key, topic, models.DirectiveNoCache)
	default:
		return q.executeStale(ctx, key, topic)
	}
}

func (q *Query[T, E]) executeFresh(ctx context.Context, key []any, topic string) ExecutionResult[T, E] {
	entry, ok := q.cache.GetEntry(ctx, key)
	if ok && entry.Fresh(time.Now(), q.fresh) {
		q.stats.CacheHit.Add(1)
		state := models.Success[T, E](entry.Data)
		final := q.transition(state, models.StateMetadata{Origin: models.OriginSelf, Source: models.SourceCache, Directive: models.DirectiveFresh}, true)
		return ExecutionResult[T, E]{State: final}
	}
	q.stats.CacheMiss.Add(1)
	return q.executeNoCache(ctx, key, topic, models.DirectiveFresh)
}

func (q *Query[T, E]) executeStale(ctx context.Context, key []any, topic string) ExecutionResult[T, E] {
	entry, ok := q.cache.GetEntry(ctx, key)
	if !ok {
		q.stats.CacheMiss.Add(1)
		return q.executeNoCache(ctx, key, topic, models.DirectiveStale)
	}

	q.stats.CacheHit.Add(1)
	if entry.Fresh(time.Now(), q.fresh) {
		state := models.Success[T, E](entry.Data)
		final := q.transition(state, models.StateMetadata{Origin: models.OriginSelf, Source: models.SourceCache, Directive: models.DirectiveStale}, true)
		return ExecutionResult[T, E]{State: final}
	}

	staleState := models.Stale[T, E](entry.Data)
	final := q.transition(staleState, models.StateMetadata{Origin: models.OriginSelf, Source: models.SourceCache, Directive: models.DirectiveStale}, true)

	promise, launched := q.pub.LaunchOrJoin(ctx, topic, q.buildFetch(key))
	return ExecutionResult[T, E]{State: final, Next: q.nextFunc(promise, launched)}
}

func (q *Query[T, E]) executeNoCache(ctx context.Context, key []any, topic string, directive models.CacheDirective) ExecutionResult[T, E] {
	prev := q.getState()
	loading := models.Loading[T, E](prev.Data)
	q.transition(loading, models.StateMetadata{Origin: models.OriginSelf, Source: models.SourceQuery, Directive: directive}, true)

	promise, launched := q.pub.LaunchOrJoin(ctx, topic, q.buildFetch(key))
	if promise == nil {
		return ExecutionResult[T, E]{State: q.getState()}
	}

	state, err := promise.Wait(ctx)
	if err != nil {
		return ExecutionResult[T, E]{State: q.getState()}
	}

	final := q.transition(state, models.StateMetadata{Origin: models.OriginSelf, Source: models.SourceQuery, Directive: directive}, q.shouldBroadcast(state, launched))
	return ExecutionResult[T, E]{State: final}
}

// shouldBroadcast decides whether this controller's own post-fetch
// transition still needs to fan out to siblings. A Success already
// reached every other subscriber through cachemanager's mutation
// publish from buildFetch's Set call, so re-broadcasting it here would
// double-dispatch sibling handlers. An Error carries no accompanying
// cache write, so only the controller that actually launched the
// fetch (not one that merely joined it) reports it to siblings.
func (q *Query[T, E]) shouldBroadcast(state models.QueryState[T, E], launched bool) bool {
	return launched && state.Status == models.StatusError
}

// nextFunc wraps a background-fetch promise into the idempotent
// next() spec.md section 4.5 requires: the first caller (from any
// goroutine) applies the resulting transition via handler dispatch;
// every caller, first or not, receives the settled state.
func (q *Query[T, E]) nextFunc(promise *provider.ObservablePromise[models.QueryState[T, E]], launched bool) func(ctx context.Context) (*models.QueryState[T, E], error) {
	if promise == nil {
		return func(ctx context.Context) (*models.QueryState[T, E], error) { return nil, nil }
	}
	var once sync.Once
	return func(ctx context.Context) (*models.QueryState[T, E], error) {
		state, err := promise.Wait(ctx)
		if err != nil {
			return nil, err
		}
		once.Do(func() {
			q.transition(state, models.StateMetadata{Origin: models.OriginSelf, Source: models.SourceBackgroundQuery}, q.shouldBroadcast(state, launched))
		})
		result := state
		return &result, nil
	}
}

// buildFetch snapshots every *Fn slot this fetch will use, so a swap
// made mid-retry never affects the execution already underway
// (spec.md scenario S5).
func (q *Query[T, E]) buildFetch(key []any) func(ctx context.Context) (models.QueryState[T, E], error) {
	queryFn := q.queryFn.Load()
	policy := q.retryPolicy
	retryHandle := q.retryHandleFn.Load()
	keepOnErr := q.keepCacheOnErrorFn.Load()
	extractTTL := q.extractTTLFn.Load()
	ttl := q.ttl
	wrapErr := q.wrapError
	limiter := q.rateLimiter
	listenerID := q.handle.ListenerID()
	log := q.log

	return func(ctx context.Context) (models.QueryState[T, E], error) {
		if queryFn == nil {
			var zero T
			q.cache.Set(detachedContext(ctx), key, zero, extractTTL(zero, ttl), listenerID)
			return models.Success[T, E](zero), nil
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return models.QueryState[T, E]{}, err
			}
		}

		data, err := exec.Run(ctx, func(ctx context.Context) (T, error) {
			return queryFn(ctx, key)
		}, policy, retryHandle, log)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return models.QueryState[T, E]{}, err
			}
			if !keepOnErr(err) {
				q.cache.Delete(detachedContext(ctx), key, listenerID)
				q.stats.CacheDeleteOnError.Add(1)
			}
			return models.ErrorState[T, E](wrapErr(err)), nil
		}

		q.cache.Set(detachedContext(ctx), key, data, extractTTL(data, ttl), listenerID)
		return models.Success[T, E](data), nil
	}
}

// detachedContext preserves the deadline-free, cancellation-free
// parts of ctx so a cache write started as part of a fetch still
// completes even if the caller's own context is canceled once the
// fetch itself has already produced a result.
func detachedContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// onProviderEvent is the listener installed on this controller's
// SubscriberHandle: it applies transitions published by sibling
// controllers (origin already rewritten to Provider) and reacts to
// invalidation by scheduling a background revalidation, per spec.md
// section 4.5's invalidation-reception rule.
func (q *Query[T, E]) onProviderEvent(ev provider.Event[T, E]) {
	if q.disposed.Load() {
		return
	}
	switch ev.Kind {
	case provider.EventTransition:
		q.transition(ev.State, ev.Metadata, false)
	case provider.EventInvalidation:
		if q.getState().Status == models.StatusError {
			return
		}
		go q.backgroundRevalidate()
	}
}

func (q *Query[T, E]) backgroundRevalidate() {
	q.mu.RLock()
	key := q.currentKey
	topic := q.currentTopic
	q.mu.RUnlock()
	if key == nil || topic == "" {
		return
	}

	promise, launched := q.pub.LaunchOrJoin(context.Background(), topic, q.buildFetch(key))
	if promise == nil {
		return
	}
	state, err := promise.Wait(context.Background())
	if err != nil {
		return
	}
	q.transition(state, models.StateMetadata{Origin: models.OriginSelf, Source: models.SourceBackgroundQuery}, q.shouldBroadcast(state, launched))
}

// transition applies next as a candidate transition: it runs filterFn
// (admitting on panic — the spec's FilterError contract), updates
// local state and stats, dispatches handlers, and — if publish is
// true and this transition originated locally — fans it out to
// sibling controllers with origin rewritten to Provider. Events
// arriving FROM the provider (publish=false) are applied without a
// further broadcast, preventing an echo loop. meta is stamped with a
// CorrelationID if the caller didn't already set one, so the
// transition can be traced end to end through sibling controllers.
func (q *Query[T, E]) transition(next models.QueryState[T, E], meta models.StateMetadata, publish bool) models.QueryState[T, E] {
	if q.disposed.Load() {
		return next
	}

	if meta.CorrelationID == "" {
		meta.CorrelationID = uuid.NewString()
	}

	q.stats.EventsProcessed.Add(1)

	q.mu.Lock()
	current := q.state
	admit := q.admitTransition(current, next, meta)
	if !admit {
		q.mu.Unlock()
		q.stats.EventsFiltered.Add(1)
		return current
	}
	q.state = next
	q.stats.RecordDirective(meta.Directive)
	q.mu.Unlock()

	q.dispatch(next, meta)

	if publish {
		broadcastMeta := meta
		broadcastMeta.Origin = models.OriginProvider
		q.handle.Publish(provider.Event[T, E]{Kind: provider.EventTransition, State: next, Metadata: broadcastMeta})
	}
	return next
}

func (q *Query[T, E]) admitTransition(current, next models.QueryState[T, E], meta models.StateMetadata) (admit bool) {
	filterFn := q.filterFn.Load()
	if filterFn == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Warnf("query: filterFn panicked, admitting transition: %v", r)
			admit = true
		}
	}()
	return filterFn(current, next, meta)
}

func (q *Query[T, E]) dispatch(next models.QueryState[T, E], meta models.StateMetadata) {
	if stateFn := q.stateFn.Load(); stateFn != nil {
		q.stats.HandlerExecutions.Add(1)
		exec.SyncPromiseResolver(func() error { stateFn(context.Background(), next, meta, q.cache); return nil }, q.log)
	}
	if next.HasData() {
		if dataFn := q.dataFn.Load(); dataFn != nil {
			q.stats.HandlerExecutions.Add(1)
			exec.SyncPromiseResolver(func() error { dataFn(context.Background(), *next.Data, meta, q.cache); return nil }, q.log)
		}
	}
	if next.HasError() {
		if errorFn := q.errorFn.Load(); errorFn != nil {
			q.stats.HandlerExecutions.Add(1)
			exec.SyncPromiseResolver(func() error { errorFn(context.Background(), next.Err, meta, q.cache); return nil }, q.log)
		}
	}
}

func (q *Query[T, E]) ensureSubscribed(topic string, key []any) {
	q.mu.Lock()
	if q.currentTopic == topic {
		q.mu.Unlock()
		return
	}
	q.currentTopic = topic
	q.currentKey = key
	q.mu.Unlock()

	q.handle.UseTopic(topic, provider.SharedTopicState[T, E]{Key: key})
}

// Reset returns the controller to Idle{placeholder} and unsubscribes
// from its current topic. target=ResetHandler also dispatches
// handlers with an Initialization-sourced transition; target=ResetContext
// (the default) writes state silently.
func (q *Query[T, E]) Reset(target models.ResetTarget) {
	q.mu.Lock()
	q.state = models.Idle[T, E](q.placeholder)
	q.currentTopic = ""
	q.currentKey = nil
	next := q.state
	q.mu.Unlock()

	q.handle.Unsubscribe()

	if target == models.ResetHandler {
		q.dispatch(next, models.StateMetadata{Origin: models.OriginSelf, Source: models.SourceInitialization, Directive: models.DirectiveNone, CorrelationID: uuid.NewString()})
	}
}

// Use switches the subscribed key: resets per target, then subscribes
// to the new key's topic.
func (q *Query[T, E]) Use(ctx context.Context, key []any, target models.ResetTarget) {
	q.Reset(target)
	topic := q.hasher.Load().Hash(key)
	q.ensureSubscribed(topic, key)
}

// Dispose permanently stops this controller from emitting further
// state or dispatching handlers (spec.md section 5's cancellation
// contract). The underlying shared fetch, if any, is not aborted;
// other subscribers may still depend on it. The statistics counters
// are zeroed.
func (q *Query[T, E]) Dispose() {
	q.disposed.Store(true)
	q.handle.Unsubscribe()
	q.stats.Reset()
}

// GetState returns the controller's current state.
func (q *Query[T, E]) GetState() models.QueryState[T, E] { return q.getState() }

func (q *Query[T, E]) getState() models.QueryState[T, E] {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.state
}

// Stats returns a point-in-time snapshot of this controller's
// monotonic counters.
func (q *Query[T, E]) Stats() models.StatsSnapshot { return q.stats.Snapshot() }
