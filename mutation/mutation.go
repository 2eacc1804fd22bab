// Package mutation implements MutationCore and the user-facing
// Mutation façade (spec.md section 4.6): a retrying write pipeline
// with the narrower Idle/Loading/Success/Error state machine, sharing
// the retry loop and handler-isolation discipline with query via the
// exec package.
//
// Unlike query, a mutation carries no key and participates in no
// single-flight coordination: each Execute call runs its own retrying
// operation independently, per spec.md section 4.6.
package mutation

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/otero-dcs/fetchctl/backoff"
	"github.com/otero-dcs/fetchctl/cachemanager"
	"github.com/otero-dcs/fetchctl/exec"
	"github.com/otero-dcs/fetchctl/internal/hotcell"
	"github.com/otero-dcs/fetchctl/pkg/logging"
	"github.com/otero-dcs/fetchctl/pkg/models"
)

// Mutation is the user-facing controller façade binding a Config to a
// running MutationCore instance.
type Mutation[I, T, E any] struct {
	mutationFn    *hotcell.Cell[func(ctx context.Context, input I) (T, error)]
	retryPolicy   backoff.Policy
	retryHandleFn *hotcell.Cell[func(attempt int, err error)]
	filterFn      *hotcell.Cell[func(current, next models.MutationState[T, E], meta models.StateMetadata) bool]
	stateFn       *hotcell.Cell[func(context.Context, models.MutationState[T, E], models.StateMetadata, *cachemanager.Manager[T, E])]
	dataFn        *hotcell.Cell[func(context.Context, T, models.StateMetadata, *cachemanager.Manager[T, E])]
	errorFn       *hotcell.Cell[func(context.Context, E, models.StateMetadata, *cachemanager.Manager[T, E])]
	wrapError     func(error) E

	placeholder *T
	cache       *cachemanager.Manager[T, E]
	log         logging.Logger

	mu       sync.RWMutex
	state    models.MutationState[T, E]
	disposed atomic.Bool
	stats    models.Stats
}

// New constructs a Mutation controller. MutationFn is required.
func New[I, T, E any](cfg Config[I, T, E]) *Mutation[I, T, E] {
	log := cfg.Log
	if log == nil {
		log = logging.Nop()
	}
	retryPolicy := cfg.RetryPolicy
	if retryPolicy == nil {
		retryPolicy = backoff.NewNoRetryPolicy()
	}
	wrapErr := cfg.WrapError
	if wrapErr == nil {
		wrapErr = defaultWrapError[E]
	}

	return &Mutation[I, T, E]{
		mutationFn:    hotcell.New(cfg.MutationFn),
		retryPolicy:   retryPolicy,
		retryHandleFn: hotcell.New(cfg.RetryHandleFn),
		filterFn:      hotcell.New(cfg.FilterFn),
		stateFn:       hotcell.New(cfg.StateFn),
		dataFn:        hotcell.New(cfg.DataFn),
		errorFn:       hotcell.New(cfg.ErrorFn),
		wrapError:     wrapErr,
		placeholder:   cfg.Placeholder,
		cache:         cfg.Cache,
		log:           log,
		state:         models.MutationIdleState[T, E](cfg.Placeholder),
	}
}

func defaultWrapError[E any](err error) E {
	var zero E
	if wrapped, ok := any(err).(E); ok {
		return wrapped
	}
	return zero
}

func (m *Mutation[I, T, E]) SetMutationFn(fn func(ctx context.Context, input I) (T, error)) {
	m.mutationFn.Store(fn)
}
func (m *Mutation[I, T, E]) SetFilterFn(fn func(current, next models.MutationState[T, E], meta models.StateMetadata) bool) {
	m.filterFn.Store(fn)
}
func (m *Mutation[I, T, E]) SetRetryHandleFn(fn func(attempt int, err error)) {
	m.retryHandleFn.Store(fn)
}
func (m *Mutation[I, T, E]) SetStateFn(fn func(context.Context, models.MutationState[T, E], models.StateMetadata, *cachemanager.Manager[T, E])) {
	m.stateFn.Store(fn)
}
func (m *Mutation[I, T, E]) SetDataFn(fn func(context.Context, T, models.StateMetadata, *cachemanager.Manager[T, E])) {
	m.dataFn.Store(fn)
}
func (m *Mutation[I, T, E]) SetErrorFn(fn func(context.Context, E, models.StateMetadata, *cachemanager.Manager[T, E])) {
	m.errorFn.Store(fn)
}

// Execute runs the retrying write pipeline of spec.md section 4.6:
// emit Loading, run the user operation under the configured
// RetryPolicy, emit the terminal Success/Error state.
func (m *Mutation[I, T, E]) Execute(ctx context.Context, input I) models.MutationState[T, E] {
	if m.disposed.Load() {
		return m.getState()
	}

	m.transition(models.MutationLoadingState[T, E](), models.StateMetadata{Origin: models.OriginSelf, Source: models.SourceMutation})

	mutationFn := m.mutationFn.Load()
	policy := m.retryPolicy
	retryHandle := m.retryHandleFn.Load()
	wrapErr := m.wrapError

	if mutationFn == nil {
		var zero T
		return m.transition(models.MutationSuccessState[T, E](zero), models.StateMetadata{Origin: models.OriginSelf, Source: models.SourceMutation})
	}

	data, err := exec.Run(ctx, func(ctx context.Context) (T, error) {
		return mutationFn(ctx, input)
	}, policy, retryHandle, m.log)

	if err != nil {
		return m.transition(models.MutationErrorState[T, E](wrapErr(err)), models.StateMetadata{Origin: models.OriginSelf, Source: models.SourceMutation})
	}
	return m.transition(models.MutationSuccessState[T, E](data), models.StateMetadata{Origin: models.OriginSelf, Source: models.SourceMutation})
}

func (m *Mutation[I, T, E]) transition(next models.MutationState[T, E], meta models.StateMetadata) models.MutationState[T, E] {
	if m.disposed.Load() {
		return next
	}

	if meta.CorrelationID == "" {
		meta.CorrelationID = uuid.NewString()
	}

	m.stats.EventsProcessed.Add(1)

	m.mu.Lock()
	current := m.state
	admit := m.admitTransition(current, next, meta)
	if !admit {
		m.mu.Unlock()
		m.stats.EventsFiltered.Add(1)
		return current
	}
	m.state = next
	m.mu.Unlock()

	m.dispatch(next, meta)
	return next
}

func (m *Mutation[I, T, E]) admitTransition(current, next models.MutationState[T, E], meta models.StateMetadata) (admit bool) {
	filterFn := m.filterFn.Load()
	if filterFn == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Warnf("mutation: filterFn panicked, admitting transition: %v", r)
			admit = true
		}
	}()
	return filterFn(current, next, meta)
}

func (m *Mutation[I, T, E]) dispatch(next models.MutationState[T, E], meta models.StateMetadata) {
	if stateFn := m.stateFn.Load(); stateFn != nil {
		m.stats.HandlerExecutions.Add(1)
		exec.SyncPromiseResolver(func() error { stateFn(context.Background(), next, meta, m.cache); return nil }, m.log)
	}
	if next.HasData() {
		if dataFn := m.dataFn.Load(); dataFn != nil {
			m.stats.HandlerExecutions.Add(1)
			exec.SyncPromiseResolver(func() error { dataFn(context.Background(), *next.Data, meta, m.cache); return nil }, m.log)
		}
	}
	if next.HasError() {
		if errorFn := m.errorFn.Load(); errorFn != nil {
			m.stats.HandlerExecutions.Add(1)
			exec.SyncPromiseResolver(func() error { errorFn(context.Background(), next.Err, meta, m.cache); return nil }, m.log)
		}
	}
}

// Reset returns the controller to Idle{placeholder}, silently (no
// handler dispatch), matching query's ResetContext behavior.
func (m *Mutation[I, T, E]) Reset() {
	m.mu.Lock()
	m.state = models.MutationIdleState[T, E](m.placeholder)
	m.mu.Unlock()
}

// Dispose permanently stops this controller from emitting further
// state or dispatching handlers, and zeroes its statistics counters.
func (m *Mutation[I, T, E]) Dispose() {
	m.disposed.Store(true)
	m.stats.Reset()
}

// GetState returns the controller's current state.
func (m *Mutation[I, T, E]) GetState() models.MutationState[T, E] { return m.getState() }

func (m *Mutation[I, T, E]) getState() models.MutationState[T, E] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Stats returns a point-in-time snapshot of this controller's
// monotonic counters.
func (m *Mutation[I, T, E]) Stats() models.StatsSnapshot { return m.stats.Snapshot() }
