// Package cachemanager mediates every read/write the query and
// mutation cores make against a cachestore.Store, translating
// []any key tuples to fingerprints via keyhash and publishing
// mutation/invalidation events through provider so every subscribed
// controller observes cache writes made by its siblings.
//
// Grounded on cache-manager/service.go's Service shape (config struct
// + injected collaborators), generalized from its concrete L1/L2
// layering to a single generic cachestore.Store[V].
package cachemanager

import (
	"context"
	"fmt"
	"time"

	"github.com/otero-dcs/fetchctl/cachestore"
	"github.com/otero-dcs/fetchctl/keyhash"
	"github.com/otero-dcs/fetchctl/pkg/logging"
	"github.com/otero-dcs/fetchctl/pkg/models"
	"github.com/otero-dcs/fetchctl/provider"
)

// StoreError wraps any error a Store operation returns. Manager
// always recovers locally from a StoreError: it is logged and the
// call degrades to a miss/no-op, never propagated to query/mutation
// as a fetch failure (spec.md section 7's CacheOperationError
// contract).
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("cachemanager: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// Option configures a Manager at construction time.
type Option[V, E any] func(*Manager[V, E])

// WithLogger overrides the default no-op logger.
func WithLogger[V, E any](log logging.Logger) Option[V, E] {
	return func(m *Manager[V, E]) { m.log = log }
}

// Manager is the cache-facing collaborator of a query or mutation
// controller for a given value type V. Each Query builds its own
// Manager over its configured Store and Provider; a Mutation uses the
// one set in its Config, if any. It is
// parameterized by E as well so it can share the exact same
// *provider.Provider[V, E] instance its query/mutation callers
// subscribe through — a query controller and the cache manager it
// shares must agree on the provider's error type to publish onto the
// same topic map.
type Manager[V, E any] struct {
	store  cachestore.Store[V]
	hasher keyhash.Hasher
	pub    *provider.Provider[V, E]
	log    logging.Logger
}

// New constructs a Manager. pub may be nil if this Manager's writes
// never need to notify sibling controllers (e.g. a mutation with no
// query counterpart sharing its cache).
func New[V, E any](store cachestore.Store[V], hasher keyhash.Hasher, pub *provider.Provider[V, E], opts ...Option[V, E]) *Manager[V, E] {
	m := &Manager[V, E]{store: store, hasher: hasher, pub: pub, log: logging.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get fetches by key tuple, returning (zero, false) on any miss or
// store failure.
func (m *Manager[V, E]) Get(ctx context.Context, key []any) (V, bool) {
	data, ok, err := m.store.Get(ctx, m.hasher.Hash(key))
	if err != nil {
		m.logStoreErr("get", err)
		var zero V
		return zero, false
	}
	return data, ok
}

// GetEntry fetches the full entry (with TTL bookkeeping) by key tuple.
func (m *Manager[V, E]) GetEntry(ctx context.Context, key []any) (cachestore.Entry[V], bool) {
	entry, ok, err := m.store.GetEntry(ctx, m.hasher.Hash(key))
	if err != nil {
		m.logStoreErr("get_entry", err)
		return cachestore.Entry[V]{}, false
	}
	return entry, ok
}

// Set writes data under key with the given ttl, then publishes a
// transition event so every controller subscribed to this
// fingerprint's topic observes the new value (spec.md section 4.3).
// ignore lists listener ids (typically the calling controller's own
// SubscriberHandle id) that must not receive the echo, since that
// controller already emitted its own Success transition directly.
func (m *Manager[V, E]) Set(ctx context.Context, key []any, data V, ttl time.Duration, ignore ...uint64) error {
	fingerprint := m.hasher.Hash(key)
	if err := m.store.Set(ctx, fingerprint, data, ttl); err != nil {
		m.logStoreErr("set", err)
		return &StoreError{Op: "set", Err: err}
	}

	if m.pub != nil {
		m.pub.Publish(fingerprint, provider.Event[V, E]{
			Kind:  provider.EventTransition,
			State: models.Success[V, E](data),
			Metadata: models.StateMetadata{
				Origin: models.OriginProvider,
				Source: models.SourceMutation,
			},
		}, ignore...)
	}
	return nil
}

// Delete removes a single key. Per spec.md section 4.3's op table,
// delete is unit: unlike Set and Invalidate it publishes no event,
// since a single-key delete carries no value siblings could observe
// and isn't itself an invalidation of a prefix. ignore is accepted
// only for call-site symmetry with Set/Invalidate.
func (m *Manager[V, E]) Delete(ctx context.Context, key []any, ignore ...uint64) error {
	fingerprint := m.hasher.Hash(key)
	if err := m.store.Delete(ctx, fingerprint); err != nil {
		m.logStoreErr("delete", err)
		return &StoreError{Op: "delete", Err: err}
	}
	return nil
}

// Invalidate removes every key whose fingerprint has prefix's
// fingerprint as a string prefix, and fans an invalidation event out
// to each matching topic — an O(subscribed topics) operation since
// the core only ever tracks fingerprints, not raw keys, improving on
// a naive full key-space scan.
func (m *Manager[V, E]) Invalidate(ctx context.Context, prefix []any, ignore ...uint64) error {
	prefixHash := m.hasher.Hash(prefix)
	if err := m.store.DeletePrefix(ctx, prefixHash); err != nil {
		m.logStoreErr("invalidate", err)
		return &StoreError{Op: "invalidate", Err: err}
	}

	if m.pub == nil {
		return nil
	}
	for _, topic := range m.pub.Topics() {
		if keyhash.IsPrefix(prefixHash, topic) {
			m.pub.Publish(topic, provider.Event[V, E]{
				Kind:     provider.EventInvalidation,
				Metadata: models.StateMetadata{Origin: models.OriginProvider, Source: models.SourceMutation},
			}, ignore...)
		}
	}
	return nil
}

func (m *Manager[V, E]) logStoreErr(op string, err error) {
	if m.log != nil {
		m.log.Warnf("cachemanager: %s failed: %v", op, err)
	}
}
