// Package provider implements the cross-controller pub/sub and shared
// in-flight coordination described in spec.md section 4.4: any number
// of Query/Mutation controllers watching the same fingerprint observe
// the same transitions and share at most one in-flight fetch.
//
// Grounded on cache-manager/subscriptions.go's listener-registry shape
// and cache-manager/singleflight.go's call-sharing discipline, now
// backed by the real golang.org/x/sync/singleflight implementation
// instead of a hand-rolled mutex map.
package provider

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/otero-dcs/fetchctl/pkg/models"
)

// EventKind distinguishes a normal state transition from an
// invalidation signal (which carries no new state, only metadata).
type EventKind int

const (
	EventTransition EventKind = iota
	EventInvalidation
)

// Event is broadcast to every listener subscribed to a topic.
type Event[T, E any] struct {
	Kind     EventKind
	State    models.QueryState[T, E]
	Metadata models.StateMetadata
}

// Listener receives events published on a topic it subscribed to.
type Listener[T, E any] func(Event[T, E])

// SharedTopicState is the per-fingerprint state shared by every
// controller subscribed to a topic: a correlation key plus, if a fetch
// is underway, the promise every subscriber can observe.
type SharedTopicState[T, E any] struct {
	Key      []any
	InFlight *ObservablePromise[models.QueryState[T, E]]
}

type listenerEntry[T, E any] struct {
	id uint64
	fn Listener[T, E]
}

type topicEntry[T, E any] struct {
	listeners []listenerEntry[T, E]
	state     SharedTopicState[T, E]
}

// Provider is the shared hub a family of Query/Mutation controllers
// publish to and subscribe through. One Provider instance is normally
// shared by every controller instance of a given T/E pair.
type Provider[T, E any] struct {
	mu      sync.RWMutex
	topics  map[string]*topicEntry[T, E]
	nextID  atomic.Uint64
	flights singleflight.Group
}

// New constructs an empty Provider.
func New[T, E any]() *Provider[T, E] {
	return &Provider[T, E]{topics: make(map[string]*topicEntry[T, E])}
}

// Subscribe registers l on topic. If topic has no existing
// subscribers, initial becomes its shared state; otherwise the
// existing shared state is kept untouched. Returns the listener id
// (for self-exclusion on Publish) and an unsubscribe function.
func (p *Provider[T, E]) Subscribe(topic string, l Listener[T, E], initial SharedTopicState[T, E]) (uint64, func()) {
	id := p.nextID.Add(1)

	p.mu.Lock()
	entry, ok := p.topics[topic]
	if !ok {
		entry = &topicEntry[T, E]{state: initial}
		p.topics[topic] = entry
	}
	entry.listeners = append(entry.listeners, listenerEntry[T, E]{id: id, fn: l})
	p.mu.Unlock()

	return id, func() { p.unsubscribe(topic, id) }
}

func (p *Provider[T, E]) unsubscribe(topic string, id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.topics[topic]
	if !ok {
		return
	}
	for i, le := range entry.listeners {
		if le.id == id {
			entry.listeners = append(entry.listeners[:i], entry.listeners[i+1:]...)
			break
		}
	}
	if len(entry.listeners) == 0 {
		// The shared state's in-flight promise (if any) is left to
		// settle on its own; whoever still holds a reference to it can
		// still Wait on it. It is simply no longer discoverable via
		// GetState once orphaned.
		delete(p.topics, topic)
	}
}

// Publish broadcasts ev to every listener on topic except those whose
// id is in ignore. Each listener is invoked in isolation: a panicking
// or misbehaving listener never prevents its siblings from running.
func (p *Provider[T, E]) Publish(topic string, ev Event[T, E], ignore ...uint64) {
	p.mu.RLock()
	entry, ok := p.topics[topic]
	var targets []listenerEntry[T, E]
	if ok {
		targets = make([]listenerEntry[T, E], len(entry.listeners))
		copy(targets, entry.listeners)
	}
	p.mu.RUnlock()
	if !ok {
		return
	}

	skip := make(map[uint64]struct{}, len(ignore))
	for _, id := range ignore {
		skip[id] = struct{}{}
	}

	for _, le := range targets {
		if _, excluded := skip[le.id]; excluded {
			continue
		}
		dispatch(le.fn, ev)
	}
}

func dispatch[T, E any](fn Listener[T, E], ev Event[T, E]) {
	defer func() { recover() }()
	fn(ev)
}

// GetState returns the current shared state for topic, if it has any
// subscribers.
func (p *Provider[T, E]) GetState(topic string) (SharedTopicState[T, E], bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.topics[topic]
	if !ok {
		return SharedTopicState[T, E]{}, false
	}
	return entry.state, true
}

// SetState applies updater to topic's shared state if topic is
// currently subscribed. Returns false if topic has no subscribers.
func (p *Provider[T, E]) SetState(topic string, updater func(SharedTopicState[T, E]) SharedTopicState[T, E]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.topics[topic]
	if !ok {
		return false
	}
	entry.state = updater(entry.state)
	return true
}

// Topics lists every topic with at least one subscriber.
func (p *Provider[T, E]) Topics() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.topics))
	for t := range p.topics {
		out = append(out, t)
	}
	return out
}

// LaunchOrJoin ensures at most one fetch is in flight per topic. If a
// fetch is already underway, its existing promise is returned and
// launched is false. Otherwise fetch is scheduled (via
// singleflight.Group, so concurrent callers racing this same instant
// still coalesce onto one execution) and its fresh promise is
// returned with launched true.
//
// topic must already be subscribed (see Subscribe); a topic with no
// subscribers has nowhere to publish its shared state and LaunchOrJoin
// returns (nil, false).
func (p *Provider[T, E]) LaunchOrJoin(
	ctx context.Context,
	topic string,
	fetch func(ctx context.Context) (models.QueryState[T, E], error),
) (*ObservablePromise[models.QueryState[T, E]], bool) {
	p.mu.Lock()
	entry, ok := p.topics[topic]
	if !ok {
		p.mu.Unlock()
		return nil, false
	}
	if entry.state.InFlight != nil && entry.state.InFlight.Status() == Pending {
		existing := entry.state.InFlight
		p.mu.Unlock()
		return existing, false
	}
	promise := newObservablePromise[models.QueryState[T, E]]()
	entry.state.InFlight = promise
	p.mu.Unlock()

	ch := p.flights.DoChan(topic, func() (interface{}, error) {
		return fetch(ctx)
	})

	go func() {
		res := <-ch
		if res.Err != nil {
			promise.reject(res.Err)
		} else {
			promise.fulfill(res.Val.(models.QueryState[T, E]))
		}

		p.mu.Lock()
		if entry.state.InFlight == promise {
			entry.state.InFlight = nil
		}
		p.mu.Unlock()
	}()

	return promise, true
}

// SubscriberHandle binds a single listener identity to a Provider so
// its own Publish calls naturally exclude itself (a controller should
// never react to the very event it just produced).
type SubscriberHandle[T, E any] struct {
	mu       sync.Mutex
	provider *Provider[T, E]
	listener Listener[T, E]
	topic    string
	id       uint64
	unsub    func()
}

// NewSubscriberHandle creates a handle bound to l but not yet attached
// to any topic; call UseTopic to attach.
func NewSubscriberHandle[T, E any](p *Provider[T, E], l Listener[T, E]) *SubscriberHandle[T, E] {
	return &SubscriberHandle[T, E]{provider: p, listener: l}
}

// UseTopic detaches from any previously-used topic and subscribes to
// topic instead, installing initial as the shared state if topic has
// no other subscribers.
func (h *SubscriberHandle[T, E]) UseTopic(topic string, initial SharedTopicState[T, E]) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.unsub != nil {
		h.unsub()
	}
	id, unsub := h.provider.Subscribe(topic, h.listener, initial)
	h.topic, h.id, h.unsub = topic, id, unsub
}

// Publish broadcasts ev on the handle's current topic, excluding the
// handle's own listener.
func (h *SubscriberHandle[T, E]) Publish(ev Event[T, E]) {
	h.mu.Lock()
	topic, id := h.topic, h.id
	h.mu.Unlock()
	if topic == "" {
		return
	}
	h.provider.Publish(topic, ev, id)
}

// PublishTopic broadcasts ev on an arbitrary topic (not necessarily
// the handle's current one), still excluding the handle's own
// listener id so a controller publishing on behalf of a sibling
// fingerprint never echoes back to itself.
func (h *SubscriberHandle[T, E]) PublishTopic(topic string, ev Event[T, E]) {
	h.mu.Lock()
	id := h.id
	h.mu.Unlock()
	h.provider.Publish(topic, ev, id)
}

// ListenerID returns the handle's current listener id, for callers
// that need to pass it as an explicit self-exclusion id to a
// collaborator publishing on the handle's behalf (e.g. cachemanager's
// Set/Delete/Invalidate ignore list).
func (h *SubscriberHandle[T, E]) ListenerID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// Unsubscribe detaches the handle from its current topic, if any.
func (h *SubscriberHandle[T, E]) Unsubscribe() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsub != nil {
		h.unsub()
		h.unsub = nil
		h.topic = ""
	}
}
