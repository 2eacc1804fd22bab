package models

import "sync/atomic"

// Stats is the monotonic, per-controller statistics record described
// in spec.md section 3. Reset only happens on controller dispose
// (see Reset below), mirroring the teacher's atomic-counter Metrics
// structs (cache-manager/service.go, invalidation/service.go).
type Stats struct {
	CacheHit           atomic.Int64
	CacheMiss          atomic.Int64
	CacheDeleteOnError atomic.Int64
	EventsFiltered     atomic.Int64
	EventsProcessed    atomic.Int64
	HandlerExecutions  atomic.Int64

	lastDirective atomic.Int32
}

// StatsSnapshot is a point-in-time, allocation-free copy safe to hand
// to callers, mirroring pkg/models.MetricSnapshot's role in the
// teacher repo.
type StatsSnapshot struct {
	CacheHit           int64
	CacheMiss          int64
	CacheDeleteOnError int64
	EventsFiltered     int64
	EventsProcessed    int64
	HandlerExecutions  int64
	LastCacheDirective CacheDirective
}

func (s *Stats) RecordDirective(d CacheDirective) {
	s.lastDirective.Store(int32(d))
}

// Snapshot returns a read-only copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		CacheHit:           s.CacheHit.Load(),
		CacheMiss:          s.CacheMiss.Load(),
		CacheDeleteOnError: s.CacheDeleteOnError.Load(),
		EventsFiltered:     s.EventsFiltered.Load(),
		EventsProcessed:    s.EventsProcessed.Load(),
		HandlerExecutions:  s.HandlerExecutions.Load(),
		LastCacheDirective: CacheDirective(s.lastDirective.Load()),
	}
}

// Reset zeroes every counter. Only called on controller dispose.
func (s *Stats) Reset() {
	s.CacheHit.Store(0)
	s.CacheMiss.Store(0)
	s.CacheDeleteOnError.Store(0)
	s.EventsFiltered.Store(0)
	s.EventsProcessed.Store(0)
	s.HandlerExecutions.Store(0)
	s.lastDirective.Store(int32(DirectiveStale))
}
