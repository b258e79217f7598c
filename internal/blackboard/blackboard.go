// ============================================================================
// Beaver-Nav Blackboard - Per-Agent Planning State
// ============================================================================
//
// Package: internal/blackboard
// File: blackboard.go
// Function: Key/value facts about one agent and its surroundings, plus
//           memoised queries that are recomputed only once they go stale
//
// Memoised queries:
//   Register(key, maxAge, fn) installs a computed key. A read returns the
//   cached value while tick - computedAt <= maxAge, otherwise it calls fn,
//   stores the value and restamps it with the current tick. Ten
//   preconditions asking the same question in one planning pass pay for
//   one computation.
//
//   A query computes from the View it is read through. A Snapshot keeps
//   its own cache and never touches the live one. Reads through an
//   Overlay are evaluated against the overlay uncached, so derived keys
//   see predicted effects.
//
// Views:
//   Everything the planner reads goes through View. The live Blackboard,
//   a Snapshot of it, and an Overlay of predicted effects on top of either
//   are all Views.
//
// Ownership:
//   One writer per blackboard: the agent's plan runner, between ticks.
//   Not safe for concurrent use.
//
// ============================================================================

package blackboard

import (
	"maps"
	"slices"
)

// Key names a blackboard entry.
type Key string

// View is read access to blackboard state.
type View interface {
	Lookup(key Key) (any, bool)
}

// Query computes a derived value from the view it is read through.
type Query func(v View) any

// source is a view that can own memoised queries.
type source interface {
	View
	plain(key Key) (any, bool)
	queryFunc(key Key) (Query, bool)
}

type memo struct {
	fn         Query
	maxAge     uint64
	value      any
	computedAt uint64
	valid      bool
	computed   int
}

// Blackboard holds one agent's facts.
type Blackboard struct {
	values  map[Key]any
	queries map[Key]*memo
	tick    uint64
}

func New() *Blackboard {
	return &Blackboard{
		values:  make(map[Key]any),
		queries: make(map[Key]*memo),
	}
}

// SetTick advances the clock memoised queries are stamped with.
func (b *Blackboard) SetTick(tick uint64) { b.tick = tick }

// Tick returns the current tick.
func (b *Blackboard) Tick() uint64 { return b.tick }

// Set stores a plain value. A plain value shadows a query of the same key.
func (b *Blackboard) Set(key Key, v any) { b.values[key] = v }

// Delete removes a plain value.
func (b *Blackboard) Delete(key Key) { delete(b.values, key) }

// Register installs a memoised query under key. maxAge is in ticks; 0
// means the value is reused only within the tick it was computed in.
func (b *Blackboard) Register(key Key, maxAge uint64, fn Query) {
	b.queries[key] = &memo{fn: fn, maxAge: maxAge}
}

// Invalidate forces the next read of a memoised key to recompute.
func (b *Blackboard) Invalidate(key Key) {
	if m, ok := b.queries[key]; ok {
		m.valid = false
	}
}

// Lookup returns the plain value for key, or the memoised query result.
func (b *Blackboard) Lookup(key Key) (any, bool) {
	if v, ok := b.values[key]; ok {
		return v, true
	}
	return b.query(key)
}

func (b *Blackboard) query(key Key) (any, bool) {
	m, ok := b.queries[key]
	if !ok {
		return nil, false
	}
	if !m.valid || b.tick < m.computedAt || b.tick-m.computedAt > m.maxAge {
		m.value = m.fn(b)
		m.computedAt = b.tick
		m.valid = true
		m.computed++
	}
	return m.value, true
}

func (b *Blackboard) plain(key Key) (any, bool) {
	v, ok := b.values[key]
	return v, ok
}

func (b *Blackboard) queryFunc(key Key) (Query, bool) {
	if m, ok := b.queries[key]; ok {
		return m.fn, true
	}
	return nil, false
}

// Computations returns how many times the query under key has run.
func (b *Blackboard) Computations(key Key) int {
	if m, ok := b.queries[key]; ok {
		return m.computed
	}
	return 0
}

// Apply writes effects into the live values.
func (b *Blackboard) Apply(eff Effects) {
	for k, v := range eff {
		if v == Deleted {
			delete(b.values, k)
			continue
		}
		b.values[k] = v
	}
}

// Keys returns the plain keys in sorted order.
func (b *Blackboard) Keys() []Key {
	return slices.Sorted(maps.Keys(b.values))
}

// Snapshot is a frozen copy of a blackboard's plain values. Memoised keys
// are computed from the frozen values and cached for the snapshot's
// lifetime.
type Snapshot struct {
	values  map[Key]any
	queries map[Key]Query
	cache   map[Key]any
}

// Snapshot copies the current plain values. Values are copied shallowly.
func (b *Blackboard) Snapshot() *Snapshot {
	queries := make(map[Key]Query, len(b.queries))
	for k, m := range b.queries {
		queries[k] = m.fn
	}
	return &Snapshot{
		values:  maps.Clone(b.values),
		queries: queries,
		cache:   make(map[Key]any),
	}
}

func (s *Snapshot) Lookup(key Key) (any, bool) {
	if v, ok := s.values[key]; ok {
		return v, true
	}
	if v, ok := s.cache[key]; ok {
		return v, true
	}
	fn, ok := s.queries[key]
	if !ok {
		return nil, false
	}
	v := fn(s)
	s.cache[key] = v
	return v, true
}

func (s *Snapshot) plain(key Key) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *Snapshot) queryFunc(key Key) (Query, bool) {
	fn, ok := s.queries[key]
	return fn, ok
}

// Get reads key from v as a T. ok is false when the key is absent or holds
// another type.
func Get[T any](v View, key Key) (T, bool) {
	raw, ok := v.Lookup(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := raw.(T)
	return t, ok
}

// GetOr is Get with a default.
func GetOr[T any](v View, key Key, def T) T {
	if t, ok := Get[T](v, key); ok {
		return t
	}
	return def
}
