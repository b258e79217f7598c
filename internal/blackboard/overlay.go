package blackboard

import (
	"maps"
	"slices"
)

type deletedMarker struct{}

// Deleted as an effect value removes the key.
var Deleted any = deletedMarker{}

// Effects are predicted or applied changes to blackboard keys.
type Effects map[Key]any

// Merge returns a new Effects with o applied over e.
func (e Effects) Merge(o Effects) Effects {
	if len(o) == 0 {
		return e
	}
	out := make(Effects, len(e)+len(o))
	maps.Copy(out, e)
	maps.Copy(out, o)
	return out
}

// Keys returns the affected keys in sorted order.
func (e Effects) Keys() []Key {
	return slices.Sorted(maps.Keys(e))
}

// Overlay is an immutable view of predicted effects layered on a parent
// view. Branching never mutates a parent, so backtracking only needs to
// drop the overlay.
type Overlay struct {
	parent View
	delta  Effects
	depth  int
}

// With layers eff on parent. The effects map is copied.
func With(parent View, eff Effects) View {
	if len(eff) == 0 {
		return parent
	}
	depth := 1
	if o, ok := parent.(*Overlay); ok {
		depth = o.depth + 1
	}
	return &Overlay{parent: parent, delta: maps.Clone(eff), depth: depth}
}

// Lookup resolves key through the stacked deltas. Memoised keys of the
// base view are computed against the overlay itself, uncached.
func (o *Overlay) Lookup(key Key) (any, bool) {
	for cur := o; ; {
		if v, ok := cur.delta[key]; ok {
			if v == Deleted {
				return nil, false
			}
			return v, true
		}
		next, ok := cur.parent.(*Overlay)
		if !ok {
			return o.lookupBase(cur.parent, key)
		}
		cur = next
	}
}

func (o *Overlay) lookupBase(base View, key Key) (any, bool) {
	src, ok := base.(source)
	if !ok {
		return base.Lookup(key)
	}
	if v, ok := src.plain(key); ok {
		return v, true
	}
	if fn, ok := src.queryFunc(key); ok {
		return fn(o), true
	}
	return nil, false
}

// Depth returns the number of stacked overlays.
func (o *Overlay) Depth() int { return o.depth }
