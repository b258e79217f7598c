package pathgraph

import "github.com/ChuLiYu/beaver-nav/pkg/types"

// Tile changes reported while a tick is running are queued here and applied
// at the start of the next tick, so jobs never observe a half-updated world
// within one Process pass.

type updateQueue struct {
	order []types.TileCoord
	set   map[types.TileCoord]struct{}
}

func newUpdateQueue() updateQueue {
	return updateQueue{set: make(map[types.TileCoord]struct{})}
}

// QueueTileChange records that c changed. Duplicate reports before the next
// ApplyUpdates collapse into one.
func (g *Graph) QueueTileChange(c types.TileCoord) {
	mustValid(c)
	if _, dup := g.pending.set[c]; dup {
		return
	}
	g.pending.set[c] = struct{}{}
	g.pending.order = append(g.pending.order, c)
}

// PendingUpdates returns the number of queued tile changes.
func (g *Graph) PendingUpdates() int { return len(g.pending.order) }

// ApplyUpdates applies queued changes in arrival order through
// OnTileChanged. limit <= 0 applies all of them. It returns how many were
// applied.
func (g *Graph) ApplyUpdates(limit int) int {
	n := len(g.pending.order)
	if limit > 0 && limit < n {
		n = limit
	}
	for _, c := range g.pending.order[:n] {
		delete(g.pending.set, c)
		g.OnTileChanged(c)
	}
	rest := copy(g.pending.order, g.pending.order[n:])
	clear(g.pending.order[rest:])
	g.pending.order = g.pending.order[:rest]
	return n
}

// Change is one applied tile change.
type Change struct {
	Version uint64
	Coord   types.TileCoord
}

// changeLog is a ring of the most recent changes.
type changeLog struct {
	buf  []Change
	next int
	full bool
}

func newChangeLog(size int) changeLog {
	if size <= 0 {
		size = DefaultChangeLogSize
	}
	return changeLog{buf: make([]Change, size)}
}

func (l *changeLog) add(v uint64, c types.TileCoord) {
	l.buf[l.next] = Change{Version: v, Coord: c}
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}
}

// oldest returns the lowest version still held, or 0 when empty.
func (l *changeLog) oldest() uint64 {
	if l.full {
		return l.buf[l.next].Version
	}
	if l.next == 0 {
		return 0
	}
	return l.buf[0].Version
}

// ChangedSince returns the coordinates changed after version since, oldest
// first. complete is false when the log no longer reaches back that far and
// the caller must treat everything as changed.
func (g *Graph) ChangedSince(since uint64) (coords []types.TileCoord, complete bool) {
	if since >= g.version {
		return nil, true
	}
	if oldest := g.log.oldest(); oldest == 0 || oldest > since+1 {
		return nil, false
	}
	size := len(g.log.buf)
	start := 0
	count := g.log.next
	if g.log.full {
		start, count = g.log.next, size
	}
	for i := 0; i < count; i++ {
		ch := g.log.buf[(start+i)%size]
		if ch.Version > since {
			coords = append(coords, ch.Coord)
		}
	}
	return coords, true
}
