// ============================================================================
// Beaver-Nav Path Graph - Chunked Tile Graph With Lazy Neighbour Cache
// ============================================================================
//
// Package: internal/pathgraph
// File: graph.go
// Function: Answers "which tiles can I step to from here" for searches,
//           building and caching the answer per tile on first use
//
// Layout:
//   chunks map[ChunkCoord]*Chunk      - created on first reference
//   Chunk.nodes [16×16]*Node          - created on first reference
//   Node.edges                        - computed on first GetNeighbors
//
// Neighbour rule (8 directions):
//   A neighbour is listed when its tile is loaded and not blocked, entry
//   is allowed by its one-way direction, and, for diagonals, at least one
//   of the two orthogonal corner tiles is open.
//
//   Edges are symmetric between ordinary tiles. An edge into a one-way
//   tile exists only for moves in its direction (see IsOneWay).
//
// Invalidation:
//   OnTileChanged drops the cached tile data and edges of the tile and its
//   eight surrounding tiles, marks their chunks' regions dirty and bumps
//   the graph version. Nothing is recomputed until the next query.
//
// Lifetime:
//   Searches Acquire the chunks they touch and Release them when done.
//   Prune drops unreferenced chunks; they are rebuilt on demand.
//
// Concurrency:
//   Not safe for concurrent use. One graph per simulation goroutine.
//
// ============================================================================

package pathgraph

import (
	"math"

	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

// DefaultChangeLogSize bounds the number of tile changes kept for
// ChangedSince queries.
const DefaultChangeLogSize = 4096

// Observer receives graph events. metrics.Collector provides one per shard.
type Observer interface {
	GraphChunks(count int)
	GraphInvalidated(tiles int)
}

// Graph is the chunked spatial path graph over a TileSource.
type Graph struct {
	source   TileSource
	chunks   map[ChunkCoord]*Chunk
	observer Observer

	version uint64
	log     changeLog
	pending updateQueue
	regions regionIndex
}

// Option customises a Graph.
type Option func(*Graph)

// WithObserver reports chunk counts and invalidations to o.
func WithObserver(o Observer) Option {
	return func(g *Graph) { g.observer = o }
}

// WithChangeLogSize overrides DefaultChangeLogSize.
func WithChangeLogSize(n int) Option {
	return func(g *Graph) { g.log = newChangeLog(n) }
}

// New creates a graph over source. A nil source panics.
func New(source TileSource, opts ...Option) *Graph {
	if source == nil {
		panic("pathgraph: nil tile source")
	}
	g := &Graph{
		source:  source,
		chunks:  make(map[ChunkCoord]*Chunk),
		log:     newChangeLog(DefaultChangeLogSize),
		pending: newUpdateQueue(),
		regions: newRegionIndex(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Version increases by one for every applied tile change.
func (g *Graph) Version() uint64 { return g.version }

// ChunkCount returns the number of live chunks.
func (g *Graph) ChunkCount() int { return len(g.chunks) }

// GetChunk returns the chunk containing c, creating it on first access.
// ok is false when no chunk exists and c is not loaded in the source.
func (g *Graph) GetChunk(c types.TileCoord) (*Chunk, bool) {
	mustValid(c)
	if ch, ok := g.chunks[ChunkOf(c)]; ok {
		return ch, true
	}
	if _, ok := g.source.Tile(c); !ok {
		return nil, false
	}
	return g.createChunk(ChunkOf(c)), true
}

func (g *Graph) createChunk(cc ChunkCoord) *Chunk {
	ch := &Chunk{Coord: cc}
	for i, d := range types.Directions {
		o := d.Offset()
		if n, ok := g.chunks[ChunkCoord{X: cc.X + o.X, Y: cc.Y + o.Y}]; ok {
			ch.adj[i] = n
			n.adj[oppositeSlot(i)] = ch
		}
	}
	g.chunks[cc] = ch
	g.notifyChunks()
	return ch
}

// oppositeSlot maps an index into types.Directions to its reverse.
func oppositeSlot(i int) int { return (i + 4) % 8 }

// GetNode returns the node for c, or false when the tile is unloaded or
// out of bounds.
func (g *Graph) GetNode(c types.TileCoord) (*Node, bool) {
	mustValid(c)
	ch, hasChunk := g.chunks[ChunkOf(c)]
	if hasChunk {
		if n := ch.node(c); n != nil && n.tileValid {
			return n, n.present
		}
	}

	t, ok := g.source.Tile(c)
	if !ok && !hasChunk {
		return nil, false
	}
	if !hasChunk {
		ch = g.createChunk(ChunkOf(c))
	}
	n := ch.node(c)
	if n == nil {
		n = &Node{Coord: c}
		ch.nodes[localIndex(c)] = n
	}
	n.tile, n.present, n.tileValid = t, ok, true
	if !ok {
		return nil, false
	}
	return n, true
}

// open reports whether c is loaded and not blocked.
func (g *Graph) open(c types.TileCoord) bool {
	if !ValidCoord(c) {
		return false
	}
	n, ok := g.GetNode(c)
	return ok && n.Traversable()
}

// Edges returns the outgoing edges of n, computing and caching them on
// first use. The slice is owned by the graph.
func (g *Graph) Edges(n *Node) []Edge {
	if n.edgesValid {
		return n.edges
	}
	n.edges = g.computeEdges(n)
	n.edgesValid = true
	return n.edges
}

func (g *Graph) computeEdges(n *Node) []Edge {
	if !n.Traversable() {
		return nil
	}
	edges := make([]Edge, 0, 8)
	for _, d := range types.Directions {
		o := d.Offset()
		to := n.Coord.Add(o)
		if !ValidCoord(to) {
			continue
		}
		m, ok := g.GetNode(to)
		if !ok || !m.Traversable() {
			continue
		}
		if m.tile.OneWay != types.DirNone && m.tile.OneWay != d {
			continue
		}
		base := 1.0
		if d.Diagonal() {
			if !g.open(n.Coord.Add(types.TileCoord{X: o.X})) && !g.open(n.Coord.Add(types.TileCoord{Y: o.Y})) {
				continue
			}
			base = math.Sqrt2
		}
		edges = append(edges, Edge{To: to, Dir: d, Cost: base * m.tile.StepCost()})
	}
	return edges
}

// GetNeighbors returns the neighbour nodes of n.
func (g *Graph) GetNeighbors(n *Node) []*Node {
	edges := g.Edges(n)
	out := make([]*Node, 0, len(edges))
	for _, e := range edges {
		if m, ok := g.GetNode(e.To); ok {
			out = append(out, m)
		}
	}
	return out
}

// IsOneWay reports whether the edge from a to b exists without its reverse.
func (g *Graph) IsOneWay(a, b types.TileCoord) bool {
	na, ok := g.GetNode(a)
	if !ok {
		return false
	}
	nb, ok := g.GetNode(b)
	if !ok {
		return false
	}
	return hasEdge(g.Edges(na), b) && !hasEdge(g.Edges(nb), a)
}

func hasEdge(edges []Edge, to types.TileCoord) bool {
	for _, e := range edges {
		if e.To == to {
			return true
		}
	}
	return false
}

// OnTileChanged invalidates the cached data of c and its eight surrounding
// tiles. Nothing is recomputed eagerly.
func (g *Graph) OnTileChanged(c types.TileCoord) {
	mustValid(c)
	dropped := 0
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			t := types.TileCoord{X: c.X + dx, Y: c.Y + dy}
			if !ValidCoord(t) {
				continue
			}
			ch, ok := g.chunks[ChunkOf(t)]
			if !ok {
				continue
			}
			if n := ch.node(t); n != nil {
				n.invalidate()
				dropped++
			}
		}
	}
	g.version++
	g.log.add(g.version, c)
	g.markRegionsDirty(c)
	if g.observer != nil {
		g.observer.GraphInvalidated(dropped)
	}
}

// Acquire pins the chunk at cc against Prune. It reports false when the
// chunk does not exist.
func (g *Graph) Acquire(cc ChunkCoord) bool {
	ch, ok := g.chunks[cc]
	if !ok {
		return false
	}
	ch.refs++
	return true
}

// Release undoes one Acquire.
func (g *Graph) Release(cc ChunkCoord) {
	if ch, ok := g.chunks[cc]; ok && ch.refs > 0 {
		ch.refs--
	}
}

// Prune drops every chunk with no outstanding references and returns how
// many were removed.
func (g *Graph) Prune() int {
	removed := 0
	for cc, ch := range g.chunks {
		if ch.refs > 0 {
			continue
		}
		for i, n := range ch.adj {
			if n != nil {
				n.adj[oppositeSlot(i)] = nil
			}
		}
		delete(g.chunks, cc)
		g.dropRegions(cc)
		removed++
	}
	if removed > 0 {
		g.notifyChunks()
	}
	return removed
}

func (g *Graph) notifyChunks() {
	if g.observer != nil {
		g.observer.GraphChunks(len(g.chunks))
	}
}
