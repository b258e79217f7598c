// ============================================================================
// Beaver-Nav Path Graph - Region Reachability
// ============================================================================
//
// Package: internal/pathgraph
// File: regions.go
// Function: Coarse "can this agent get there at all" answers, cheap enough
//           to run before a full search is queued
//
// Regions:
//   Within one chunk, loaded open tiles with the same traversal profile
//   (collision layer and access tags) that are joined by graph edges form
//   one region. A region keeps its exits: every tile outside it that one
//   of its tiles has an edge to.
//
//   Regions are built per chunk on first use. OnTileChanged marks the
//   chunks of the changed tile and its eight surrounding tiles dirty, and
//   their regions are rebuilt on the next query.
//
// Reachability:
//   Reachable walks regions from the start region through exits into
//   regions the profile may enter. The set of regions reached is cached
//   per (profile, start region) and stays valid until one of the chunks
//   the walk looked at is marked dirty.
//
//   A region is treated as connected in every direction inside, so the
//   answer can be true for a goal the search later fails on. It is never
//   false for a goal the search would reach.
//
// ============================================================================

package pathgraph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

// Profile holds the per-agent traversal rules that decide which tiles an
// agent may stand on.
type Profile struct {
	// CollisionMask excludes tiles whose collision layer intersects it.
	CollisionMask uint32
	// Access lists the agent's access tags.
	Access []string
}

// CanEnter reports whether an agent with this profile may stand on t.
func (p Profile) CanEnter(t Tile) bool {
	if t.CollisionLayer&p.CollisionMask != 0 {
		return false
	}
	if len(t.Access) == 0 {
		return true
	}
	for _, tag := range t.Access {
		if slices.Contains(p.Access, tag) {
			return true
		}
	}
	return false
}

func (p Profile) cacheKey() string {
	tags := slices.Clone(p.Access)
	slices.Sort(tags)
	return fmt.Sprintf("%x|%s", p.CollisionMask, strings.Join(tags, ","))
}

// RegionKey identifies a region across rebuilds: its chunk and the lowest
// local tile index it contains.
type RegionKey struct {
	Chunk  ChunkCoord
	Anchor int
}

// Region is a connected group of same-profile tiles inside one chunk.
type Region struct {
	Key   RegionKey
	Tiles int

	profile Tile
	exits   []types.TileCoord
}

// Enterable reports whether p may stand on the region's tiles.
func (r *Region) Enterable(p Profile) bool { return p.CanEnter(r.profile) }

type chunkRegions struct {
	byIndex [ChunkSize * ChunkSize]*Region
}

type reachEntry struct {
	version uint64
	regions map[RegionKey]struct{}
	chunks  map[ChunkCoord]struct{}
}

// RegionStats counts region work for tests and diagnostics.
type RegionStats struct {
	Builds    int
	CacheHits int
	Walks     int
}

type regionIndex struct {
	chunks map[ChunkCoord]*chunkRegions
	dirty  map[ChunkCoord]uint64
	reach  map[string]map[RegionKey]*reachEntry
	stats  RegionStats
}

func newRegionIndex() regionIndex {
	return regionIndex{
		chunks: make(map[ChunkCoord]*chunkRegions),
		dirty:  make(map[ChunkCoord]uint64),
		reach:  make(map[string]map[RegionKey]*reachEntry),
	}
}

// RegionStats returns counters of region builds and reachability walks.
func (g *Graph) RegionStats() RegionStats { return g.regions.stats }

// RegionAt returns the region containing c, building the chunk's regions
// if needed. ok is false for unloaded or blocked tiles.
func (g *Graph) RegionAt(c types.TileCoord) (*Region, bool) {
	mustValid(c)
	n, ok := g.GetNode(c)
	if !ok || !n.Traversable() {
		return nil, false
	}
	cr := g.chunkRegions(ChunkOf(c))
	r := cr.byIndex[localIndex(c)]
	return r, r != nil
}

// Reachable reports whether an agent with profile p standing on from may
// be able to walk to to. False is definite; true may still end in a
// failed search.
func (g *Graph) Reachable(from, to types.TileCoord, p Profile) bool {
	goal, ok := g.GetNode(to)
	if !ok || !goal.Traversable() || !p.CanEnter(goal.Tile()) {
		return false
	}
	start, ok := g.RegionAt(from)
	if !ok {
		return false
	}
	target, _ := g.RegionAt(to)
	if start == target {
		return true
	}
	_, ok = g.reachableFrom(start, p).regions[target.Key]
	return ok
}

func (g *Graph) reachableFrom(start *Region, p Profile) *reachEntry {
	key := p.cacheKey()
	byStart, ok := g.regions.reach[key]
	if !ok {
		byStart = make(map[RegionKey]*reachEntry)
		g.regions.reach[key] = byStart
	}
	if e, ok := byStart[start.Key]; ok && g.fresh(e) {
		g.regions.stats.CacheHits++
		return e
	}

	g.regions.stats.Walks++
	e := &reachEntry{
		version: g.version,
		regions: map[RegionKey]struct{}{start.Key: {}},
		chunks:  map[ChunkCoord]struct{}{start.Key.Chunk: {}},
	}
	seen := map[RegionKey]struct{}{start.Key: {}}
	queue := []*Region{start}
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		for _, x := range r.exits {
			e.chunks[ChunkOf(x)] = struct{}{}
			next, ok := g.RegionAt(x)
			if !ok {
				continue
			}
			if _, dup := seen[next.Key]; dup {
				continue
			}
			seen[next.Key] = struct{}{}
			if !next.Enterable(p) {
				continue
			}
			e.regions[next.Key] = struct{}{}
			queue = append(queue, next)
		}
	}
	byStart[start.Key] = e
	return e
}

func (g *Graph) fresh(e *reachEntry) bool {
	for cc := range e.chunks {
		if g.regions.dirty[cc] > e.version {
			return false
		}
	}
	return true
}

// markRegionsDirty drops the regions of every chunk a change at c can
// affect.
func (g *Graph) markRegionsDirty(c types.TileCoord) {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			t := types.TileCoord{X: c.X + dx, Y: c.Y + dy}
			if !ValidCoord(t) {
				continue
			}
			cc := ChunkOf(t)
			delete(g.regions.chunks, cc)
			g.regions.dirty[cc] = g.version
		}
	}
}

// dropRegions forgets the regions of a pruned chunk. Keys are stable, so
// cached walks still match the regions rebuilt later.
func (g *Graph) dropRegions(cc ChunkCoord) {
	delete(g.regions.chunks, cc)
}

func (g *Graph) chunkRegions(cc ChunkCoord) *chunkRegions {
	if cr, ok := g.regions.chunks[cc]; ok {
		return cr
	}
	cr := g.buildRegions(cc)
	g.regions.chunks[cc] = cr
	g.regions.stats.Builds++
	return cr
}

func (g *Graph) buildRegions(cc ChunkCoord) *chunkRegions {
	const size = ChunkSize * ChunkSize
	origin := cc.Origin()
	coordOf := func(i int) types.TileCoord {
		return types.TileCoord{X: origin.X + (i & chunkMask), Y: origin.Y + (i >> ChunkShift)}
	}

	var nodes [size]*Node
	var parent [size]int
	for i := range parent {
		parent[i] = i
		c := coordOf(i)
		if !ValidCoord(c) {
			continue
		}
		if n, ok := g.GetNode(c); ok && n.Traversable() {
			nodes[i] = n
		}
	}

	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	for i, n := range nodes {
		if n == nil {
			continue
		}
		for _, e := range g.Edges(n) {
			if ChunkOf(e.To) != cc {
				continue
			}
			j := localIndex(e.To)
			if m := nodes[j]; m != nil && sameProfile(n.tile, m.tile) {
				union(i, j)
			}
		}
	}

	cr := &chunkRegions{}
	for i, n := range nodes {
		if n == nil {
			continue
		}
		root := find(i)
		r := cr.byIndex[root]
		if r == nil {
			// Union keeps the lowest index as root, so root is the anchor.
			r = &Region{Key: RegionKey{Chunk: cc, Anchor: root}, profile: n.tile}
			cr.byIndex[root] = r
		}
		cr.byIndex[i] = r
		r.Tiles++
	}

	for i, n := range nodes {
		if n == nil {
			continue
		}
		r := cr.byIndex[i]
		for _, e := range g.Edges(n) {
			if ChunkOf(e.To) == cc && cr.byIndex[localIndex(e.To)] == r {
				continue
			}
			if !slices.Contains(r.exits, e.To) {
				r.exits = append(r.exits, e.To)
			}
		}
	}
	return cr
}

func sameProfile(a, b Tile) bool {
	return a.CollisionLayer == b.CollisionLayer && slices.Equal(a.Access, b.Access)
}
