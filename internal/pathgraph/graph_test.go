package pathgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

func tc(x, y int) types.TileCoord { return types.TileCoord{X: x, Y: y} }

func mustGrid(t *testing.T, rows ...string) *Grid {
	t.Helper()
	g, err := ParseGrid(rows)
	require.NoError(t, err)
	return g
}

func neighborSet(g *Graph, c types.TileCoord) map[types.TileCoord]bool {
	out := make(map[types.TileCoord]bool)
	n, ok := g.GetNode(c)
	if !ok {
		return out
	}
	for _, m := range g.GetNeighbors(n) {
		out[m.Coord] = true
	}
	return out
}

type countingObserver struct {
	chunks      int
	invalidated int
}

func (o *countingObserver) GraphChunks(n int)      { o.chunks = n }
func (o *countingObserver) GraphInvalidated(n int) { o.invalidated += n }

func TestChunkOf(t *testing.T) {
	tests := []struct {
		tile types.TileCoord
		want ChunkCoord
	}{
		{tc(0, 0), ChunkCoord{0, 0}},
		{tc(15, 15), ChunkCoord{0, 0}},
		{tc(16, 15), ChunkCoord{1, 0}},
		{tc(-1, -1), ChunkCoord{-1, -1}},
		{tc(-16, -17), ChunkCoord{-1, -2}},
		{tc(33, -33), ChunkCoord{2, -3}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChunkOf(tt.tile), "tile %s", tt.tile)
	}
	assert.Equal(t, tc(-16, 32), ChunkCoord{-1, 2}.Origin())
}

func TestGraph_UnloadedTilesHaveNoNode(t *testing.T) {
	g := New(mustGrid(t, "..", ".~"))

	_, ok := g.GetChunk(tc(50, 50))
	assert.False(t, ok)
	assert.Equal(t, 0, g.ChunkCount())

	_, ok = g.GetNode(tc(1, 1))
	assert.False(t, ok, "void tile inside a loaded chunk")

	n, ok := g.GetNode(tc(0, 0))
	require.True(t, ok)
	assert.Equal(t, tc(0, 0), n.Coord)
	assert.Len(t, g.GetNeighbors(n), 2)
}

func TestGraph_InvalidCoordinatePanics(t *testing.T) {
	g := New(NewGrid())
	assert.Panics(t, func() { g.GetNode(tc(MaxCoord, 0)) })
	assert.Panics(t, func() { g.OnTileChanged(tc(0, -MaxCoord)) })
}

func TestGraph_NeighborSymmetry(t *testing.T) {
	grid := mustGrid(t,
		"..#.....#...........",
		".#..##....#.....#...",
		"....#..t....,,......",
		"##.....#....#.#.....",
		"...D...#.......#..#.",
		".#......~~.....#....",
	)
	g := New(grid)

	grid.Each(func(c types.TileCoord, _ Tile) {
		for m := range neighborSet(g, c) {
			assert.True(t, neighborSet(g, m)[c], "%s lists %s but not the reverse", c, m)
		}
	})
	assert.Greater(t, g.ChunkCount(), 1, "map spans a chunk border")
}

func TestGraph_DiagonalCornerRule(t *testing.T) {
	tests := []struct {
		name string
		rows []string
		want bool
	}{
		{"both corners open", []string{"..", ".."}, true},
		{"east corner blocked", []string{".#", ".."}, true},
		{"south corner blocked", []string{"..", "#."}, true},
		{"both corners blocked", []string{".#", "#."}, false},
		{"corner unloaded counts as blocked", []string{".~", "~."}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(mustGrid(t, tt.rows...))
			assert.Equal(t, tt.want, neighborSet(g, tc(0, 0))[tc(1, 1)])
			assert.Equal(t, tt.want, neighborSet(g, tc(1, 1))[tc(0, 0)])
		})
	}
}

func TestGraph_EdgeCosts(t *testing.T) {
	g := New(mustGrid(t, ".,", ".."))
	n, ok := g.GetNode(tc(0, 0))
	require.True(t, ok)

	costs := make(map[types.TileCoord]float64)
	for _, e := range g.Edges(n) {
		costs[e.To] = e.Cost
	}
	assert.InDelta(t, RoughFactor, costs[tc(1, 0)], 1e-9)
	assert.InDelta(t, 1.0, costs[tc(0, 1)], 1e-9)
	assert.InDelta(t, 1.41421356, costs[tc(1, 1)], 1e-6)
}

func TestTile_StepCostFloorsAtOne(t *testing.T) {
	tests := []struct {
		cost float64
		want float64
	}{
		{0, 1},
		{-2, 1},
		{0.25, 1},
		{1, 1},
		{RoughFactor, RoughFactor},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Tile{Cost: tt.cost}.StepCost(), "cost %v", tt.cost)
	}

	grid := mustGrid(t, "..")
	grid.Set(tc(1, 0), Tile{Cost: 0.1})
	g := New(grid)
	n, ok := g.GetNode(tc(0, 0))
	require.True(t, ok)
	for _, e := range g.Edges(n) {
		assert.GreaterOrEqual(t, e.Cost, 1.0, "edge to %s", e.To)
	}
}

func TestGraph_OneWayEdges(t *testing.T) {
	g := New(mustGrid(t,
		"...",
		".>.",
		"...",
	))

	assert.True(t, neighborSet(g, tc(0, 1))[tc(1, 1)], "entering eastward is allowed")
	assert.False(t, neighborSet(g, tc(2, 1))[tc(1, 1)], "entering westward is not")
	assert.True(t, neighborSet(g, tc(1, 1))[tc(2, 1)], "leaving is unrestricted")
	assert.True(t, neighborSet(g, tc(1, 1))[tc(0, 1)])

	assert.True(t, g.IsOneWay(tc(1, 1), tc(2, 1)))
	assert.False(t, g.IsOneWay(tc(0, 1), tc(1, 1)))
	assert.False(t, g.IsOneWay(tc(0, 0), tc(1, 0)))
}

func TestGraph_InvalidationIsLocal(t *testing.T) {
	grid := mustGrid(t,
		".......",
		".......",
		".......",
		".......",
		".......",
		".......",
		".......",
	)
	obs := &countingObserver{}
	g := New(grid, WithObserver(obs))

	before := make(map[types.TileCoord]map[types.TileCoord]bool)
	grid.Each(func(c types.TileCoord, _ Tile) { before[c] = neighborSet(g, c) })

	center := tc(3, 3)
	grid.Set(center, Tile{Blocked: true})
	g.OnTileChanged(center)
	assert.Equal(t, uint64(1), g.Version())
	assert.Equal(t, 9, obs.invalidated)

	for c := range before {
		n, ok := g.GetNode(c)
		require.True(t, ok)
		dx, dy := c.X-center.X, c.Y-center.Y
		near := dx >= -1 && dx <= 1 && dy >= -1 && dy <= 1
		if !near {
			assert.True(t, n.edgesValid, "%s is two or more tiles away and must keep its cache", c)
		}
	}

	// Recomputed sets reflect the wall, everything else is untouched.
	for c, old := range before {
		now := neighborSet(g, c)
		if c == center {
			assert.Empty(t, now)
			continue
		}
		want := make(map[types.TileCoord]bool)
		for m := range old {
			if m != center {
				want[m] = true
			}
		}
		assert.Equal(t, want, now, "neighbours of %s", c)
	}
}

func TestGraph_QueuedUpdatesApplyBetweenTicks(t *testing.T) {
	grid := mustGrid(t, "...", "...", "...")
	g := New(grid)
	require.True(t, neighborSet(g, tc(0, 0))[tc(1, 0)])
	require.True(t, neighborSet(g, tc(1, 1))[tc(2, 2)])

	grid.Set(tc(1, 0), Tile{Blocked: true})
	grid.Set(tc(2, 2), Tile{Blocked: true})
	g.QueueTileChange(tc(1, 0))
	g.QueueTileChange(tc(1, 0))
	g.QueueTileChange(tc(2, 2))
	assert.Equal(t, 2, g.PendingUpdates())

	assert.True(t, neighborSet(g, tc(0, 0))[tc(1, 0)], "cache is stale until updates are applied")

	assert.Equal(t, 1, g.ApplyUpdates(1))
	assert.Equal(t, 1, g.PendingUpdates())
	assert.False(t, neighborSet(g, tc(0, 0))[tc(1, 0)])
	assert.True(t, neighborSet(g, tc(1, 1))[tc(2, 2)])

	assert.Equal(t, 1, g.ApplyUpdates(0))
	assert.Equal(t, 0, g.PendingUpdates())
	assert.False(t, neighborSet(g, tc(1, 1))[tc(2, 2)])
}

func TestGraph_ChangedSince(t *testing.T) {
	g := New(mustGrid(t, "...."), WithChangeLogSize(2))

	coords, complete := g.ChangedSince(0)
	assert.True(t, complete)
	assert.Empty(t, coords)

	g.OnTileChanged(tc(0, 0))
	g.OnTileChanged(tc(1, 0))
	coords, complete = g.ChangedSince(0)
	assert.True(t, complete)
	assert.Equal(t, []types.TileCoord{tc(0, 0), tc(1, 0)}, coords)

	g.OnTileChanged(tc(2, 0))
	coords, complete = g.ChangedSince(1)
	assert.True(t, complete)
	assert.Equal(t, []types.TileCoord{tc(1, 0), tc(2, 0)}, coords)

	_, complete = g.ChangedSince(0)
	assert.False(t, complete, "version 1 fell out of the log")
}

func TestGraph_ChunkAdjacencyAndPrune(t *testing.T) {
	grid := NewGrid()
	for x := 0; x < 2*ChunkSize; x++ {
		grid.Set(tc(x, 0), Tile{})
	}
	obs := &countingObserver{}
	g := New(grid, WithObserver(obs))

	left, ok := g.GetChunk(tc(0, 0))
	require.True(t, ok)
	right, ok := g.GetChunk(tc(ChunkSize, 0))
	require.True(t, ok)
	assert.Equal(t, []*Chunk{right}, left.Neighbors())
	assert.Equal(t, []*Chunk{left}, right.Neighbors())
	assert.Equal(t, 2, obs.chunks)

	require.True(t, g.Acquire(left.Coord))
	assert.False(t, g.Acquire(ChunkCoord{9, 9}))
	assert.Equal(t, 1, g.Prune())
	assert.Equal(t, 1, g.ChunkCount())
	assert.Empty(t, left.Neighbors())
	assert.Equal(t, 1, obs.chunks)

	g.Release(left.Coord)
	assert.Equal(t, 0, left.Refs())
	assert.Equal(t, 1, g.Prune())
	assert.Equal(t, 0, g.ChunkCount())

	// Pruned chunks rebuild on demand.
	n, ok := g.GetNode(tc(ChunkSize-1, 0))
	require.True(t, ok)
	assert.Len(t, g.GetNeighbors(n), 2)
}

func TestParseGrid(t *testing.T) {
	rows := []string{
		".#D~",
		"t,><",
		"^v..",
	}
	g := mustGrid(t, rows...)
	assert.Equal(t, 11, g.Len())

	tile, ok := g.Tile(tc(2, 0))
	require.True(t, ok)
	assert.Equal(t, []string{DoorAccess}, tile.Access)

	tile, _ = g.Tile(tc(1, 2))
	assert.Equal(t, types.DirSouth, tile.OneWay)

	assert.Equal(t, rows, FormatGrid(g))

	_, err := ParseGrid([]string{"..x"})
	assert.ErrorIs(t, err, ErrUnknownGlyph)
}
