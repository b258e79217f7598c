package sim

import (
	"github.com/ChuLiYu/beaver-nav/internal/pathgraph"
	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

// World pairs the authoritative tile grid with the path graph built over
// it. Tile edits go through World so the graph hears about them.
type World struct {
	grid  *pathgraph.Grid
	graph *pathgraph.Graph
}

// NewWorld builds a graph over grid.
func NewWorld(grid *pathgraph.Grid, opts ...pathgraph.Option) *World {
	return &World{grid: grid, graph: pathgraph.New(grid, opts...)}
}

func (w *World) Grid() *pathgraph.Grid   { return w.grid }
func (w *World) Graph() *pathgraph.Graph { return w.graph }

// Tile reads the grid directly, ignoring updates the graph has not applied.
func (w *World) Tile(c types.TileCoord) (pathgraph.Tile, bool) {
	return w.grid.Tile(c)
}

// SetTile changes a tile. The graph sees it at the start of the next tick.
func (w *World) SetTile(c types.TileCoord, t pathgraph.Tile) {
	w.grid.Set(c, t)
	w.graph.QueueTileChange(c)
}

// RemoveTile deletes a tile from the world.
func (w *World) RemoveTile(c types.TileCoord) {
	w.grid.Remove(c)
	w.graph.QueueTileChange(c)
}
