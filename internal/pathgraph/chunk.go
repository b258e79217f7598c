package pathgraph

import (
	"fmt"

	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

const (
	// ChunkShift is log2 of the chunk edge length.
	ChunkShift = 4
	// ChunkSize is the chunk edge length in tiles.
	ChunkSize = 1 << ChunkShift
	chunkMask = ChunkSize - 1

	// MaxCoord bounds valid tile coordinates to (-MaxCoord, MaxCoord).
	MaxCoord = 1 << 28
)

// ChunkCoord addresses a chunk in chunk space.
type ChunkCoord struct {
	X, Y int
}

func (c ChunkCoord) String() string { return fmt.Sprintf("chunk(%d,%d)", c.X, c.Y) }

// ChunkOf maps a tile to its chunk. The arithmetic shift keeps negative
// coordinates in the right chunk.
func ChunkOf(c types.TileCoord) ChunkCoord {
	return ChunkCoord{X: c.X >> ChunkShift, Y: c.Y >> ChunkShift}
}

// Origin returns the chunk's minimum tile.
func (c ChunkCoord) Origin() types.TileCoord {
	return types.TileCoord{X: c.X << ChunkShift, Y: c.Y << ChunkShift}
}

func localIndex(c types.TileCoord) int {
	return (c.Y&chunkMask)<<ChunkShift | (c.X & chunkMask)
}

// ValidCoord reports whether c lies inside the addressable tile range.
func ValidCoord(c types.TileCoord) bool {
	return c.X > -MaxCoord && c.X < MaxCoord && c.Y > -MaxCoord && c.Y < MaxCoord
}

func mustValid(c types.TileCoord) {
	if !ValidCoord(c) {
		panic(fmt.Sprintf("pathgraph: tile coordinate %s out of range", c))
	}
}

// Chunk is a ChunkSize×ChunkSize block of lazily built nodes.
type Chunk struct {
	Coord ChunkCoord

	nodes [ChunkSize * ChunkSize]*Node
	adj   [8]*Chunk
	refs  int
}

// Neighbors returns the adjacent chunks that currently exist.
func (ch *Chunk) Neighbors() []*Chunk {
	out := make([]*Chunk, 0, 8)
	for _, n := range ch.adj {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

// Refs returns the number of outstanding Acquire calls.
func (ch *Chunk) Refs() int { return ch.refs }

func (ch *Chunk) node(c types.TileCoord) *Node {
	return ch.nodes[localIndex(c)]
}

// Node is one tile of the graph with its cached tile data and edges.
type Node struct {
	Coord types.TileCoord

	tile       Tile
	present    bool
	tileValid  bool
	edges      []Edge
	edgesValid bool
}

// Tile returns the cached tile data.
func (n *Node) Tile() Tile { return n.tile }

// Traversable reports whether the tile exists and is not blocked.
func (n *Node) Traversable() bool { return n.present && !n.tile.Blocked }

func (n *Node) invalidate() {
	n.tileValid = false
	n.edgesValid = false
	n.edges = nil
}

// Edge is a directed move from a node to one of its neighbours.
type Edge struct {
	To   types.TileCoord
	Dir  types.Direction
	Cost float64
}
