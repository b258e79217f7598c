package pathgraph

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

var (
	// ErrUnknownGlyph is returned by ParseGrid for characters outside the legend.
	ErrUnknownGlyph = errors.New("unknown map glyph")
)

// Tile is the navigation-relevant state of one world tile.
type Tile struct {
	Blocked bool `yaml:"blocked,omitempty"`
	// CollisionLayer blocks agents whose collision mask intersects it.
	CollisionLayer uint32 `yaml:"collision_layer,omitempty"`
	// Access lists tags of which an agent needs at least one to enter.
	Access []string `yaml:"access,omitempty"`
	// OneWay restricts entry to moves in this direction.
	OneWay types.Direction `yaml:"one_way,omitempty"`
	// Cost multiplies the step cost into this tile. Values below 1 count as 1.
	Cost float64 `yaml:"cost,omitempty"`
}

// StepCost returns the multiplier applied to moves entering the tile.
func (t Tile) StepCost() float64 {
	if t.Cost < 1 {
		return 1
	}
	return t.Cost
}

// Equal reports whether two tiles have identical navigation state.
func (t Tile) Equal(o Tile) bool {
	return t.Blocked == o.Blocked &&
		t.CollisionLayer == o.CollisionLayer &&
		t.OneWay == o.OneWay &&
		t.StepCost() == o.StepCost() &&
		slices.Equal(t.Access, o.Access)
}

// TileSource answers tile queries for the graph. ok is false for tiles in
// unloaded or out-of-bounds regions.
type TileSource interface {
	Tile(c types.TileCoord) (Tile, bool)
}

// Grid is an in-memory TileSource. It does not notify any graph; callers
// report changes through Graph.OnTileChanged or Graph.QueueTileChange.
type Grid struct {
	tiles map[types.TileCoord]Tile
}

func NewGrid() *Grid {
	return &Grid{tiles: make(map[types.TileCoord]Tile)}
}

func (g *Grid) Tile(c types.TileCoord) (Tile, bool) {
	t, ok := g.tiles[c]
	return t, ok
}

// Set stores t at c, loading the tile if it was absent.
func (g *Grid) Set(c types.TileCoord, t Tile) { g.tiles[c] = t }

// Remove unloads the tile at c.
func (g *Grid) Remove(c types.TileCoord) { delete(g.tiles, c) }

// Len returns the number of loaded tiles.
func (g *Grid) Len() int { return len(g.tiles) }

// Each calls fn for every loaded tile in unspecified order.
func (g *Grid) Each(fn func(types.TileCoord, Tile)) {
	for c, t := range g.tiles {
		fn(c, t)
	}
}

// Bounds returns the inclusive min and max loaded coordinates.
func (g *Grid) Bounds() (minC, maxC types.TileCoord, ok bool) {
	first := true
	for c := range g.tiles {
		if first {
			minC, maxC, first = c, c, false
			continue
		}
		minC.X, minC.Y = min(minC.X, c.X), min(minC.Y, c.Y)
		maxC.X, maxC.Y = max(maxC.X, c.X), max(maxC.Y, c.Y)
	}
	return minC, maxC, !first
}

// Map legend shared by ParseGrid and FormatGrid.
const (
	GlyphFloor  = '.'
	GlyphWall   = '#'
	GlyphVoid   = '~'
	GlyphDoor   = 'D'
	GlyphTable  = 't'
	GlyphRough  = ','
	GlyphEast   = '>'
	GlyphWest   = '<'
	GlyphNorth  = '^'
	GlyphSouth  = 'v'
	DoorAccess  = "door"
	TableLayer  = uint32(1)
	RoughFactor = 3.0
)

// ParseGrid builds a Grid from text rows, row 0 at y=0, using the map
// legend. Void glyphs leave the tile unloaded.
func ParseGrid(rows []string) (*Grid, error) {
	g := NewGrid()
	for y, row := range rows {
		for x, r := range row {
			c := types.TileCoord{X: x, Y: y}
			var t Tile
			switch r {
			case GlyphVoid:
				continue
			case GlyphFloor:
			case GlyphWall:
				t.Blocked = true
			case GlyphDoor:
				t.Access = []string{DoorAccess}
			case GlyphTable:
				t.CollisionLayer = TableLayer
			case GlyphRough:
				t.Cost = RoughFactor
			case GlyphEast:
				t.OneWay = types.DirEast
			case GlyphWest:
				t.OneWay = types.DirWest
			case GlyphNorth:
				t.OneWay = types.DirNorth
			case GlyphSouth:
				t.OneWay = types.DirSouth
			default:
				return nil, fmt.Errorf("%w %q at %s", ErrUnknownGlyph, r, c)
			}
			g.Set(c, t)
		}
	}
	return g, nil
}

// FormatGrid renders the rectangle from (0,0) to the grid's max bound back
// into legend rows. Tiles the legend cannot express render as floor.
func FormatGrid(g *Grid) []string {
	_, maxC, ok := g.Bounds()
	if !ok {
		return nil
	}
	rows := make([]string, 0, maxC.Y+1)
	for y := 0; y <= maxC.Y; y++ {
		var b strings.Builder
		for x := 0; x <= maxC.X; x++ {
			t, ok := g.Tile(types.TileCoord{X: x, Y: y})
			b.WriteRune(glyphOf(t, ok))
		}
		rows = append(rows, b.String())
	}
	return rows
}

func glyphOf(t Tile, ok bool) rune {
	switch {
	case !ok:
		return GlyphVoid
	case t.Blocked:
		return GlyphWall
	case len(t.Access) > 0:
		return GlyphDoor
	case t.CollisionLayer != 0:
		return GlyphTable
	case t.OneWay == types.DirEast:
		return GlyphEast
	case t.OneWay == types.DirWest:
		return GlyphWest
	case t.OneWay == types.DirNorth:
		return GlyphNorth
	case t.OneWay == types.DirSouth:
		return GlyphSouth
	case t.StepCost() > 1:
		return GlyphRough
	default:
		return GlyphFloor
	}
}
