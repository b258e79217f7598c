package pathfind

import (
	"math"

	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

// Heuristic estimates the remaining cost from a to b.
type Heuristic func(a, b types.TileCoord) float64

// Octile is the exact distance on an open 8-connected grid with unit
// orthogonal and √2 diagonal steps.
func Octile(a, b types.TileCoord) float64 {
	dx := math.Abs(float64(a.X - b.X))
	dy := math.Abs(float64(a.Y - b.Y))
	return (dx + dy) + (math.Sqrt2-2)*math.Min(dx, dy)
}

// Chebyshev counts steps when diagonals cost the same as orthogonals.
func Chebyshev(a, b types.TileCoord) float64 {
	return math.Max(math.Abs(float64(a.X-b.X)), math.Abs(float64(a.Y-b.Y)))
}

// TieBreakFactor nudges the default heuristic so that among equal-f nodes
// the one closer to the goal is preferred.
const TieBreakFactor = 1.0 / 1000

// DefaultHeuristic is Octile scaled by 1+TieBreakFactor.
func DefaultHeuristic(a, b types.TileCoord) float64 {
	return Octile(a, b) * (1 + TieBreakFactor)
}
