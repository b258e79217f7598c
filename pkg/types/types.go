// Package types defines the core value types shared across beaver-nav:
// job identity and lifecycle status, and tile-space coordinates.
package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// JobID uniquely identifies a scheduled job.
type JobID string

// NewJobID returns a fresh random job identifier.
func NewJobID() JobID {
	return JobID(uuid.NewString())
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusPending  JobStatus = "pending"  // created, never run
	StatusRunning  JobStatus = "running"  // has run at least once and wants another step
	StatusWaiting  JobStatus = "waiting"  // parked until something external wakes it
	StatusFinished JobStatus = "finished" // terminal, result available
	StatusFailed   JobStatus = "failed"   // terminal, error available
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// TileCoord addresses one tile of the world grid.
type TileCoord struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Add returns the coordinate offset by d.
func (c TileCoord) Add(d TileCoord) TileCoord {
	return TileCoord{X: c.X + d.X, Y: c.Y + d.Y}
}

func (c TileCoord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// ParseTileCoord parses the "x,y" form used by the CLI and config files.
// Both parts must be whole integers; anything left over is an error.
func ParseTileCoord(s string) (TileCoord, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return TileCoord{}, fmt.Errorf("invalid tile coordinate %q: want x,y", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return TileCoord{}, fmt.Errorf("invalid tile coordinate %q: %w", s, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return TileCoord{}, fmt.Errorf("invalid tile coordinate %q: %w", s, err)
	}
	return TileCoord{X: x, Y: y}, nil
}

// Direction is one of the eight compass directions, or DirNone.
type Direction uint8

const (
	DirNone Direction = iota
	DirNorth
	DirNorthEast
	DirEast
	DirSouthEast
	DirSouth
	DirSouthWest
	DirWest
	DirNorthWest
)

var dirOffsets = [...]TileCoord{
	DirNone:      {0, 0},
	DirNorth:     {0, -1},
	DirNorthEast: {1, -1},
	DirEast:      {1, 0},
	DirSouthEast: {1, 1},
	DirSouth:     {0, 1},
	DirSouthWest: {-1, 1},
	DirWest:      {-1, 0},
	DirNorthWest: {-1, -1},
}

// Directions lists the eight movement directions in clockwise order from north.
var Directions = [8]Direction{
	DirNorth, DirNorthEast, DirEast, DirSouthEast,
	DirSouth, DirSouthWest, DirWest, DirNorthWest,
}

// Offset returns the unit tile offset for the direction.
func (d Direction) Offset() TileCoord {
	if int(d) >= len(dirOffsets) {
		return TileCoord{}
	}
	return dirOffsets[d]
}

// Diagonal reports whether the direction moves along both axes.
func (d Direction) Diagonal() bool {
	o := d.Offset()
	return o.X != 0 && o.Y != 0
}

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	if d == DirNone {
		return DirNone
	}
	return Direction((int(d)-1+4)%8 + 1)
}

// DirectionOf returns the direction of a unit step from a to b, or DirNone
// when b is not one of a's eight neighbours.
func DirectionOf(a, b TileCoord) Direction {
	dx, dy := b.X-a.X, b.Y-a.Y
	for _, d := range Directions {
		o := d.Offset()
		if o.X == dx && o.Y == dy {
			return d
		}
	}
	return DirNone
}

var dirNames = [...]string{"none", "n", "ne", "e", "se", "s", "sw", "w", "nw"}

func (d Direction) String() string {
	if int(d) >= len(dirNames) {
		return "invalid"
	}
	return dirNames[d]
}
