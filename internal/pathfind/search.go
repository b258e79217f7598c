// ============================================================================
// Beaver-Nav Path Search - Time-Sliced A*
// ============================================================================
//
// Package: internal/pathfind
// File: search.go
// Function: A* over the chunked path graph, run as a scheduler job that
//           expands a bounded batch of nodes per Run and keeps its frontier
//           on the job between calls
//
// State kept across Run calls:
//   open    - min-heap on (f, insertion seq)
//   gScore  - best known cost per reached tile
//   parent  - came-from links for path reconstruction
//   closed  - expanded tiles
//
// Determinism:
//   Expansion order depends only on (f, seq) and the fixed neighbour order
//   of the graph, so the resulting path is the same for any batch size.
//
// Graph changes:
//   Each Run first compares the graph version with the one the frontier
//   was built on. If a changed tile lies within one tile of anything the
//   search has reached, the search restarts from the start tile. The
//   frontier is never patched in place.
//
// Termination:
//   Failed(ErrNoPath)     goal region unreachable (CheckReachable only)
//   Finished(Path)        goal popped from the open set
//   Failed(ErrNoPath)     open set exhausted
//   Failed(ErrSearchLimit) Args.MaxExpansions reached
//   No partial path is delivered on failure. ClosestApproach is the
//   explicit fallback query.
//
// ============================================================================

package pathfind

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ChuLiYu/beaver-nav/internal/jobqueue"
	"github.com/ChuLiYu/beaver-nav/internal/pathgraph"
	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

var (
	// ErrNoPath means the goal is unreachable for the requesting agent.
	ErrNoPath = errors.New("no path")
	// ErrSearchLimit means the search gave up after Args.MaxExpansions.
	ErrSearchLimit = errors.New("search expansion limit reached")
)

// DefaultBatchSize is the number of expansions per Run when unset.
const DefaultBatchSize = 32

// Args are per-agent traversal rules applied on top of the graph.
type Args struct {
	// CollisionMask excludes tiles whose collision layer intersects it.
	CollisionMask uint32
	// Access lists the agent's access tags.
	Access []string
	// MaxExpansions bounds the search. Zero means unbounded.
	MaxExpansions int
}

// Profile returns the traversal rules of a for region queries.
func (a Args) Profile() pathgraph.Profile {
	return pathgraph.Profile{CollisionMask: a.CollisionMask, Access: a.Access}
}

// CanEnter reports whether an agent with these args may stand on t.
func (a Args) CanEnter(t pathgraph.Tile) bool { return a.Profile().CanEnter(t) }

// Path is a successful search result. Tiles includes start and goal.
type Path struct {
	Tiles    []types.TileCoord
	Cost     float64
	Expanded int
	Restarts int
}

// Steps returns the number of moves along the path.
func (p Path) Steps() int {
	if len(p.Tiles) == 0 {
		return 0
	}
	return len(p.Tiles) - 1
}

// Observer is told when a search throws its frontier away.
type Observer interface {
	PathRestarted()
}

// Request describes one path search.
type Request struct {
	Start, Goal types.TileCoord
	Args        Args
	BatchSize   int
	Heuristic   Heuristic
	Observer    Observer
	OnComplete  func(Path, error)
	// CheckReachable rejects goals in regions the agent cannot reach
	// before any node is expanded.
	CheckReachable bool
}

// SearchJob is an incremental A* search. Create it with NewSearchJob and
// hand it to a jobqueue.Scheduler.
type SearchJob struct {
	jobqueue.BaseJob[Path]

	graph *pathgraph.Graph
	req   Request

	open     openSet
	gScore   map[types.TileCoord]float64
	parent   map[types.TileCoord]types.TileCoord
	closed   map[types.TileCoord]struct{}
	seq      uint64
	expanded int
	restarts int
	version  uint64
	started  bool

	held map[pathgraph.ChunkCoord]struct{}
}

// NewSearchJob creates a pending search over graph. A nil graph panics.
func NewSearchJob(graph *pathgraph.Graph, req Request) *SearchJob {
	if graph == nil {
		panic("pathfind: nil graph")
	}
	if req.BatchSize <= 0 {
		req.BatchSize = DefaultBatchSize
	}
	if req.Heuristic == nil {
		req.Heuristic = DefaultHeuristic
	}
	return &SearchJob{
		BaseJob: jobqueue.NewBaseJob(req.OnComplete),
		graph:   graph,
		req:     req,
		held:    make(map[pathgraph.ChunkCoord]struct{}),
	}
}

// Request returns the request the job was created with.
func (j *SearchJob) Request() Request { return j.req }

// Expanded returns the number of nodes expanded so far, across restarts.
func (j *SearchJob) Expanded() int { return j.expanded }

// Run expands up to BatchSize nodes.
func (j *SearchJob) Run() types.JobStatus {
	if j.Done() {
		return j.Status()
	}
	j.Step()

	if !j.started {
		j.started = true
		if status, done := j.begin(); done {
			return status
		}
	} else if j.stale() {
		j.restart()
	}

	for budget := j.req.BatchSize; budget > 0; {
		if j.open.Len() == 0 {
			return j.fail(ErrNoPath)
		}
		if limit := j.req.Args.MaxExpansions; limit > 0 && j.expanded >= limit {
			return j.fail(fmt.Errorf("%w after %d expansions", ErrSearchLimit, j.expanded))
		}

		item := j.open.pop()
		if _, done := j.closed[item.coord]; done {
			continue
		}
		if item.coord == j.req.Goal {
			return j.finish(item.g)
		}

		j.closed[item.coord] = struct{}{}
		j.expanded++
		budget--
		j.expand(item)
	}
	return j.Continue()
}

// begin validates the endpoints and seeds the frontier.
func (j *SearchJob) begin() (types.JobStatus, bool) {
	j.reset()

	start, ok := j.graph.GetNode(j.req.Start)
	if !ok || !start.Traversable() {
		return j.fail(fmt.Errorf("%w: start %s is not walkable", ErrNoPath, j.req.Start)), true
	}
	goal, ok := j.graph.GetNode(j.req.Goal)
	if !ok || !goal.Traversable() || !j.req.Args.CanEnter(goal.Tile()) {
		return j.fail(fmt.Errorf("%w: goal %s is not enterable", ErrNoPath, j.req.Goal)), true
	}
	if j.req.Start == j.req.Goal {
		return j.finish(0), true
	}
	if j.req.CheckReachable && !j.graph.Reachable(j.req.Start, j.req.Goal, j.req.Args.Profile()) {
		return j.fail(fmt.Errorf("%w: %s cannot reach %s", ErrNoPath, j.req.Start, j.req.Goal)), true
	}
	return "", false
}

func (j *SearchJob) reset() {
	j.open = j.open[:0]
	j.gScore = make(map[types.TileCoord]float64)
	j.parent = make(map[types.TileCoord]types.TileCoord)
	j.closed = make(map[types.TileCoord]struct{})
	j.version = j.graph.Version()

	j.gScore[j.req.Start] = 0
	j.push(j.req.Start, 0)
}

func (j *SearchJob) restart() {
	j.restarts++
	if j.req.Observer != nil {
		j.req.Observer.PathRestarted()
	}
	j.reset()
}

// stale reports whether a graph change since the frontier was built lies
// within one tile of a reached tile.
func (j *SearchJob) stale() bool {
	if j.graph.Version() == j.version {
		return false
	}
	changed, complete := j.graph.ChangedSince(j.version)
	j.version = j.graph.Version()
	if !complete {
		return true
	}
	for _, c := range changed {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if _, reached := j.gScore[types.TileCoord{X: c.X + dx, Y: c.Y + dy}]; reached {
					return true
				}
			}
		}
	}
	return false
}

func (j *SearchJob) push(c types.TileCoord, g float64) {
	j.seq++
	j.open.push(openItem{coord: c, g: g, f: g + j.req.Heuristic(c, j.req.Goal), seq: j.seq})
}

func (j *SearchJob) expand(item openItem) {
	node, ok := j.graph.GetNode(item.coord)
	if !ok {
		return
	}
	j.hold(pathgraph.ChunkOf(item.coord))

	for _, e := range j.graph.Edges(node) {
		if _, done := j.closed[e.To]; done {
			continue
		}
		next, ok := j.graph.GetNode(e.To)
		if !ok || !j.req.Args.CanEnter(next.Tile()) {
			continue
		}
		g := item.g + e.Cost
		if old, seen := j.gScore[e.To]; seen && g >= old {
			continue
		}
		j.gScore[e.To] = g
		j.parent[e.To] = item.coord
		j.push(e.To, g)
	}
}

func (j *SearchJob) hold(cc pathgraph.ChunkCoord) {
	if _, ok := j.held[cc]; ok {
		return
	}
	if j.graph.Acquire(cc) {
		j.held[cc] = struct{}{}
	}
}

func (j *SearchJob) release() {
	for cc := range j.held {
		j.graph.Release(cc)
	}
	clear(j.held)
}

func (j *SearchJob) finish(cost float64) types.JobStatus {
	j.release()
	return j.Finish(Path{
		Tiles:    j.reconstruct(j.req.Goal),
		Cost:     cost,
		Expanded: j.expanded,
		Restarts: j.restarts,
	})
}

func (j *SearchJob) fail(err error) types.JobStatus {
	j.release()
	return j.Fail(err)
}

// Abort releases held chunks before failing the job.
func (j *SearchJob) Abort(err error) {
	j.release()
	j.BaseJob.Abort(err)
}

func (j *SearchJob) reconstruct(end types.TileCoord) []types.TileCoord {
	tiles := []types.TileCoord{end}
	for c := end; c != j.req.Start; {
		c = j.parent[c]
		tiles = append(tiles, c)
	}
	slices.Reverse(tiles)
	return tiles
}

// ClosestApproach returns the path to the expanded tile nearest the goal
// by heuristic distance, breaking ties by lower path cost. ok is false if
// nothing has been expanded.
func (j *SearchJob) ClosestApproach() (Path, bool) {
	if len(j.closed) == 0 {
		return Path{}, false
	}
	var (
		best  types.TileCoord
		bestH float64
		bestG float64
		found bool
	)
	for c := range j.closed {
		h, g := j.req.Heuristic(c, j.req.Goal), j.gScore[c]
		if !found || h < bestH || (h == bestH && g < bestG) ||
			(h == bestH && g == bestG && lessCoord(c, best)) {
			best, bestH, bestG, found = c, h, g, true
		}
	}
	return Path{
		Tiles:    j.reconstruct(best),
		Cost:     bestG,
		Expanded: j.expanded,
		Restarts: j.restarts,
	}, true
}

func lessCoord(a, b types.TileCoord) bool {
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}
