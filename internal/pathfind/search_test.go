package pathfind

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-nav/internal/jobqueue"
	"github.com/ChuLiYu/beaver-nav/internal/pathgraph"
	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

func tc(x, y int) types.TileCoord { return types.TileCoord{X: x, Y: y} }

func newWorld(t *testing.T, rows ...string) (*pathgraph.Grid, *pathgraph.Graph) {
	t.Helper()
	grid, err := pathgraph.ParseGrid(rows)
	require.NoError(t, err)
	return grid, pathgraph.New(grid)
}

// drive runs the job directly until it is terminal and returns the number
// of Run calls it took.
func drive(t *testing.T, j *SearchJob) int {
	t.Helper()
	calls := 0
	for !j.Done() {
		j.Run()
		calls++
		require.Less(t, calls, 100000, "search did not terminate")
	}
	return calls
}

type restartCounter struct{ n int }

func (r *restartCounter) PathRestarted() { r.n++ }

var openFive = []string{
	".....",
	".....",
	".....",
	".....",
	".....",
}

var maze = []string{
	"..........#.....",
	".######...#..#..",
	".#....#...#..#..",
	".#.##.#.###..#..",
	".#..#.#......#..",
	".####.########..",
	"................",
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestSearch_OpenGrid(t *testing.T) {
	_, g := newWorld(t, openFive...)
	j := NewSearchJob(g, Request{Start: tc(0, 0), Goal: tc(4, 4)})
	drive(t, j)

	p, err := j.Result()
	require.NoError(t, err)
	assert.Equal(t, types.StatusFinished, j.Status())
	assert.Equal(t, 4, p.Steps())
	assert.Equal(t, []types.TileCoord{tc(0, 0), tc(1, 1), tc(2, 2), tc(3, 3), tc(4, 4)}, p.Tiles)
	assert.InDelta(t, 4*math.Sqrt2, p.Cost, 1e-9)
}

func TestSearch_RoutesThroughWallGap(t *testing.T) {
	_, g := newWorld(t,
		".....",
		".....",
		".####",
		".....",
		".....",
	)
	j := NewSearchJob(g, Request{Start: tc(0, 0), Goal: tc(4, 4)})
	drive(t, j)

	p, err := j.Result()
	require.NoError(t, err)
	assert.Contains(t, p.Tiles, tc(0, 2))
	assert.Equal(t, tc(0, 0), p.Tiles[0])
	assert.Equal(t, tc(4, 4), p.Tiles[len(p.Tiles)-1])
}

func TestSearch_DeterministicUnderSuspension(t *testing.T) {
	var want Path
	for i, batch := range []int{1, 2, 7, 32, 100000} {
		_, g := newWorld(t, maze...)
		j := NewSearchJob(g, Request{Start: tc(2, 2), Goal: tc(15, 0), BatchSize: batch})
		calls := drive(t, j)

		p, err := j.Result()
		require.NoError(t, err, "batch %d", batch)
		if batch == 1 {
			assert.Greater(t, calls, 10, "batch 1 must take many slices")
		}
		if i == 0 {
			want = p
			continue
		}
		assert.Equal(t, want.Tiles, p.Tiles, "batch %d", batch)
		assert.Equal(t, want.Expanded, p.Expanded, "batch %d", batch)
		assert.Equal(t, want.Cost, p.Cost, "batch %d", batch)
	}
}

func TestSearch_PathIsConnected(t *testing.T) {
	_, g := newWorld(t, maze...)
	j := NewSearchJob(g, Request{Start: tc(2, 2), Goal: tc(15, 0)})
	drive(t, j)

	p, err := j.Result()
	require.NoError(t, err)
	for i := 1; i < len(p.Tiles); i++ {
		prev, _ := g.GetNode(p.Tiles[i-1])
		found := false
		for _, n := range g.GetNeighbors(prev) {
			if n.Coord == p.Tiles[i] {
				found = true
			}
		}
		assert.True(t, found, "step %s -> %s is not an edge", p.Tiles[i-1], p.Tiles[i])
	}
}

func TestSearch_UnreachableFailsWithoutPartialPath(t *testing.T) {
	_, g := newWorld(t,
		".....",
		".....",
		".....",
		"...##",
		"...#.",
	)
	j := NewSearchJob(g, Request{Start: tc(0, 0), Goal: tc(4, 4), BatchSize: 4})
	drive(t, j)

	p, err := j.Result()
	assert.ErrorIs(t, err, ErrNoPath)
	assert.Empty(t, p.Tiles)
	assert.Equal(t, types.StatusFailed, j.Status())

	closest, ok := j.ClosestApproach()
	require.True(t, ok)
	end := closest.Tiles[len(closest.Tiles)-1]
	assert.Contains(t, []types.TileCoord{tc(2, 4), tc(4, 2)}, end)
	assert.Equal(t, tc(0, 0), closest.Tiles[0])
}

func TestSearch_EndpointValidation(t *testing.T) {
	_, g := newWorld(t, "..#", "...")

	tests := []struct {
		name  string
		start types.TileCoord
		goal  types.TileCoord
		want  error
		steps int
	}{
		{"start is goal", tc(0, 0), tc(0, 0), nil, 0},
		{"goal is wall", tc(0, 0), tc(2, 0), ErrNoPath, 0},
		{"start is wall", tc(2, 0), tc(0, 0), ErrNoPath, 0},
		{"goal unloaded", tc(0, 0), tc(9, 9), ErrNoPath, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := NewSearchJob(g, Request{Start: tt.start, Goal: tt.goal})
			assert.Equal(t, 1, drive(t, j), "endpoint checks resolve in the first slice")
			p, err := j.Result()
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.steps, p.Steps())
		})
	}
}

func TestSearch_ExpansionLimit(t *testing.T) {
	_, g := newWorld(t, maze...)
	j := NewSearchJob(g, Request{Start: tc(2, 2), Goal: tc(15, 0), Args: Args{MaxExpansions: 5}, BatchSize: 2})
	drive(t, j)

	_, err := j.Result()
	assert.ErrorIs(t, err, ErrSearchLimit)
	assert.Equal(t, 5, j.Expanded())
}

func TestSearch_AgentTraversalArgs(t *testing.T) {
	doorRows := []string{
		"..#..",
		"..D..",
		"..#..",
	}
	tableRows := []string{
		".....",
		"ttttt",
		".....",
	}

	tests := []struct {
		name string
		rows []string
		goal types.TileCoord
		args Args
		want error
	}{
		{"door without key", doorRows, tc(4, 0), Args{}, ErrNoPath},
		{"door with key", doorRows, tc(4, 0), Args{Access: []string{"staff", pathgraph.DoorAccess}}, nil},
		{"tables block colliding agent", tableRows, tc(0, 2), Args{CollisionMask: pathgraph.TableLayer}, ErrNoPath},
		{"tables ignored by non-colliding agent", tableRows, tc(0, 2), Args{CollisionMask: 0x2}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, g := newWorld(t, tt.rows...)
			j := NewSearchJob(g, Request{Start: tc(0, 0), Goal: tt.goal, Args: tt.args})
			drive(t, j)
			_, err := j.Result()
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSearch_PrefersCheapTiles(t *testing.T) {
	_, g := newWorld(t,
		".,,,.",
		".....",
	)
	j := NewSearchJob(g, Request{Start: tc(0, 0), Goal: tc(4, 0)})
	drive(t, j)

	p, err := j.Result()
	require.NoError(t, err)
	for x := 1; x <= 3; x++ {
		assert.NotContains(t, p.Tiles, tc(x, 0), "path should avoid rough tiles")
	}
	assert.Less(t, p.Cost, 3*pathgraph.RoughFactor)
}

func TestSearch_RestartsWhenExploredRegionChanges(t *testing.T) {
	grid, g := newWorld(t,
		"..........",
		"..........",
		"..........",
	)
	obs := &restartCounter{}
	j := NewSearchJob(g, Request{Start: tc(0, 1), Goal: tc(9, 1), BatchSize: 1, Observer: obs})
	for i := 0; i < 3; i++ {
		j.Run()
	}
	require.False(t, j.Done())

	grid.Set(tc(2, 1), pathgraph.Tile{Blocked: true})
	g.OnTileChanged(tc(2, 1))
	drive(t, j)

	p, err := j.Result()
	require.NoError(t, err)
	assert.Equal(t, 1, p.Restarts)
	assert.Equal(t, 1, obs.n)
	assert.NotContains(t, p.Tiles, tc(2, 1))
}

func TestSearch_DistantChangeKeepsFrontier(t *testing.T) {
	grid, g := newWorld(t,
		"..........",
		"..........",
		"..........",
	)
	j := NewSearchJob(g, Request{Start: tc(0, 1), Goal: tc(9, 1), BatchSize: 1})
	j.Run()
	j.Run()

	grid.Set(tc(8, 0), pathgraph.Tile{Blocked: true})
	g.OnTileChanged(tc(8, 0))
	drive(t, j)

	p, err := j.Result()
	require.NoError(t, err)
	assert.Equal(t, 0, p.Restarts)
	assert.NotContains(t, p.Tiles, tc(8, 0))
}

func TestSearch_ReleasesChunksWhenDone(t *testing.T) {
	_, g := newWorld(t, openFive...)
	j := NewSearchJob(g, Request{Start: tc(0, 0), Goal: tc(4, 4), BatchSize: 1})
	j.Run()
	j.Run()

	assert.Equal(t, 0, g.Prune(), "chunks held by a running search survive pruning")
	drive(t, j)
	assert.Equal(t, 1, g.Prune())
}

func TestService_RunsThroughScheduler(t *testing.T) {
	_, g := newWorld(t, maze...)
	queue := jobqueue.NewScheduler(jobqueue.Config{Name: "path", Budget: time.Second})
	svc := NewService(g, queue, Config{BatchSize: 4, MaxExpansions: 10000}, nil)

	var got Path
	var gotErr error
	calls := 0
	j := svc.Find(tc(2, 2), tc(15, 0), Args{}, func(p Path, err error) {
		got, gotErr = p, err
		calls++
	})
	assert.Equal(t, 10000, j.Request().Args.MaxExpansions)

	cancelled := svc.Find(tc(0, 0), tc(15, 6), Args{}, nil)
	cancelled.Run()
	cancelled.Cancel()

	for !queue.Idle() {
		queue.Process()
	}

	require.NoError(t, gotErr)
	assert.Equal(t, 1, calls)
	assert.NotEmpty(t, got.Tiles)

	_, err := cancelled.Result()
	assert.ErrorIs(t, err, jobqueue.ErrCancelled)
	assert.Equal(t, 1, g.Prune(), "no chunk stays pinned after completion")
}

func TestService_RejectsUnreachableGoalWithoutSearch(t *testing.T) {
	rows := []string{
		"..#..",
		"..#..",
		"..#..",
	}
	_, g := newWorld(t, rows...)
	queue := jobqueue.NewScheduler(jobqueue.Config{Name: "path", Budget: time.Second})
	svc := NewService(g, queue, Config{}, nil)

	var gotErr error
	j := svc.Find(tc(0, 0), tc(4, 1), Args{}, func(_ Path, err error) { gotErr = err })
	assert.True(t, j.Request().CheckReachable)
	for !queue.Idle() {
		queue.Process()
	}

	assert.ErrorIs(t, gotErr, ErrNoPath)
	assert.Zero(t, j.Expanded())
	assert.Equal(t, 1, g.RegionStats().Walks)

	// The same request without the region check pays for a full search.
	_, g = newWorld(t, rows...)
	direct := NewSearchJob(g, Request{Start: tc(0, 0), Goal: tc(4, 1)})
	drive(t, direct)
	_, err := direct.Result()
	assert.ErrorIs(t, err, ErrNoPath)
	assert.Equal(t, 6, direct.Expanded())
}

func TestHeuristics(t *testing.T) {
	assert.InDelta(t, 4*math.Sqrt2, Octile(tc(0, 0), tc(4, 4)), 1e-9)
	assert.InDelta(t, 3+math.Sqrt2, Octile(tc(0, 0), tc(4, 1)), 1e-9)
	assert.Equal(t, 4.0, Chebyshev(tc(0, 0), tc(4, 1)))
	assert.Greater(t, DefaultHeuristic(tc(0, 0), tc(4, 1)), Octile(tc(0, 0), tc(4, 1)))
}
