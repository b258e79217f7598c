package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-nav/internal/mapfile"
	"github.com/ChuLiYu/beaver-nav/internal/pathfind"
	"github.com/ChuLiYu/beaver-nav/internal/worker"
)

func newTestShards(t *testing.T, n int) []*Simulation {
	t.Helper()
	shards := make([]*Simulation, n)
	for i := range shards {
		cfg := testConfig()
		cfg.Shard = i
		shards[i] = newTestSim(t, cfg, mapfile.AgentSpec{Name: "guard", At: "0,0"})
	}
	return shards
}

func TestNewController_NoShards(t *testing.T) {
	_, err := NewController(ControllerConfig{}, nil)
	assert.ErrorIs(t, err, ErrNoShards)
}

func TestController_FrameBeforeStart(t *testing.T) {
	c, err := NewController(ControllerConfig{}, newTestShards(t, 1))
	require.NoError(t, err)
	assert.ErrorIs(t, c.Frame(context.Background()), worker.ErrPoolNotStarted)
}

func TestController_TicksAllShards(t *testing.T) {
	shards := newTestShards(t, 3)
	c, err := NewController(ControllerConfig{TickRate: 200, Workers: 2}, shards)
	require.NoError(t, err)

	require.NoError(t, c.Start())
	assert.Error(t, c.Start())

	assert.Eventually(t, func() bool {
		return shards[2].TickCount() >= 5
	}, 5*time.Second, 5*time.Millisecond)

	// A manual frame runs between loop frames, never alongside one.
	require.NoError(t, c.Frame(context.Background()))

	health := c.Health()
	assert.Len(t, health, 3)
	for name, ok := range health {
		assert.True(t, ok, name)
	}

	c.Stop()
	assert.NotPanics(t, c.Stop)

	frames := c.frames.Load()
	for _, sh := range shards {
		assert.Equal(t, frames, sh.TickCount(), "shard %d", sh.Shard())
		guard, _ := sh.Agent("guard")
		assert.False(t, guard.Pending())
	}
	assert.Zero(t, c.failedFrames.Load())

	status := c.GetStatus()
	assert.Equal(t, 2, status["workers"])
	assert.Equal(t, frames, status["frames"])
	assert.Len(t, status["shards"], 3)
}

func TestController_ReportsUnhealthyShard(t *testing.T) {
	cfg := testConfig()
	cfg.PathBudget = time.Millisecond
	cfg.Clock = &stuckClock{}
	cfg.StarvationCycles = 1
	starved, err := New(cfg, testMap(), []byte(patrolDomain))
	require.NoError(t, err)
	starved.FindPath(tc(0, 0), tc(4, 4), pathfind.Args{}, nil)

	cfg = testConfig()
	cfg.Shard = 1
	healthy := newTestSim(t, cfg)

	c, err := NewController(ControllerConfig{}, []*Simulation{starved, healthy})
	require.NoError(t, err)
	require.NoError(t, c.pool.Start(1))
	defer c.pool.Stop()

	for i := 0; i < 2; i++ {
		require.NoError(t, c.Frame(context.Background()))
	}

	assert.Equal(t, map[string]bool{
		"beaver.shard.0": false,
		"beaver.shard.1": true,
	}, c.Health())
}
