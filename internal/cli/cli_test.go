package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-nav/internal/blackboard"
	"github.com/ChuLiYu/beaver-nav/internal/mapfile"
	"github.com/ChuLiYu/beaver-nav/internal/server"
	"github.com/ChuLiYu/beaver-nav/internal/sim"
	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

const testMap = `schema_version: 1
name: corridor
rows:
  - "....."
  - "####."
  - "....."
`

const testDomain = `version: 1
root: Guard
tasks:
  Guard:
    methods:
      - name: respond
        when: "alarm != nil"
        do: [GoToAlarm]
      - name: idle
        do: [Rest]
  GoToAlarm:
    operator: move_to
    args: {target: alarm}
  Rest:
    operator: wait
    args: {duration: 1s}
`

// writeFixtures creates a config pointing at a map and domain in a temp
// dir and returns the config path.
func writeFixtures(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mapPath := filepath.Join(dir, "map.yaml")
	domainPath := filepath.Join(dir, "domain.yaml")
	require.NoError(t, os.WriteFile(mapPath, []byte(testMap), 0644))
	require.NoError(t, os.WriteFile(domainPath, []byte(testDomain), 0644))

	cfg := "world:\n  map: " + mapPath + "\n  domain: " + domainPath + "\n" +
		"path_queue:\n  budget: 1h\n  batch_size: 1\n" +
		"plan_queue:\n  budget: 1h\n"
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))
	return cfgPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "beaver-nav", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "path", "plan", "status"} {
		assert.True(t, commandNames[name], "missing %q command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildPathCommand(t *testing.T) {
	cmd := buildPathCommand()
	assert.Equal(t, "path", cmd.Use)
	for _, flag := range []string{"from", "to", "map", "mask", "access"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "missing --%s", flag)
	}
	assert.NotNil(t, cmd.RunE)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "test_config.yaml")
	configContent := `
simulation:
  tick_rate: 30
  prune_every: 100
  shards: 2
path_queue:
  budget: 2ms
  batch_size: 8
  max_expansions: 500
plan_queue:
  budget: 1.5ms
  steps_per_run: 4
npc:
  replan_cooldown_ticks: 10
  max_backoff_ticks: 80
world:
  map: maps/a.yaml
  domain: domains/b.yaml
metrics:
  enabled: true
  port: 8080
health:
  enabled: true
  port: 6000
tracing:
  enabled: true
  endpoint: collector:4318
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Simulation.TickRate)
	assert.Equal(t, uint64(100), cfg.Simulation.PruneEvery)
	assert.Equal(t, 2, cfg.Simulation.Shards)
	assert.Equal(t, 2*time.Millisecond, cfg.PathQueue.Budget.Std())
	assert.Equal(t, 8, cfg.PathQueue.BatchSize)
	assert.Equal(t, 500, cfg.PathQueue.MaxExpansions)
	assert.Equal(t, 1500*time.Microsecond, cfg.PlanQueue.Budget.Std())
	assert.Equal(t, 4, cfg.NPC.StepsPerRun)
	assert.Equal(t, uint64(10), cfg.NPC.ReplanCooldown)
	assert.Equal(t, uint64(80), cfg.NPC.MaxBackoff)
	assert.Equal(t, "maps/a.yaml", cfg.World.Map)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.Equal(t, 6000, cfg.Health.Port)
	assert.Equal(t, "collector:4318", cfg.Tracing.Endpoint)
	assert.Equal(t, "beaver-nav", cfg.Tracing.ServiceName)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			name:    "invalid yaml",
			content: "simulation:\n  tick_rate: [\n",
			wantMsg: "failed to parse config YAML",
		},
		{
			name:    "bad duration",
			content: "path_queue:\n  budget: soon\n",
			wantMsg: "failed to parse config YAML",
		},
		{
			name:    "wrong type",
			content: "simulation:\n  shards: many\n",
			wantMsg: "failed to parse config YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			cfg, err := loadConfig(path)
			assert.Nil(t, cfg)
			assert.ErrorContains(t, err, tt.wantMsg)
		})
	}

	_, err := loadConfig("/nonexistent/config.yaml")
	assert.ErrorContains(t, err, "failed to read config file")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Simulation.TickRate)
	assert.Equal(t, 1, cfg.Simulation.Shards)
	assert.Equal(t, 3*time.Millisecond, cfg.PathQueue.Budget.Std())
	assert.Equal(t, 32, cfg.PathQueue.BatchSize)
	assert.Equal(t, 4*time.Millisecond, cfg.PlanQueue.Budget.Std())
	assert.Equal(t, 16, cfg.NPC.StepsPerRun)
	assert.Equal(t, "configs/maps/demo.yaml", cfg.World.Map)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, 50061, cfg.Health.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "queue", "path")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"queue":"path"`)

	_, err = newLogger("loud", "text", &buf)
	assert.Error(t, err)
}

func TestShardConfig(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	sc := shardConfig(cfg, 3, nil)
	assert.Equal(t, 3, sc.Shard)
	assert.Equal(t, 50*time.Millisecond, sc.TickInterval)
	assert.Equal(t, 3*time.Millisecond, sc.PathBudget)
	assert.Equal(t, 20000, sc.Path.MaxExpansions)
	assert.Nil(t, sc.Observer)
}

func TestPathCommand(t *testing.T) {
	cfgPath := writeFixtures(t)

	out, err := execute(t, "-c", cfgPath, "path", "--from", "0,0", "--to", "0,2")
	require.NoError(t, err)

	assert.Contains(t, out, "map:      corridor")
	assert.Contains(t, out, "path:     (0,0) (1,0) (2,0) (3,0) (4,1) (3,2) (2,2) (1,2) (0,2)")
	assert.Contains(t, out, "steps:    8")
}

func TestPathCommand_NoPath(t *testing.T) {
	cfgPath := writeFixtures(t)

	out, err := execute(t, "-c", cfgPath, "path", "--from", "0,0", "--to", "9,9")
	require.NoError(t, err)
	assert.Contains(t, out, "result:")
}

func TestPathCommand_BadCoord(t *testing.T) {
	cfgPath := writeFixtures(t)

	_, err := execute(t, "-c", cfgPath, "path", "--from", "zero", "--to", "0,2")
	assert.ErrorContains(t, err, "--from")
}

func TestPlanCommand(t *testing.T) {
	cfgPath := writeFixtures(t)

	tests := []struct {
		name   string
		args   []string
		expect []string
	}{
		{
			name:   "idle without alarm",
			args:   nil,
			expect: []string{"methods:    Guard/idle", "record:     [1]", "1. Rest"},
		},
		{
			name:   "alarm set",
			args:   []string{"--set", "alarm=4,2", "--set", "position=0,0", "--set", "hp=80"},
			expect: []string{"methods:    Guard/respond", "record:     [0]", "1. GoToAlarm", "alarm=(4,2)", "hp=80"},
		},
		{
			name:   "alarm without position",
			args:   []string{"--root", "Guard", "--set", "alarm=4,2"},
			expect: []string{"root:       Guard", "methods:    Guard/idle"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"-c", cfgPath, "plan"}, tt.args...)...)
			require.NoError(t, err)
			for _, want := range tt.expect {
				assert.Contains(t, out, want)
			}
		})
	}

	_, err := execute(t, "-c", cfgPath, "plan", "--root", "Dance")
	assert.ErrorContains(t, err, "Dance")
}

func TestParseFacts(t *testing.T) {
	bb, err := parseFacts([]string{"pos=1,2", "hp=80", "alert=true", "name=rex", "gone=null"})
	require.NoError(t, err)

	pos, ok := blackboard.Get[types.TileCoord](bb, "pos")
	assert.True(t, ok)
	assert.Equal(t, types.TileCoord{X: 1, Y: 2}, pos)
	assert.Equal(t, 80, blackboard.GetOr[int](bb, "hp", 0))
	assert.Equal(t, true, blackboard.GetOr[bool](bb, "alert", false))
	assert.Equal(t, "rex", blackboard.GetOr[string](bb, "name", ""))
	v, ok := bb.Lookup("gone")
	assert.True(t, ok)
	assert.Nil(t, v)

	_, err = parseFacts([]string{"novalue"})
	assert.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := server.NewServer()
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()
	srv.Update(map[string]bool{server.ShardService(0): true})

	out, err := execute(t, "status", "--addr", lis.Addr().String())
	require.NoError(t, err)
	assert.Contains(t, out, "SERVING")

	out, err = execute(t, "status", "--addr", lis.Addr().String(), "--service", server.ShardService(0))
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "SERVING"), out)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var buf bytes.Buffer
	err = showStatus(ctx, &buf, lis.Addr().String(), "beaver.shard.9")
	assert.Error(t, err)
}

func TestShippedConfigs(t *testing.T) {
	cfg, err := loadConfig("../../configs/default.yaml")
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Simulation.TickRate)
	assert.Equal(t, 3*time.Millisecond, cfg.PathQueue.Budget.Std())

	cfg.World.Map = filepath.Join("../..", cfg.World.Map)
	cfg.World.Domain = filepath.Join("../..", cfg.World.Domain)

	world, err := mapfile.NewManager(cfg.World.Map).Load()
	require.NoError(t, err)
	domainSrc, err := os.ReadFile(cfg.World.Domain)
	require.NoError(t, err)

	s, err := sim.New(shardConfig(cfg, 0, nil), world, domainSrc)
	require.NoError(t, err)
	for _, spec := range world.Agents {
		_, ok := s.Agent(spec.Name)
		assert.True(t, ok, spec.Name)
	}

	var buf bytes.Buffer
	require.NoError(t, makePlan(&buf, cfg, cfg.World.Domain, cfg.World.Map, "", mustFacts(t, "role=cook", "position=5,7")))
	assert.Contains(t, buf.String(), "Behave/cook_rounds")
}

func mustFacts(t *testing.T, pairs ...string) *blackboard.Blackboard {
	t.Helper()
	bb, err := parseFacts(pairs)
	require.NoError(t, err)
	return bb
}
