package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-nav/internal/npc"
	"github.com/ChuLiYu/beaver-nav/internal/tracing"
)

// Duration decodes Go duration strings ("3ms", "1.5s") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Simulation struct {
		TickRate        int    `yaml:"tick_rate"`
		PruneEvery      uint64 `yaml:"prune_every"`
		MaxGraphUpdates int    `yaml:"max_graph_updates"`
		Shards          int    `yaml:"shards"`
		Workers         int    `yaml:"workers"`
	} `yaml:"simulation"`

	PathQueue struct {
		Budget        Duration `yaml:"budget"`
		BatchSize     int      `yaml:"batch_size"`
		MaxExpansions int      `yaml:"max_expansions"`
	} `yaml:"path_queue"`

	PlanQueue struct {
		Budget      Duration `yaml:"budget"`
		StepsPerRun int      `yaml:"steps_per_run"`
	} `yaml:"plan_queue"`

	NPC npc.Config `yaml:"npc"`

	World struct {
		Map    string `yaml:"map"`
		Domain string `yaml:"domain"`
	} `yaml:"world"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`

	Tracing tracing.Config `yaml:"tracing"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) applyDefaults() {
	if c.Simulation.TickRate <= 0 {
		c.Simulation.TickRate = 20
	}
	if c.Simulation.Shards <= 0 {
		c.Simulation.Shards = 1
	}
	if c.PathQueue.Budget <= 0 {
		c.PathQueue.Budget = Duration(3 * time.Millisecond)
	}
	if c.PathQueue.BatchSize <= 0 {
		c.PathQueue.BatchSize = 32
	}
	if c.PathQueue.MaxExpansions <= 0 {
		c.PathQueue.MaxExpansions = 20000
	}
	if c.PlanQueue.Budget <= 0 {
		c.PlanQueue.Budget = Duration(4 * time.Millisecond)
	}
	if c.PlanQueue.StepsPerRun <= 0 {
		c.PlanQueue.StepsPerRun = 16
	}
	if c.World.Map == "" {
		c.World.Map = "configs/maps/demo.yaml"
	}
	if c.World.Domain == "" {
		c.World.Domain = "configs/domains/patrol.yaml"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Health.Port == 0 {
		c.Health.Port = 50061
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = tracing.TracerName
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	c.NPC.StepsPerRun = c.PlanQueue.StepsPerRun
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// newLogger builds the process logger from the log section. Unknown
// formats fall back to text.
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), nil
}

// setupLogging installs the logger as the slog default. Package loggers
// captured slog.Default() at init and reach the new handler through the
// log bridge, so the bridge level is set too.
func setupLogging(cfg *Config, w io.Writer) error {
	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format, w)
	if err != nil {
		return err
	}
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(cfg.Log.Level))
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(lvl)
	return nil
}
