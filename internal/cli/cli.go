// ============================================================================
// Beaver-Nav CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running the simulation and poking at its
//          pathfinding and planning pieces one request at a time
//
// Command Structure:
//   beaver-nav                     # Root command
//   ├── run                        # Run the simulation shards
//   ├── path --from x,y --to x,y   # One-shot path search on a map
//   ├── plan --set key=value       # One-shot HTN plan on a domain
//   ├── status --addr host:port    # Query the gRPC health service
//   ├── --config, -c               # Config file (all commands)
//   └── --version
//
// run Command:
//   1. Load config, map and domain
//   2. Build one Simulation per shard (same map, same domain)
//   3. Start metrics HTTP, gRPC health and tracing when enabled
//   4. Tick until SIGINT/SIGTERM, then stop in reverse order
//
// path / plan Commands:
//   Drive a single job through a Scheduler with the configured budget and
//   report how many Process cycles it took. Nothing else runs.
//
//   Examples:
//     ./beaver-nav path --from 0,0 --to 10,4
//     ./beaver-nav plan --set alarm=3,2 --set hp=80
//
// status Command:
//   Prints the HealthCheckResponse as JSON (protojson).
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-nav/internal/blackboard"
	"github.com/ChuLiYu/beaver-nav/internal/htn"
	"github.com/ChuLiYu/beaver-nav/internal/jobqueue"
	"github.com/ChuLiYu/beaver-nav/internal/mapfile"
	"github.com/ChuLiYu/beaver-nav/internal/metrics"
	"github.com/ChuLiYu/beaver-nav/internal/npc"
	"github.com/ChuLiYu/beaver-nav/internal/pathfind"
	"github.com/ChuLiYu/beaver-nav/internal/pathgraph"
	"github.com/ChuLiYu/beaver-nav/internal/server"
	"github.com/ChuLiYu/beaver-nav/internal/sim"
	"github.com/ChuLiYu/beaver-nav/internal/tracing"
	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

// maxCycles bounds the one-shot commands.
const maxCycles = 100000

var ErrNoResult = errors.New("job did not finish")

var log = slog.Default()

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-nav",
		Short: "Beaver-Nav: time-budgeted pathfinding and HTN planning for NPCs",
		Long: `Beaver-Nav runs NPC simulations where every expensive query is a
resumable job:
- Incremental A* over a lazily built chunked graph
- HTN planning with backtracking and plan replacement
- Per-tick time budgets, parallel shards, Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildPathCommand())
	rootCmd.AddCommand(buildPlanCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the simulation",
		Long:  "Load the world and domain, start every shard and serve metrics and health until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := setupLogging(cfg, cmd.ErrOrStderr()); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSimulation(ctx, cfg)
		},
	}
}

func runSimulation(ctx context.Context, cfg *Config) error {
	world, err := mapfile.NewManager(cfg.World.Map).Load()
	if err != nil {
		return fmt.Errorf("failed to load map: %w", err)
	}
	domainSrc, err := os.ReadFile(cfg.World.Domain)
	if err != nil {
		return fmt.Errorf("failed to read domain: %w", err)
	}

	var observer sim.Observer
	if cfg.Metrics.Enabled {
		observer = metrics.NewCollector()
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, cfg.Tracing)
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Error("Tracer shutdown failed", "error", err)
			}
		}()
	}

	shards := make([]*sim.Simulation, cfg.Simulation.Shards)
	for i := range shards {
		shards[i], err = sim.New(shardConfig(cfg, i, observer), world, domainSrc)
		if err != nil {
			return fmt.Errorf("failed to build shard %d: %w", i, err)
		}
	}

	ctrl, err := sim.NewController(sim.ControllerConfig{
		TickRate: cfg.Simulation.TickRate,
		Workers:  cfg.Simulation.Workers,
	}, shards)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	var health *server.Server
	if cfg.Health.Enabled {
		health = server.NewServer()
		go health.Watch(ctx, ctrl, time.Second)
		go func() {
			if err := health.ListenAndServe(cfg.Health.Port); err != nil {
				log.Error("Health server error", "error", err)
			}
		}()
	}

	log.Info("System started successfully",
		"map", world.Name,
		"shards", len(shards),
		"agents", len(world.Agents))

	<-ctx.Done()
	log.Info("Received shutdown signal, stopping gracefully...")

	if health != nil {
		health.Stop()
	}
	ctrl.Stop()

	log.Info("System stopped. Goodbye!")
	return nil
}

func shardConfig(cfg *Config, shard int, observer sim.Observer) sim.Config {
	return sim.Config{
		Shard:           shard,
		TickInterval:    time.Second / time.Duration(cfg.Simulation.TickRate),
		PathBudget:      cfg.PathQueue.Budget.Std(),
		PlanBudget:      cfg.PlanQueue.Budget.Std(),
		Path:            pathfind.Config{BatchSize: cfg.PathQueue.BatchSize, MaxExpansions: cfg.PathQueue.MaxExpansions},
		NPC:             cfg.NPC,
		MaxGraphUpdates: cfg.Simulation.MaxGraphUpdates,
		PruneEvery:      cfg.Simulation.PruneEvery,
		Observer:        observer,
	}
}

// ============================================================================
// path
// ============================================================================

func buildPathCommand() *cobra.Command {
	var (
		mapPath  string
		from, to string
		mask     uint32
		access   []string
	)

	cmd := &cobra.Command{
		Use:   "path",
		Short: "Find one path on a map",
		Long:  "Run a single incremental A* search under the path queue budget and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if mapPath == "" {
				mapPath = cfg.World.Map
			}
			start, err := types.ParseTileCoord(from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			goal, err := types.ParseTileCoord(to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			return findPath(cmd.OutOrStdout(), cfg, mapPath, start, goal, pathfind.Args{CollisionMask: mask, Access: access})
		},
	}

	cmd.Flags().StringVar(&mapPath, "map", "", "map file (defaults to world.map)")
	cmd.Flags().StringVar(&from, "from", "", "start tile x,y")
	cmd.Flags().StringVar(&to, "to", "", "goal tile x,y")
	cmd.Flags().Uint32Var(&mask, "mask", 0, "agent collision mask")
	cmd.Flags().StringSliceVar(&access, "access", nil, "access tags the agent holds (e.g. door)")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")

	return cmd
}

func findPath(w io.Writer, cfg *Config, mapPath string, start, goal types.TileCoord, args pathfind.Args) error {
	m, err := mapfile.NewManager(mapPath).Load()
	if err != nil {
		return fmt.Errorf("failed to load map: %w", err)
	}
	grid, err := m.Grid()
	if err != nil {
		return err
	}

	queue := jobqueue.NewScheduler(jobqueue.Config{Name: sim.PathQueue, Budget: cfg.PathQueue.Budget.Std()})
	svc := pathfind.NewService(pathgraph.New(grid), queue, pathfind.Config{
		BatchSize:     cfg.PathQueue.BatchSize,
		MaxExpansions: cfg.PathQueue.MaxExpansions,
	}, nil)

	job := svc.Find(start, goal, args, nil)
	cycles, err := drain(queue, job.Done)
	if err != nil {
		return err
	}

	path, err := job.Result()
	fmt.Fprintf(w, "map:      %s\n", m.Name)
	fmt.Fprintf(w, "cycles:   %d (budget %s)\n", cycles, cfg.PathQueue.Budget.Std())
	fmt.Fprintf(w, "expanded: %d\n", job.Expanded())
	if err != nil {
		fmt.Fprintf(w, "result:   %v\n", err)
		return nil
	}
	tiles := make([]string, len(path.Tiles))
	for i, t := range path.Tiles {
		tiles[i] = t.String()
	}
	fmt.Fprintf(w, "cost:     %.3f\n", path.Cost)
	fmt.Fprintf(w, "steps:    %d\n", len(path.Tiles)-1)
	fmt.Fprintf(w, "path:     %s\n", strings.Join(tiles, " "))
	return nil
}

// drain processes queue until done reports true and returns the number of
// Process calls made.
func drain(queue *jobqueue.Scheduler, done func() bool) (int, error) {
	for cycles := 1; cycles <= maxCycles; cycles++ {
		queue.Process()
		if done() {
			return cycles, nil
		}
	}
	return maxCycles, fmt.Errorf("%w after %d cycles", ErrNoResult, maxCycles)
}

// ============================================================================
// plan
// ============================================================================

func buildPlanCommand() *cobra.Command {
	var (
		domainPath string
		mapPath    string
		root       string
		facts      []string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan one task from a domain",
		Long:  "Decompose a root task against a blackboard built from --set facts and print the chosen plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if domainPath == "" {
				domainPath = cfg.World.Domain
			}
			if mapPath == "" {
				mapPath = cfg.World.Map
			}
			bb, err := parseFacts(facts)
			if err != nil {
				return err
			}
			return makePlan(cmd.OutOrStdout(), cfg, domainPath, mapPath, root, bb)
		},
	}

	cmd.Flags().StringVar(&domainPath, "domain", "", "domain file (defaults to world.domain)")
	cmd.Flags().StringVar(&mapPath, "map", "", "map the move operators search on (defaults to world.map)")
	cmd.Flags().StringVar(&root, "root", "", "task to plan (defaults to the domain root)")
	cmd.Flags().StringArrayVar(&facts, "set", nil, "blackboard fact key=value, repeatable")

	return cmd
}

// parseFacts builds a blackboard from key=value pairs. Values that parse
// as x,y become tile coordinates; everything else is decoded as a YAML
// scalar so numbers, booleans and null keep their types.
func parseFacts(pairs []string) (*blackboard.Blackboard, error) {
	bb := blackboard.New()
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid fact %q, want key=value", pair)
		}
		if c, err := types.ParseTileCoord(raw); err == nil {
			bb.Set(blackboard.Key(key), c)
			continue
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("fact %q: %w", key, err)
		}
		bb.Set(blackboard.Key(key), v)
	}
	return bb, nil
}

func makePlan(w io.Writer, cfg *Config, domainPath, mapPath, root string, bb *blackboard.Blackboard) error {
	m, err := mapfile.NewManager(mapPath).Load()
	if err != nil {
		return fmt.Errorf("failed to load map: %w", err)
	}
	grid, err := m.Grid()
	if err != nil {
		return err
	}
	paths := jobqueue.NewScheduler(jobqueue.Config{Name: sim.PathQueue, Budget: cfg.PathQueue.Budget.Std()})
	svc := pathfind.NewService(pathgraph.New(grid), paths, pathfind.Config{}, nil)

	domain, err := htn.LoadDomain(domainPath, npc.NewRegistry(svc))
	if err != nil {
		return fmt.Errorf("failed to load domain: %w", err)
	}
	task := domain.Root
	if root != "" {
		var ok bool
		if task, ok = domain.Task(root); !ok {
			return fmt.Errorf("%w: %q", htn.ErrUnknownTask, root)
		}
	}

	queue := jobqueue.NewScheduler(jobqueue.Config{Name: sim.PlanQueue, Budget: cfg.PlanQueue.Budget.Std()})
	job := htn.NewPlanJob(task, bb, htn.Options{StepsPerRun: cfg.PlanQueue.StepsPerRun})
	queue.Enqueue(job)
	cycles, err := drain(queue, job.Done)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "root:       %s\n", task.TaskName())
	fmt.Fprintf(w, "facts:      %s\n", formatFacts(bb))
	fmt.Fprintf(w, "cycles:     %d (budget %s)\n", cycles, cfg.PlanQueue.Budget.Std())
	fmt.Fprintf(w, "work:       %d, backtracks %d\n", job.Work(), job.Backtracks())

	plan, err := job.Result()
	if err != nil {
		fmt.Fprintf(w, "result:     %v\n", err)
		return nil
	}
	fmt.Fprintf(w, "methods:    %s\n", strings.Join(plan.Methods, " > "))
	fmt.Fprintf(w, "record:     %s\n", plan.Record.String())
	for i, name := range plan.Names() {
		fmt.Fprintf(w, "  %d. %s\n", i+1, name)
	}
	return nil
}

func formatFacts(bb *blackboard.Blackboard) string {
	keys := bb.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := bb.Lookup(k)
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var (
		addr    string
		service string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show simulation health status",
		Long:  "Query the gRPC health service of a running simulation. --service beaver.shard.N checks one shard",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				addr = fmt.Sprintf("localhost:%d", cfg.Health.Port)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return showStatus(ctx, cmd.OutOrStdout(), addr, service)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "health server address (defaults to localhost:health.port)")
	cmd.Flags().StringVar(&service, "service", "", "service to check, empty for the whole process")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")

	return cmd
}

func showStatus(ctx context.Context, w io.Writer, addr, service string) error {
	client, err := server.NewClient(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Check(ctx, service)
	if err != nil {
		return fmt.Errorf("health check %s: %w", addr, err)
	}
	out, err := protojson.MarshalOptions{Multiline: true, EmitUnpopulated: true}.Marshal(resp)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	return nil
}
