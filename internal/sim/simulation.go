// ============================================================================
// Beaver-Nav Simulation - One Shard of the World
// ============================================================================
//
// Package: internal/sim
// File: simulation.go
// Function: Owns one world (grid + path graph), its two job queues and the
//           agents living in it, and advances them one tick at a time
//
// Tick order:
//   1. Apply queued tile changes to the graph (capped by MaxGraphUpdates)
//   2. Process the path queue under its budget
//   3. Process the plan queue under its budget
//   4. Update every agent's brain (runs plans, requests new ones)
//   5. Every PruneEvery ticks, drop chunks no search holds
//
// Concurrency:
//   Everything inside a Simulation runs on whichever goroutine calls Tick.
//   The mutex only serialises Tick against SetTile and the status readers,
//   so shards can be ticked from a worker pool while the CLI or health
//   server reads them.
//
// ============================================================================

package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-nav/internal/htn"
	"github.com/ChuLiYu/beaver-nav/internal/jobqueue"
	"github.com/ChuLiYu/beaver-nav/internal/mapfile"
	"github.com/ChuLiYu/beaver-nav/internal/npc"
	"github.com/ChuLiYu/beaver-nav/internal/pathfind"
	"github.com/ChuLiYu/beaver-nav/internal/pathgraph"
	"github.com/ChuLiYu/beaver-nav/internal/tracing"
	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

var log = slog.Default()

// Queue names used for scheduler labels.
const (
	PathQueue = "path"
	PlanQueue = "plan"
)

var (
	ErrDuplicateAgent = errors.New("duplicate agent name")
	ErrBadSpawn       = errors.New("invalid agent spawn")
)

// Observer receives everything a shard reports. metrics.Collector
// implements it.
type Observer interface {
	jobqueue.Observer
	pathfind.Observer
	npc.Observer
	ForShard(shard int) pathgraph.Observer
	SetIdle(shard, idle int)
}

// Config configures one shard.
type Config struct {
	Shard            int
	TickInterval     time.Duration // dt handed to agents
	PathBudget       time.Duration
	PlanBudget       time.Duration
	Path             pathfind.Config
	NPC              npc.Config
	MaxGraphUpdates  int    // <= 0 applies every queued change
	PruneEvery       uint64 // 0 disables pruning
	StarvationCycles int
	Clock            jobqueue.Clock
	Observer         Observer // optional
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.PathBudget <= 0 {
		c.PathBudget = 3 * time.Millisecond
	}
	if c.PlanBudget <= 0 {
		c.PlanBudget = 4 * time.Millisecond
	}
	if c.StarvationCycles <= 0 {
		c.StarvationCycles = jobqueue.DefaultStarvationCycles
	}
}

// TickReport describes what one Tick did.
type TickReport struct {
	Tick    uint64
	Applied int
	Path    jobqueue.Cycle
	Plan    jobqueue.Cycle
	Idle    int
	Pruned  int
}

// Simulation is one independent shard.
type Simulation struct {
	mu sync.Mutex

	cfg    Config
	name   string
	world  *World
	paths  *jobqueue.Scheduler
	plans  *jobqueue.Scheduler
	search *pathfind.Service
	domain *htn.Domain

	agents []*npc.Agent
	byName map[string]*npc.Agent

	tick    uint64
	last    TickReport
	lastErr error
}

// New builds a shard from a map document and an HTN domain source. The
// domain is parsed per shard because its operators bind to the shard's
// path service.
func New(cfg Config, m mapfile.File, domainSrc []byte) (*Simulation, error) {
	cfg.applyDefaults()

	grid, err := m.Grid()
	if err != nil {
		return nil, err
	}

	var (
		jobObs    jobqueue.Observer
		pathObs   pathfind.Observer
		graphOpts []pathgraph.Option
	)
	if cfg.Observer != nil {
		jobObs, pathObs = cfg.Observer, cfg.Observer
		graphOpts = append(graphOpts, pathgraph.WithObserver(cfg.Observer.ForShard(cfg.Shard)))
	}

	s := &Simulation{
		cfg:   cfg,
		name:  m.Name,
		world: NewWorld(grid, graphOpts...),
		paths: jobqueue.NewScheduler(jobqueue.Config{
			Name:             PathQueue,
			Budget:           cfg.PathBudget,
			Clock:            cfg.Clock,
			Observer:         jobObs,
			StarvationCycles: cfg.StarvationCycles,
		}),
		plans: jobqueue.NewScheduler(jobqueue.Config{
			Name:             PlanQueue,
			Budget:           cfg.PlanBudget,
			Clock:            cfg.Clock,
			Observer:         jobObs,
			StarvationCycles: cfg.StarvationCycles,
		}),
		byName: make(map[string]*npc.Agent),
	}
	s.search = pathfind.NewService(s.world.Graph(), s.paths, cfg.Path, pathObs)

	s.domain, err = htn.ParseDomain(domainSrc, npc.NewRegistry(s.search))
	if err != nil {
		return nil, err
	}

	for _, spec := range m.Agents {
		at, err := spec.Position()
		if err != nil {
			return nil, fmt.Errorf("%w: agent %q: %v", ErrBadSpawn, spec.Name, err)
		}
		if _, err := s.spawn(npc.Spawn{
			Name:          spec.Name,
			At:            at,
			CollisionMask: spec.CollisionMask,
			Access:        spec.Access,
			Facts:         spec.Facts,
		}); err != nil {
			return nil, err
		}
	}

	log.Info("Simulation created",
		"shard", cfg.Shard,
		"map", m.Name,
		"tiles", grid.Len(),
		"agents", len(s.agents))
	return s, nil
}

// Spawn adds an agent running the domain root.
func (s *Simulation) Spawn(spawn npc.Spawn) (*npc.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawn(spawn)
}

func (s *Simulation) spawn(spawn npc.Spawn) (*npc.Agent, error) {
	if spawn.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrBadSpawn)
	}
	if _, ok := s.byName[spawn.Name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateAgent, spawn.Name)
	}
	if !pathgraph.ValidCoord(spawn.At) {
		return nil, fmt.Errorf("%w: agent %q at %s is out of range", ErrBadSpawn, spawn.Name, spawn.At)
	}
	var obs npc.Observer
	if s.cfg.Observer != nil {
		obs = s.cfg.Observer
	}
	a := npc.NewAgent(spawn, s.domain.Root, s.plans, s.cfg.NPC, obs)
	s.agents = append(s.agents, a)
	s.byName[spawn.Name] = a
	return a, nil
}

// Tick advances the shard by one frame.
func (s *Simulation) Tick(ctx context.Context) (TickReport, error) {
	if err := ctx.Err(); err != nil {
		return TickReport{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tick++
	ctx, span := tracing.StartTickSpan(ctx, s.cfg.Shard, s.tick)
	defer span.End()

	report := TickReport{Tick: s.tick}
	report.Applied = s.world.Graph().ApplyUpdates(s.cfg.MaxGraphUpdates)
	report.Path = s.process(ctx, s.paths)
	report.Plan = s.process(ctx, s.plans)

	var errs []error
	for _, a := range s.agents {
		if err := a.Update(s.tick, s.cfg.TickInterval); err != nil {
			errs = append(errs, fmt.Errorf("agent %q: %w", a.Name(), err))
		}
		if a.Idle() {
			report.Idle++
		}
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.SetIdle(s.cfg.Shard, report.Idle)
	}

	if s.cfg.PruneEvery > 0 && s.tick%s.cfg.PruneEvery == 0 {
		report.Pruned = s.world.Graph().Prune()
		if report.Pruned > 0 {
			log.Debug("Pruned chunks", "shard", s.cfg.Shard, "removed", report.Pruned)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	s.last, s.lastErr = report, err
	return report, err
}

func (s *Simulation) process(ctx context.Context, q *jobqueue.Scheduler) jobqueue.Cycle {
	_, span := tracing.StartQueueSpan(ctx, q.Name())
	defer span.End()
	return q.Process()
}

// SetTile edits the world. The change reaches the graph on the next tick.
func (s *Simulation) SetTile(c types.TileCoord, t pathgraph.Tile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.world.SetTile(c, t)
}

// RemoveTile deletes a tile. The change reaches the graph on the next tick.
func (s *Simulation) RemoveTile(c types.TileCoord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.world.RemoveTile(c)
}

// FindPath enqueues a search on this shard's path queue. The callback runs
// during a later Tick.
func (s *Simulation) FindPath(start, goal types.TileCoord, args pathfind.Args, onComplete func(pathfind.Path, error)) *pathfind.SearchJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.search.Find(start, goal, args, onComplete)
}

func (s *Simulation) Shard() int { return s.cfg.Shard }

// Agent looks an agent up by name. The agent is owned by the ticking
// goroutine; read it only between ticks.
func (s *Simulation) Agent(name string) (*npc.Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byName[name]
	return a, ok
}

// TickCount returns how many ticks have run.
func (s *Simulation) TickCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Healthy is false after a tick error or once a queue starves.
func (s *Simulation) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := uint64(s.cfg.StarvationCycles)
	return s.lastErr == nil &&
		s.last.Path.MaxWaitCycles < limit &&
		s.last.Plan.MaxWaitCycles < limit
}

// Status summarises the shard.
func (s *Simulation) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := make([]map[string]interface{}, 0, len(s.agents))
	for _, a := range s.agents {
		entry := map[string]interface{}{
			"name":     a.Name(),
			"position": a.Position().String(),
			"idle":     a.Idle(),
			"failures": a.Failures(),
			"replans":  a.Replans(),
		}
		if p := a.Runner().Plan(); p != nil {
			entry["plan"] = p.Names()
			entry["record"] = p.Record.String()
		}
		agents = append(agents, entry)
	}

	status := map[string]interface{}{
		"shard":           s.cfg.Shard,
		"map":             s.name,
		"tick":            s.tick,
		"chunks":          s.world.Graph().ChunkCount(),
		"pending_updates": s.world.Graph().PendingUpdates(),
		"path_queue":      s.paths.Stats(),
		"plan_queue":      s.plans.Stats(),
		"idle":            s.last.Idle,
		"agents":          agents,
	}
	if s.lastErr != nil {
		status["error"] = s.lastErr.Error()
	}
	return status
}

// Close stops every agent, cancelling pending plan and path jobs.
func (s *Simulation) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		a.Stop()
	}
}
