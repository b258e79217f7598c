// ============================================================================
// Beaver-Nav NPC Agent - Behaviour Tree Brain Over HTN Plans
// ============================================================================
//
// Package: internal/npc
// File: agent.go
// Function: Per-agent decision loop. Each tick the brain requests a new
//           plan when one is due, runs the current plan, or idles.
//
// Brain:
//   sequence(
//     replan    - enqueue a PlanJob when the cooldown expired and none is
//                 pending; always succeeds
//     selector(
//       run     - update the current plan's operator
//       await   - a plan is being computed
//       idle    - nothing to do
//     )
//   )
//
// Cadence:
//   A running plan is re-planned every ReplanCooldown ticks; the result
//   only replaces it when its branch record is better. Failed plans and
//   failed runs back off exponentially up to MaxBackoff ticks.
//
// ============================================================================

package npc

import (
	"errors"
	"log/slog"
	"time"

	bt "github.com/joeycumines/go-behaviortree"

	"github.com/ChuLiYu/beaver-nav/internal/blackboard"
	"github.com/ChuLiYu/beaver-nav/internal/htn"
	"github.com/ChuLiYu/beaver-nav/internal/jobqueue"
	"github.com/ChuLiYu/beaver-nav/internal/pathfind"
	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

var log = slog.Default()

// Well-known blackboard keys.
const (
	KeySelf     blackboard.Key = "self"
	KeyPosition blackboard.Key = "position"
	KeyPathArgs blackboard.Key = "path_args"
)

const (
	DefaultReplanCooldown = 20
	DefaultMaxBackoff     = 400
)

// Config controls planning cadence, in ticks.
type Config struct {
	ReplanCooldown uint64 `yaml:"replan_cooldown_ticks"`
	MaxBackoff     uint64 `yaml:"max_backoff_ticks"`
	StepsPerRun    int    `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.ReplanCooldown == 0 {
		c.ReplanCooldown = DefaultReplanCooldown
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.ReplanCooldown {
		c.MaxBackoff = c.ReplanCooldown
	}
}

// Observer is told when a running plan is replaced by a better one.
type Observer interface {
	PlanReplaced()
}

// Spawn describes a new agent.
type Spawn struct {
	Name          string
	At            types.TileCoord
	CollisionMask uint32
	Access        []string
	Facts         map[string]any
}

// Agent owns a blackboard, a plan runner and the brain that drives them.
type Agent struct {
	name     string
	bb       *blackboard.Blackboard
	runner   *htn.Runner
	root     htn.Task
	plans    *jobqueue.Scheduler
	cfg      Config
	observer Observer
	brain    bt.Node

	tick     uint64
	dt       time.Duration
	pending  *htn.PlanJob
	nextPlan uint64
	failures int
	idle     bool
	lastErr  error
	replans  int
}

// NewAgent creates an agent that plans root on the given plan queue.
// observer may be nil.
func NewAgent(spawn Spawn, root htn.Task, plans *jobqueue.Scheduler, cfg Config, observer Observer) *Agent {
	cfg.applyDefaults()
	bb := blackboard.New()
	for k, v := range spawn.Facts {
		bb.Set(blackboard.Key(k), v)
	}
	bb.Set(KeySelf, spawn.Name)
	bb.Set(KeyPosition, spawn.At)
	bb.Set(KeyPathArgs, pathfind.Args{CollisionMask: spawn.CollisionMask, Access: spawn.Access})

	a := &Agent{
		name:     spawn.Name,
		bb:       bb,
		runner:   htn.NewRunner(bb),
		root:     root,
		plans:    plans,
		cfg:      cfg,
		observer: observer,
	}
	a.brain = bt.New(bt.Sequence,
		bt.New(a.replanNode),
		bt.New(bt.Selector,
			bt.New(a.runNode),
			bt.New(a.awaitNode),
			bt.New(a.idleNode),
		),
	)
	return a
}

func (a *Agent) Name() string                      { return a.name }
func (a *Agent) Blackboard() *blackboard.Blackboard { return a.bb }
func (a *Agent) Runner() *htn.Runner               { return a.runner }

// Idle reports whether the last Update found nothing to do.
func (a *Agent) Idle() bool { return a.idle }

// Failures returns consecutive planning or execution failures.
func (a *Agent) Failures() int { return a.failures }

// LastError returns the most recent planning failure.
func (a *Agent) LastError() error { return a.lastErr }

// Position returns the agent's tile.
func (a *Agent) Position() types.TileCoord {
	return blackboard.GetOr(blackboard.View(a.bb), KeyPosition, types.TileCoord{})
}

// Replans returns how many running plans were replaced by better ones.
func (a *Agent) Replans() int { return a.replans }

// Pending reports whether a plan is being computed.
func (a *Agent) Pending() bool { return a.pending != nil }

// NextPlanTick returns the tick at which the next plan may be requested.
func (a *Agent) NextPlanTick() uint64 { return a.nextPlan }

// Update runs the brain once for tick.
func (a *Agent) Update(tick uint64, dt time.Duration) error {
	a.tick, a.dt, a.idle = tick, dt, false
	a.bb.SetTick(tick)
	_, err := a.brain.Tick()
	return err
}

// Stop cancels a pending plan and aborts the running one.
func (a *Agent) Stop() {
	if a.pending != nil {
		a.pending.Cancel()
		a.pending = nil
	}
	a.runner.Abort()
}

func (a *Agent) replanNode([]bt.Node) (bt.Status, error) {
	if a.pending == nil && a.tick >= a.nextPlan {
		a.requestPlan()
	}
	return bt.Success, nil
}

func (a *Agent) runNode([]bt.Node) (bt.Status, error) {
	if !a.runner.Active() {
		return bt.Failure, nil
	}
	switch a.runner.Update(a.dt) {
	case htn.RunRunning:
		return bt.Running, nil
	case htn.RunCompleted:
		a.failures = 0
		a.nextPlan = a.tick
		return bt.Success, nil
	default:
		a.fail(nil)
		return bt.Failure, nil
	}
}

func (a *Agent) awaitNode([]bt.Node) (bt.Status, error) {
	if a.pending == nil {
		return bt.Failure, nil
	}
	return bt.Running, nil
}

func (a *Agent) idleNode([]bt.Node) (bt.Status, error) {
	a.idle = true
	return bt.Success, nil
}

func (a *Agent) requestPlan() {
	var job *htn.PlanJob
	job = htn.NewPlanJob(a.root, a.bb, htn.Options{
		StepsPerRun: a.cfg.StepsPerRun,
		OnComplete: func(p *htn.Plan, err error) {
			if errors.Is(err, jobqueue.ErrCancelled) {
				return
			}
			if a.pending == job {
				a.pending = nil
			}
			a.planned(p, err)
		},
	})
	a.pending = job
	a.plans.Enqueue(job)
}

func (a *Agent) planned(p *htn.Plan, err error) {
	if err != nil {
		log.Debug("Planning failed", "agent", a.name, "root", a.root.TaskName(), "error", err)
		a.fail(err)
		return
	}
	a.nextPlan = a.tick + a.cfg.ReplanCooldown
	wasActive := a.runner.Active()
	if !a.runner.Offer(p) {
		return
	}
	a.failures = 0
	if wasActive {
		a.replans++
		if a.observer != nil {
			a.observer.PlanReplaced()
		}
		log.Debug("Plan replaced", "agent", a.name, "record", p.Record.String())
	}
}

func (a *Agent) fail(err error) {
	if err != nil {
		a.lastErr = err
	}
	a.failures++
	a.nextPlan = a.tick + a.backoff()
}

// backoff doubles the cooldown per consecutive failure, capped.
func (a *Agent) backoff() uint64 {
	d := a.cfg.ReplanCooldown
	for i := 1; i < a.failures && d < a.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, a.cfg.MaxBackoff)
}
