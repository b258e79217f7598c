// ============================================================================
// Beaver-Nav HTN Planner - Time-Sliced Task Decomposition
// ============================================================================
//
// Package: internal/htn
// File: planner.go
// Function: Decomposes a root task into an ordered list of primitive steps
//           as a scheduler job, a bounded number of decomposition steps
//           per Run
//
// Search:
//   Depth-first over an explicit task stack. A compound task tries its
//   methods in order; the first whose conditions hold against the current
//   view is expanded and a savepoint is pushed. A primitive is accepted
//   when its conditions and operator gate hold, and its predicted effects
//   are layered onto the view for the tasks after it.
//
// Backtracking:
//   When a task cannot be satisfied, the latest savepoint restores the
//   task stack, plan prefix, view and branch record and the next method of
//   that compound is tried. Views are immutable overlays, so restoring is
//   just swapping a pointer. An exhausted root fails the job with
//   ErrNoViableDecomposition.
//
// Isolation:
//   Planning reads a snapshot of the blackboard taken on the first Run.
//   The live blackboard is never written.
//
// ============================================================================

package htn

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ChuLiYu/beaver-nav/internal/blackboard"
	"github.com/ChuLiYu/beaver-nav/internal/jobqueue"
	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

var (
	// ErrNoViableDecomposition means every method choice failed.
	ErrNoViableDecomposition = errors.New("no viable decomposition")
	// ErrPlanningLimit means the planner gave up after Options.MaxSteps.
	ErrPlanningLimit = errors.New("planning step limit reached")
)

const (
	DefaultStepsPerRun   = 16
	DefaultMaxPlanLength = 64
	DefaultMaxSteps      = 4096
)

// Options tune a PlanJob. Zero values take the defaults.
type Options struct {
	StepsPerRun   int
	MaxPlanLength int
	MaxSteps      int
	OnComplete    func(*Plan, error)
}

type savepoint struct {
	compound *Compound
	next     int
	tasks    []Task
	steps    int
	methods  int
	record   int
	view     blackboard.View
}

// PlanJob plans one root task for one agent.
type PlanJob struct {
	jobqueue.BaseJob[*Plan]

	root Task
	bb   *blackboard.Blackboard
	opts Options

	started    bool
	tasks      []Task
	steps      []Step
	methods    []string
	record     BranchRecord
	view       blackboard.View
	saves      []savepoint
	work       int
	backtracks int
}

// NewPlanJob creates a pending planning job. Nil arguments panic.
func NewPlanJob(root Task, bb *blackboard.Blackboard, opts Options) *PlanJob {
	if root == nil || bb == nil {
		panic("htn: plan job needs a root task and a blackboard")
	}
	if opts.StepsPerRun <= 0 {
		opts.StepsPerRun = DefaultStepsPerRun
	}
	if opts.MaxPlanLength <= 0 {
		opts.MaxPlanLength = DefaultMaxPlanLength
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	return &PlanJob{
		BaseJob: jobqueue.NewBaseJob(opts.OnComplete),
		root:    root,
		bb:      bb,
		opts:    opts,
	}
}

// Work returns the decomposition steps taken so far.
func (j *PlanJob) Work() int { return j.work }

// Backtracks returns how many savepoints were restored.
func (j *PlanJob) Backtracks() int { return j.backtracks }

// Run performs up to StepsPerRun decomposition steps.
func (j *PlanJob) Run() types.JobStatus {
	if j.Done() {
		return j.Status()
	}
	j.Step()
	if !j.started {
		j.started = true
		j.view = j.bb.Snapshot()
		j.tasks = []Task{j.root}
	}

	for n := 0; n < j.opts.StepsPerRun; n++ {
		if len(j.tasks) == 0 {
			return j.Finish(j.plan())
		}
		if j.work >= j.opts.MaxSteps {
			return j.Fail(fmt.Errorf("%w: %s after %d steps", ErrPlanningLimit, j.root.TaskName(), j.work))
		}
		j.work++

		t := j.tasks[len(j.tasks)-1]
		j.tasks = j.tasks[:len(j.tasks)-1]

		var ok bool
		switch t := t.(type) {
		case *Primitive:
			ok = j.accept(t)
		case *Compound:
			ok = j.decompose(t, 0)
		default:
			panic(fmt.Sprintf("htn: unknown task type %T", t))
		}
		if !ok && !j.backtrack() {
			return j.Fail(fmt.Errorf("%w: %s", ErrNoViableDecomposition, j.root.TaskName()))
		}
	}
	if len(j.tasks) == 0 {
		return j.Finish(j.plan())
	}
	return j.Continue()
}

// decompose expands c with its first applicable method at or after from.
// The stack must already have c popped.
func (j *PlanJob) decompose(c *Compound, from int) bool {
	for i := from; i < len(c.Methods); i++ {
		m := c.Methods[i]
		if !AllMet(j.view, m.Conditions) {
			continue
		}
		j.saves = append(j.saves, savepoint{
			compound: c,
			next:     i + 1,
			tasks:    slices.Clone(j.tasks),
			steps:    len(j.steps),
			methods:  len(j.methods),
			record:   len(j.record),
			view:     j.view,
		})
		j.record = append(j.record, i)
		j.methods = append(j.methods, c.Name+"/"+m.Name)
		for k := len(m.Subtasks) - 1; k >= 0; k-- {
			j.tasks = append(j.tasks, m.Subtasks[k])
		}
		return true
	}
	return false
}

// accept appends p to the plan if it can run from the current view.
func (j *PlanJob) accept(p *Primitive) bool {
	if len(j.steps) >= j.opts.MaxPlanLength {
		return false
	}
	if !AllMet(j.view, p.Conditions) || p.Operator == nil {
		return false
	}
	op := p.Operator()
	if s, ok := op.(Starter); ok && !s.CanStart(j.view) {
		return false
	}
	eff := p.Effects
	if pr, ok := op.(Predictor); ok {
		predicted, ok := pr.Predict(j.view)
		if !ok {
			return false
		}
		eff = eff.Merge(predicted)
	}
	j.view = blackboard.With(j.view, eff)
	j.steps = append(j.steps, Step{Task: p, Operator: op, Effects: eff})
	return true
}

// backtrack restores savepoints until one has another applicable method.
func (j *PlanJob) backtrack() bool {
	for len(j.saves) > 0 {
		sp := j.saves[len(j.saves)-1]
		j.saves = j.saves[:len(j.saves)-1]

		j.tasks = sp.tasks
		j.steps = j.steps[:sp.steps]
		j.methods = j.methods[:sp.methods]
		j.record = j.record[:sp.record]
		j.view = sp.view
		j.backtracks++

		if j.decompose(sp.compound, sp.next) {
			return true
		}
	}
	return false
}

func (j *PlanJob) plan() *Plan {
	return &Plan{
		Root:    j.root,
		Steps:   slices.Clone(j.steps),
		Record:  slices.Clone(j.record),
		Methods: slices.Clone(j.methods),
	}
}
