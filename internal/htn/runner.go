package htn

import (
	"time"

	"github.com/ChuLiYu/beaver-nav/internal/blackboard"
)

// RunStatus is the outcome of one Runner.Update.
type RunStatus int

const (
	RunIdle RunStatus = iota
	RunRunning
	RunCompleted
	RunFailed
)

func (s RunStatus) String() string {
	return [...]string{"idle", "running", "completed", "failed"}[s]
}

// Runner drives a plan's operators against the live blackboard, one step
// at a time. Operators that finish hand over to the next step within the
// same Update.
type Runner struct {
	bb      *blackboard.Blackboard
	plan    *Plan
	index   int
	started bool
}

func NewRunner(bb *blackboard.Blackboard) *Runner {
	return &Runner{bb: bb}
}

// Plan returns the plan being executed, or nil.
func (r *Runner) Plan() *Plan { return r.plan }

// Active reports whether a plan is loaded.
func (r *Runner) Active() bool { return r.plan != nil }

// Current returns the step being executed.
func (r *Runner) Current() (Step, bool) {
	if r.plan == nil || r.index >= len(r.plan.Steps) {
		return Step{}, false
	}
	return r.plan.Steps[r.index], true
}

// Offer installs p if nothing runs or p's branch record is better than the
// running plan's. A replaced operator is shut down with ReasonBetterPlan.
func (r *Runner) Offer(p *Plan) bool {
	if p == nil {
		return false
	}
	if r.plan != nil {
		if !p.Record.Better(r.plan.Record) {
			return false
		}
		r.shutdown(ReasonBetterPlan)
	}
	r.plan, r.index, r.started = p, 0, false
	return true
}

// Abort stops the running plan.
func (r *Runner) Abort() {
	if r.plan == nil {
		return
	}
	r.shutdown(ReasonAborted)
	r.clear()
}

// Update advances the current operator by dt.
func (r *Runner) Update(dt time.Duration) RunStatus {
	for r.plan != nil {
		if r.index >= len(r.plan.Steps) {
			r.clear()
			return RunCompleted
		}
		step := r.plan.Steps[r.index]

		if !r.started {
			if s, ok := step.Operator.(Starter); ok && !s.CanStart(r.bb) {
				r.clear()
				return RunFailed
			}
			if lc, ok := step.Operator.(Lifecycle); ok {
				lc.Startup(r.bb)
			}
			if step.Task.ApplyEffectsOnStart {
				r.bb.Apply(step.Effects)
			}
			r.started = true
		}

		switch step.Operator.Update(r.bb, dt) {
		case Continuing:
			return RunRunning
		case Finished:
			r.shutdown(ReasonFinished)
			r.index++
			r.started = false
		default:
			r.shutdown(ReasonFailed)
			r.clear()
			return RunFailed
		}
	}
	return RunIdle
}

func (r *Runner) shutdown(reason ShutdownReason) {
	if !r.started {
		return
	}
	if step, ok := r.Current(); ok {
		if lc, ok := step.Operator.(Lifecycle); ok {
			lc.Shutdown(r.bb, reason)
		}
	}
	r.started = false
}

func (r *Runner) clear() {
	r.plan, r.index, r.started = nil, 0, false
}
