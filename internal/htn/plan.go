package htn

import (
	"fmt"
	"strings"

	"github.com/ChuLiYu/beaver-nav/internal/blackboard"
)

// BranchRecord lists the method index chosen at every compound decision,
// in decomposition order.
type BranchRecord []int

// Better reports whether r is preferred over other: at the first decision
// where they differ, r chose an earlier method. Records where one is a
// prefix of the other, or that are identical, are not better.
func (r BranchRecord) Better(other BranchRecord) bool {
	for i := 0; i < len(r) && i < len(other); i++ {
		if r[i] != other[i] {
			return r[i] < other[i]
		}
	}
	return false
}

func (r BranchRecord) String() string {
	parts := make([]string, len(r))
	for i, m := range r {
		parts[i] = fmt.Sprint(m)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Step is one primitive task of a plan with its operator instance and the
// effects the planner predicted for it.
type Step struct {
	Task     *Primitive
	Operator Operator
	Effects  blackboard.Effects
}

// Plan is an ordered list of steps produced by decomposing a root task.
type Plan struct {
	Root    Task
	Steps   []Step
	Record  BranchRecord
	Methods []string
}

// Len returns the number of steps.
func (p *Plan) Len() int { return len(p.Steps) }

// Names returns the primitive task names in order.
func (p *Plan) Names() []string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Task.Name
	}
	return names
}

// Predicted returns the blackboard state expected once every step ran.
func (p *Plan) Predicted(base blackboard.View) blackboard.View {
	v := base
	for _, s := range p.Steps {
		v = blackboard.With(v, s.Effects)
	}
	return v
}
