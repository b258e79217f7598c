package htn

import (
	"github.com/ChuLiYu/beaver-nav/internal/blackboard"
)

// Task is either a *Primitive or a *Compound.
type Task interface {
	TaskName() string
	task()
}

// Primitive is a directly executable task backed by an operator.
type Primitive struct {
	Name       string
	Conditions []Condition
	// Effects are predicted changes added to whatever the operator's
	// Predictor reports.
	Effects blackboard.Effects
	// ApplyEffectsOnStart writes the predicted effects into the live
	// blackboard when the operator starts.
	ApplyEffectsOnStart bool
	Operator            OperatorFactory
}

func (p *Primitive) TaskName() string { return p.Name }
func (*Primitive) task()              {}

// Method is one way of decomposing a compound task.
type Method struct {
	Name       string
	Conditions []Condition
	Subtasks   []Task
}

// Compound decomposes through the first applicable method, in order.
type Compound struct {
	Name    string
	Methods []*Method
}

func (c *Compound) TaskName() string { return c.Name }
func (*Compound) task()              {}
