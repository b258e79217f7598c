package htn

import (
	"time"

	"github.com/ChuLiYu/beaver-nav/internal/blackboard"
)

// OperatorStatus is the result of one Operator.Update.
type OperatorStatus int

const (
	Continuing OperatorStatus = iota
	Finished
	Failed
)

func (s OperatorStatus) String() string {
	switch s {
	case Continuing:
		return "continuing"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Operator executes one primitive task, tick by tick.
type Operator interface {
	Update(bb *blackboard.Blackboard, dt time.Duration) OperatorStatus
}

// Starter is implemented by operators with a cheap gate checked before
// planning a step and again before starting it.
type Starter interface {
	CanStart(v blackboard.View) bool
}

// Predictor is implemented by operators that can say, without side
// effects, what they would change. ok false means the operator cannot run
// from the given view.
type Predictor interface {
	Predict(v blackboard.View) (eff blackboard.Effects, ok bool)
}

// ShutdownReason tells an operator why it stopped.
type ShutdownReason int

const (
	ReasonFinished ShutdownReason = iota
	ReasonFailed
	ReasonBetterPlan
	ReasonAborted
)

func (r ShutdownReason) String() string {
	return [...]string{"finished", "failed", "better_plan", "aborted"}[r]
}

// Lifecycle is implemented by operators that acquire and release
// resources around their run.
type Lifecycle interface {
	Startup(bb *blackboard.Blackboard)
	Shutdown(bb *blackboard.Blackboard, reason ShutdownReason)
}

// OperatorFactory makes a fresh operator for one plan step.
type OperatorFactory func() Operator

// Use returns a factory that always hands out op. Only for stateless
// operators.
func Use(op Operator) OperatorFactory {
	return func() Operator { return op }
}

// OperatorFunc adapts a stateless function to Operator.
type OperatorFunc func(bb *blackboard.Blackboard, dt time.Duration) OperatorStatus

func (f OperatorFunc) Update(bb *blackboard.Blackboard, dt time.Duration) OperatorStatus {
	return f(bb, dt)
}
