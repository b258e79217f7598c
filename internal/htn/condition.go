package htn

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/ChuLiYu/beaver-nav/internal/blackboard"
)

var log = slog.Default()

// Condition is a pure predicate over a blackboard view. It may be
// evaluated many times while the planner backtracks.
type Condition interface {
	Met(v blackboard.View) bool
}

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(v blackboard.View) bool

func (f ConditionFunc) Met(v blackboard.View) bool { return f(v) }

// AllMet reports whether every condition holds.
func AllMet(v blackboard.View, conds []Condition) bool {
	for _, c := range conds {
		if !c.Met(v) {
			return false
		}
	}
	return true
}

// Has holds when key is present.
func Has(key blackboard.Key) Condition {
	return ConditionFunc(func(v blackboard.View) bool {
		_, ok := v.Lookup(key)
		return ok
	})
}

// Equals holds when key is present and equal to want.
func Equals(key blackboard.Key, want any) Condition {
	return ConditionFunc(func(v blackboard.View) bool {
		got, ok := v.Lookup(key)
		return ok && reflect.DeepEqual(got, want)
	})
}

// IsTrue holds when key is the boolean true.
func IsTrue(key blackboard.Key) Condition {
	return Equals(key, true)
}

func Not(c Condition) Condition {
	return ConditionFunc(func(v blackboard.View) bool { return !c.Met(v) })
}

func All(conds ...Condition) Condition {
	return ConditionFunc(func(v blackboard.View) bool { return AllMet(v, conds) })
}

func Any(conds ...Condition) Condition {
	return ConditionFunc(func(v blackboard.View) bool {
		for _, c := range conds {
			if c.Met(v) {
				return true
			}
		}
		return false
	})
}

// ExprCondition evaluates an expr-lang boolean expression. Identifiers in
// the expression are blackboard keys; absent keys evaluate as nil.
type ExprCondition struct {
	source  string
	program *vm.Program
	keys    []blackboard.Key
}

// CompileCondition parses and compiles src.
func CompileCondition(src string) (*ExprCondition, error) {
	src = strings.TrimSpace(src)
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse condition %q: %w", src, err)
	}
	collect := &identCollector{seen: make(map[string]bool)}
	ast.Walk(&tree.Node, collect)

	program, err := expr.Compile(src,
		expr.Env(map[string]any{}),
		expr.AsBool(),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", src, err)
	}
	return &ExprCondition{source: src, program: program, keys: collect.keys}, nil
}

// MustCondition is CompileCondition that panics on error.
func MustCondition(src string) *ExprCondition {
	c, err := CompileCondition(src)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *ExprCondition) String() string { return c.source }

// Keys returns the blackboard keys the expression reads.
func (c *ExprCondition) Keys() []blackboard.Key { return c.keys }

// Met runs the program against the keys it references. Evaluation errors
// are logged and count as not met.
func (c *ExprCondition) Met(v blackboard.View) bool {
	env := make(map[string]any, len(c.keys))
	for _, k := range c.keys {
		if val, ok := v.Lookup(k); ok {
			env[string(k)] = val
		}
	}
	out, err := expr.Run(c.program, env)
	if err != nil {
		log.Debug("Condition evaluation failed", "condition", c.source, "error", err)
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

type identCollector struct {
	seen map[string]bool
	keys []blackboard.Key
}

func (ic *identCollector) Visit(node *ast.Node) {
	id, ok := (*node).(*ast.IdentifierNode)
	if !ok || ic.seen[id.Value] {
		return
	}
	ic.seen[id.Value] = true
	ic.keys = append(ic.keys, blackboard.Key(id.Value))
}
