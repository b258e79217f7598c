package htn

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-nav/internal/blackboard"
)

var (
	ErrInvalidDomain   = errors.New("invalid domain")
	ErrUnknownOperator = errors.New("unknown operator")
	ErrUnknownTask     = errors.New("unknown task")
)

// DomainVersion is the domain file schema version this package reads.
const DomainVersion = 1

// OperatorBuilder validates operator arguments from a domain file and
// returns a factory for per-step operator instances.
type OperatorBuilder func(args map[string]any) (OperatorFactory, error)

// Registry maps operator names used in domain files to builders.
type Registry struct {
	builders map[string]OperatorBuilder
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]OperatorBuilder)}
}

// Register adds or replaces a builder.
func (r *Registry) Register(name string, b OperatorBuilder) {
	r.builders[name] = b
}

// Names returns the registered operator names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.builders))
	for n := range r.builders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build resolves name with args.
func (r *Registry) Build(name string, args map[string]any) (OperatorFactory, error) {
	b, ok := r.builders[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownOperator, name)
	}
	f, err := b(args)
	if err != nil {
		return nil, fmt.Errorf("operator %q: %w", name, err)
	}
	return f, nil
}

// Domain is a set of named tasks with a root.
type Domain struct {
	Root  Task
	Tasks map[string]Task
}

// Task looks up a task by name.
func (d *Domain) Task(name string) (Task, bool) {
	t, ok := d.Tasks[name]
	return t, ok
}

type domainFile struct {
	Version int                 `yaml:"version"`
	Root    string              `yaml:"root"`
	Tasks   map[string]taskSpec `yaml:"tasks"`
}

type taskSpec struct {
	When                conditionList  `yaml:"when"`
	Methods             []methodSpec   `yaml:"methods"`
	Operator            string         `yaml:"operator"`
	Args                map[string]any `yaml:"args"`
	Effects             map[string]any `yaml:"effects"`
	ApplyEffectsOnStart bool           `yaml:"apply_effects_on_start"`
}

type methodSpec struct {
	Name string        `yaml:"name"`
	When conditionList `yaml:"when"`
	Do   []string      `yaml:"do"`
}

// conditionList accepts a single expression or a list of them.
type conditionList []string

func (c *conditionList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*c = conditionList{n.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := n.Decode(&list); err != nil {
			return err
		}
		*c = list
		return nil
	default:
		return fmt.Errorf("line %d: conditions must be a string or a list of strings", n.Line)
	}
}

func (c conditionList) compile() ([]Condition, error) {
	out := make([]Condition, 0, len(c))
	for _, src := range c {
		cond, err := CompileCondition(src)
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, nil
}

// LoadDomain reads and parses a domain file.
func LoadDomain(path string, reg *Registry) (*Domain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain: %w", err)
	}
	d, err := ParseDomain(data, reg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// ParseDomain builds a Domain from YAML. Tasks may reference each other
// in any order, recursively included.
func ParseDomain(data []byte, reg *Registry) (*Domain, error) {
	var f domainFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}
	if f.Version != 0 && f.Version != DomainVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrInvalidDomain, f.Version, DomainVersion)
	}
	if len(f.Tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks", ErrInvalidDomain)
	}

	d := &Domain{Tasks: make(map[string]Task, len(f.Tasks))}
	for name, spec := range f.Tasks {
		switch {
		case len(spec.Methods) > 0 && spec.Operator != "":
			return nil, fmt.Errorf("%w: task %q has both methods and an operator", ErrInvalidDomain, name)
		case len(spec.Methods) > 0:
			d.Tasks[name] = &Compound{Name: name}
		case spec.Operator != "":
			d.Tasks[name] = &Primitive{Name: name}
		default:
			return nil, fmt.Errorf("%w: task %q has neither methods nor an operator", ErrInvalidDomain, name)
		}
	}

	for name, spec := range f.Tasks {
		var err error
		switch t := d.Tasks[name].(type) {
		case *Compound:
			err = d.fillCompound(t, spec)
		case *Primitive:
			err = fillPrimitive(t, spec, reg)
		}
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", name, err)
		}
	}

	root, ok := d.Tasks[f.Root]
	if !ok {
		return nil, fmt.Errorf("%w: root %q", ErrUnknownTask, f.Root)
	}
	d.Root = root
	return d, nil
}

func (d *Domain) fillCompound(c *Compound, spec taskSpec) error {
	if len(spec.When) > 0 {
		return fmt.Errorf("%w: compound conditions belong on methods", ErrInvalidDomain)
	}
	for i, ms := range spec.Methods {
		conds, err := ms.When.compile()
		if err != nil {
			return err
		}
		name := ms.Name
		if name == "" {
			name = fmt.Sprintf("m%d", i)
		}
		m := &Method{Name: name, Conditions: conds}
		for _, sub := range ms.Do {
			t, ok := d.Tasks[sub]
			if !ok {
				return fmt.Errorf("%w %q in method %q", ErrUnknownTask, sub, name)
			}
			m.Subtasks = append(m.Subtasks, t)
		}
		c.Methods = append(c.Methods, m)
	}
	return nil
}

func fillPrimitive(p *Primitive, spec taskSpec, reg *Registry) error {
	conds, err := spec.When.compile()
	if err != nil {
		return err
	}
	factory, err := reg.Build(spec.Operator, spec.Args)
	if err != nil {
		return err
	}
	p.Conditions = conds
	p.Operator = factory
	p.ApplyEffectsOnStart = spec.ApplyEffectsOnStart
	if len(spec.Effects) > 0 {
		p.Effects = make(blackboard.Effects, len(spec.Effects))
		for k, v := range spec.Effects {
			if v == nil {
				v = blackboard.Deleted
			}
			p.Effects[blackboard.Key(k)] = v
		}
	}
	return nil
}
