package npc

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-nav/internal/blackboard"
	"github.com/ChuLiYu/beaver-nav/internal/htn"
	"github.com/ChuLiYu/beaver-nav/internal/pathfind"
	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

var ErrBadArgs = errors.New("bad operator arguments")

// Operator names understood by domain files.
const (
	OpMoveTo          = "move_to"
	OpWait            = "wait"
	OpSet             = "set"
	OpPickPatrolPoint = "pick_patrol_point"
)

// NewRegistry returns the builtin operators bound to a path service.
func NewRegistry(paths *pathfind.Service) *htn.Registry {
	reg := htn.NewRegistry()
	reg.Register(OpMoveTo, func(args map[string]any) (htn.OperatorFactory, error) {
		return buildMoveTo(paths, args)
	})
	reg.Register(OpWait, buildWait)
	reg.Register(OpSet, buildSet)
	reg.Register(OpPickPatrolPoint, buildPickPatrolPoint)
	return reg
}

func stringArg(args map[string]any, name, def string) (string, error) {
	v, ok := args[name]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrBadArgs, name, v)
	}
	return s, nil
}

func coordArg(v any) (types.TileCoord, error) {
	s, ok := v.(string)
	if !ok {
		return types.TileCoord{}, fmt.Errorf("%w: coordinate must be \"x,y\", got %T", ErrBadArgs, v)
	}
	c, err := types.ParseTileCoord(s)
	if err != nil {
		return types.TileCoord{}, fmt.Errorf("%w: %v", ErrBadArgs, err)
	}
	return c, nil
}

// ----------------------------------------------------------------------------
// move_to
// ----------------------------------------------------------------------------

// MoveTo walks the agent to a tile, one tile per update. The target is a
// fixed coordinate or read from a blackboard key when the step starts.
type MoveTo struct {
	paths     *pathfind.Service
	targetKey blackboard.Key
	fixed     *types.TileCoord

	target types.TileCoord
	job    *pathfind.SearchJob
	path   []types.TileCoord
	next   int
	err    error
}

func buildMoveTo(paths *pathfind.Service, args map[string]any) (htn.OperatorFactory, error) {
	if paths == nil {
		return nil, fmt.Errorf("%w: no path service", ErrBadArgs)
	}
	var fixed *types.TileCoord
	if v, ok := args["to"]; ok {
		c, err := coordArg(v)
		if err != nil {
			return nil, err
		}
		fixed = &c
	}
	key, err := stringArg(args, "target", "")
	if err != nil {
		return nil, err
	}
	if (fixed == nil) == (key == "") {
		return nil, fmt.Errorf("%w: move_to needs exactly one of to or target", ErrBadArgs)
	}
	return func() htn.Operator {
		return &MoveTo{paths: paths, targetKey: blackboard.Key(key), fixed: fixed}
	}, nil
}

func (m *MoveTo) goal(v blackboard.View) (types.TileCoord, bool) {
	if m.fixed != nil {
		return *m.fixed, true
	}
	return blackboard.Get[types.TileCoord](v, m.targetKey)
}

func (m *MoveTo) CanStart(v blackboard.View) bool {
	_, hasGoal := m.goal(v)
	_, hasPos := blackboard.Get[types.TileCoord](v, KeyPosition)
	return hasGoal && hasPos
}

func (m *MoveTo) Predict(v blackboard.View) (blackboard.Effects, bool) {
	g, ok := m.goal(v)
	if !ok {
		return nil, false
	}
	return blackboard.Effects{KeyPosition: g}, true
}

func (m *MoveTo) Startup(bb *blackboard.Blackboard) {
	m.target, _ = m.goal(bb)
	m.path, m.next, m.err = nil, 0, nil
}

func (m *MoveTo) Update(bb *blackboard.Blackboard, _ time.Duration) htn.OperatorStatus {
	if m.err != nil {
		return htn.Failed
	}
	pos := blackboard.GetOr(blackboard.View(bb), KeyPosition, types.TileCoord{})
	if pos == m.target {
		return htn.Finished
	}
	if m.path == nil {
		if m.job == nil {
			m.request(bb, pos)
		}
		return htn.Continuing
	}

	step := m.path[m.next]
	if !m.enterable(bb, step) {
		m.path = nil
		m.request(bb, pos)
		return htn.Continuing
	}
	bb.Set(KeyPosition, step)
	m.next++
	if step == m.target {
		return htn.Finished
	}
	return htn.Continuing
}

func (m *MoveTo) Shutdown(*blackboard.Blackboard, htn.ShutdownReason) {
	if m.job != nil && !m.job.Done() {
		m.job.Cancel()
	}
	m.job = nil
}

func (m *MoveTo) request(bb *blackboard.Blackboard, from types.TileCoord) {
	args := blackboard.GetOr(blackboard.View(bb), KeyPathArgs, pathfind.Args{})
	var job *pathfind.SearchJob
	job = m.paths.Find(from, m.target, args, func(p pathfind.Path, err error) {
		if m.job != job {
			return
		}
		m.job = nil
		if err != nil {
			m.err = err
			return
		}
		// Tiles[0] is the tile the agent stands on.
		m.path, m.next = p.Tiles, 1
	})
	m.job = job
}

func (m *MoveTo) enterable(bb *blackboard.Blackboard, c types.TileCoord) bool {
	n, ok := m.paths.Graph().GetNode(c)
	if !ok || !n.Traversable() {
		return false
	}
	args := blackboard.GetOr(blackboard.View(bb), KeyPathArgs, pathfind.Args{})
	return args.CanEnter(n.Tile())
}

// ----------------------------------------------------------------------------
// wait
// ----------------------------------------------------------------------------

// Wait finishes once its duration of simulated time has passed.
type Wait struct {
	duration time.Duration
	elapsed  time.Duration
}

func buildWait(args map[string]any) (htn.OperatorFactory, error) {
	s, err := stringArg(args, "duration", "")
	if err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return nil, fmt.Errorf("%w: wait duration %q", ErrBadArgs, s)
	}
	return func() htn.Operator { return &Wait{duration: d} }, nil
}

func (w *Wait) Update(_ *blackboard.Blackboard, dt time.Duration) htn.OperatorStatus {
	w.elapsed += dt
	if w.elapsed >= w.duration {
		return htn.Finished
	}
	return htn.Continuing
}

// ----------------------------------------------------------------------------
// set
// ----------------------------------------------------------------------------

// Set writes one value. A nil value deletes the key.
type Set struct {
	key   blackboard.Key
	value any
}

func buildSet(args map[string]any) (htn.OperatorFactory, error) {
	key, err := stringArg(args, "key", "")
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("%w: set needs a key", ErrBadArgs)
	}
	value := args["value"]
	if value == nil {
		value = blackboard.Deleted
	}
	op := &Set{key: blackboard.Key(key), value: value}
	return htn.Use(op), nil
}

func (s *Set) Predict(blackboard.View) (blackboard.Effects, bool) {
	return blackboard.Effects{s.key: s.value}, true
}

func (s *Set) Update(bb *blackboard.Blackboard, _ time.Duration) htn.OperatorStatus {
	bb.Apply(blackboard.Effects{s.key: s.value})
	return htn.Finished
}

// ----------------------------------------------------------------------------
// pick_patrol_point
// ----------------------------------------------------------------------------

// PickPatrolPoint cycles through a fixed list of points, writing the next
// one to a target key.
type PickPatrolPoint struct {
	points   []types.TileCoord
	key      blackboard.Key
	indexKey blackboard.Key
}

func buildPickPatrolPoint(args map[string]any) (htn.OperatorFactory, error) {
	raw, ok := args["points"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%w: pick_patrol_point needs a list of points", ErrBadArgs)
	}
	points := make([]types.TileCoord, len(raw))
	for i, v := range raw {
		c, err := coordArg(v)
		if err != nil {
			return nil, err
		}
		points[i] = c
	}
	key, err := stringArg(args, "key", "patrol_target")
	if err != nil {
		return nil, err
	}
	op := &PickPatrolPoint{
		points:   points,
		key:      blackboard.Key(key),
		indexKey: blackboard.Key(key + "_index"),
	}
	return htn.Use(op), nil
}

func (p *PickPatrolPoint) Predict(v blackboard.View) (blackboard.Effects, bool) {
	i := 0
	if prev, ok := blackboard.Get[int](v, p.indexKey); ok {
		i = (prev + 1) % len(p.points)
	}
	return blackboard.Effects{p.key: p.points[i], p.indexKey: i}, true
}

func (p *PickPatrolPoint) Update(bb *blackboard.Blackboard, _ time.Duration) htn.OperatorStatus {
	eff, _ := p.Predict(bb)
	bb.Apply(eff)
	return htn.Finished
}
