package pathfind

import (
	"github.com/ChuLiYu/beaver-nav/internal/jobqueue"
	"github.com/ChuLiYu/beaver-nav/internal/pathgraph"
	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

// Config holds the defaults a Service applies to requests.
type Config struct {
	BatchSize     int `yaml:"batch_size"`
	MaxExpansions int `yaml:"max_expansions"`
}

// Service builds search jobs against one graph and enqueues them on the
// path scheduler of the same simulation.
type Service struct {
	graph    *pathgraph.Graph
	queue    *jobqueue.Scheduler
	cfg      Config
	observer Observer
}

// NewService wires a graph to its path queue. observer may be nil.
func NewService(graph *pathgraph.Graph, queue *jobqueue.Scheduler, cfg Config, observer Observer) *Service {
	return &Service{graph: graph, queue: queue, cfg: cfg, observer: observer}
}

// Graph returns the graph searches run over.
func (s *Service) Graph() *pathgraph.Graph { return s.graph }

// Find enqueues a search from start to goal and returns its handle. Goals
// outside the agent's reachable regions fail on the job's first run
// without a search.
func (s *Service) Find(start, goal types.TileCoord, args Args, onComplete func(Path, error)) *SearchJob {
	if args.MaxExpansions == 0 {
		args.MaxExpansions = s.cfg.MaxExpansions
	}
	job := NewSearchJob(s.graph, Request{
		Start:      start,
		Goal:       goal,
		Args:       args,
		BatchSize:  s.cfg.BatchSize,
		Observer:   s.observer,
		OnComplete: onComplete,

		CheckReachable: true,
	})
	s.queue.Enqueue(job)
	return job
}
