// ============================================================================
// Beaver-Nav Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collects scheduler, graph, path and planning metrics and serves
//           them on /metrics
//
// Metric families:
//
//   1. Job counters, by queue:
//      - beaver_jobs_enqueued_total / finished / failed / cancelled
//      - beaver_job_steps_total: Run calls made
//      - beaver_budget_overrun_total: cycles that ran out of budget with
//        jobs still ready
//
//   2. Process time, by queue (histogram):
//      - beaver_process_seconds: wall time spent inside one Process call
//        * buckets from 50µs to 25ms, around the per-tick budgets
//
//   3. Queue gauges, by queue:
//      - beaver_queue_ready / beaver_queue_waiting
//      - beaver_queue_max_wait_cycles: longest a ready job went unserved
//
//   4. World, by shard:
//      - beaver_graph_chunks, beaver_graph_invalidations_total
//      - beaver_npc_idle: agents with nothing to do
//
//   5. Search and planning:
//      - beaver_path_restarts_total, beaver_plans_replaced_total
//
// Useful queries:
//
//   # share of ticks where the path queue overran
//   rate(beaver_budget_overrun_total{queue="path"}[1m]) / rate(beaver_process_seconds_count{queue="path"}[1m])
//
//   # starvation
//   max_over_time(beaver_queue_max_wait_cycles[5m])
//
// The Collector implements the observer interfaces of jobqueue, pathgraph
// (through ForShard), pathfind and npc, so those packages never import
// Prometheus.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-nav/internal/jobqueue"
	"github.com/ChuLiYu/beaver-nav/internal/pathgraph"
	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

// Collector Prometheus metrics for every simulation shard.
type Collector struct {
	// jobs
	jobsEnqueued  *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsCancelled *prometheus.CounterVec
	jobSteps      *prometheus.CounterVec
	overruns      *prometheus.CounterVec

	// queues
	processTime  *prometheus.HistogramVec
	queueReady   *prometheus.GaugeVec
	queueWaiting *prometheus.GaugeVec
	maxWait      *prometheus.GaugeVec

	// world
	graphChunks   *prometheus.GaugeVec
	invalidations *prometheus.CounterVec
	npcIdle       *prometheus.GaugeVec

	pathRestarts  prometheus.Counter
	plansReplaced prometheus.Counter
}

// NewCollector creates the metric families and registers them with the
// default registerer.
func NewCollector() *Collector {
	byQueue := []string{"queue"}
	byShard := []string{"shard"}

	c := &Collector{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}, byQueue),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_jobs_finished_total",
			Help: "Total number of jobs that finished successfully",
		}, byQueue),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_jobs_failed_total",
			Help: "Total number of jobs that failed",
		}, byQueue),
		jobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_jobs_cancelled_total",
			Help: "Total number of jobs aborted after cancellation",
		}, byQueue),
		jobSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_job_steps_total",
			Help: "Total number of job Run calls",
		}, byQueue),
		overruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_budget_overrun_total",
			Help: "Process calls that exhausted the budget with jobs still ready",
		}, byQueue),
		processTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beaver_process_seconds",
			Help:    "Wall time spent in one scheduler Process call",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 10),
		}, byQueue),
		queueReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beaver_queue_ready",
			Help: "Jobs ready to run after the last cycle",
		}, byQueue),
		queueWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beaver_queue_waiting",
			Help: "Jobs parked in the waiting list after the last cycle",
		}, byQueue),
		maxWait: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beaver_queue_max_wait_cycles",
			Help: "Longest number of cycles a ready job has gone without running",
		}, byQueue),
		graphChunks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beaver_graph_chunks",
			Help: "Chunks currently materialised in the path graph",
		}, byShard),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_graph_invalidations_total",
			Help: "Tiles whose cached nodes and edges were invalidated",
		}, byShard),
		npcIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beaver_npc_idle",
			Help: "Agents with no plan and none pending",
		}, byShard),
		pathRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaver_path_restarts_total",
			Help: "Path searches restarted because the graph changed",
		}),
		plansReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaver_plans_replaced_total",
			Help: "Running plans replaced by a better plan",
		}),
	}

	prometheus.MustRegister(
		c.jobsEnqueued,
		c.jobsFinished,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobSteps,
		c.overruns,
		c.processTime,
		c.queueReady,
		c.queueWaiting,
		c.maxWait,
		c.graphChunks,
		c.invalidations,
		c.npcIdle,
		c.pathRestarts,
		c.plansReplaced,
	)
	return c
}

// JobEnqueued implements jobqueue.Observer.
func (c *Collector) JobEnqueued(queue string) {
	c.jobsEnqueued.WithLabelValues(queue).Inc()
}

// JobCompleted implements jobqueue.Observer.
func (c *Collector) JobCompleted(queue string, status types.JobStatus, cancelled bool) {
	switch {
	case cancelled:
		c.jobsCancelled.WithLabelValues(queue).Inc()
	case status == types.StatusFinished:
		c.jobsFinished.WithLabelValues(queue).Inc()
	default:
		c.jobsFailed.WithLabelValues(queue).Inc()
	}
}

// CycleProcessed implements jobqueue.Observer.
func (c *Collector) CycleProcessed(queue string, cycle jobqueue.Cycle) {
	c.jobSteps.WithLabelValues(queue).Add(float64(cycle.Ran))
	c.processTime.WithLabelValues(queue).Observe(cycle.Elapsed.Seconds())
	c.queueReady.WithLabelValues(queue).Set(float64(cycle.Ready))
	c.queueWaiting.WithLabelValues(queue).Set(float64(cycle.Waiting))
	c.maxWait.WithLabelValues(queue).Set(float64(cycle.MaxWaitCycles))
	if cycle.Overrun {
		c.overruns.WithLabelValues(queue).Inc()
	}
}

// PathRestarted implements pathfind.Observer.
func (c *Collector) PathRestarted() { c.pathRestarts.Inc() }

// PlanReplaced implements npc.Observer.
func (c *Collector) PlanReplaced() { c.plansReplaced.Inc() }

// SetIdle records the idle agent count of a shard.
func (c *Collector) SetIdle(shard, idle int) {
	c.npcIdle.WithLabelValues(strconv.Itoa(shard)).Set(float64(idle))
}

// ForShard returns a graph observer that labels with shard.
func (c *Collector) ForShard(shard int) pathgraph.Observer {
	return shardObserver{c: c, shard: strconv.Itoa(shard)}
}

type shardObserver struct {
	c     *Collector
	shard string
}

func (o shardObserver) GraphChunks(count int) {
	o.c.graphChunks.WithLabelValues(o.shard).Set(float64(count))
}

func (o shardObserver) GraphInvalidated(tiles int) {
	o.c.invalidations.WithLabelValues(o.shard).Add(float64(tiles))
}

// Handler serves the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer serves /metrics on port until the listener fails.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
