// ============================================================================
// Beaver-Nav Scheduler - Time-Budgeted Cooperative Job Queue
// ============================================================================
//
// Package: internal/jobqueue
// File: scheduler.go
// Function: Drains a FIFO of resumable jobs once per simulation tick without
//           ever starting a step after the tick's time budget is spent
//
// Data structures:
//   ready   []*entry  - runnable jobs, FIFO, popped from the head
//   waiting []*entry  - parked jobs, rescanned at the start of each Process
//
// Process() cycle:
//   1. Move waiting jobs whose status changed (or that were cancelled) to
//      the tail of ready
//   2. Start the stopwatch
//   3. While elapsed < budget and ready is non-empty:
//        pop head → cancelled? abort : Run() once
//        terminal → drop, waiting → waiting list, otherwise → ready tail
//
// Fairness:
//   Re-enqueueing at the tail gives round-robin order. N jobs needing K
//   steps each finish within N×K Process calls as long as the budget admits
//   one step per call.
//
// Concurrency:
//   A Scheduler belongs to one simulation goroutine. It takes no locks.
//   Only BaseJob.Cancel may be called from elsewhere.
//
// Starvation:
//   Never an error. Queue depth and the longest wait (in cycles) are
//   reported to the Observer, and a throttled warning is logged once the
//   wait crosses Config.StarvationCycles.
//
// ============================================================================

package jobqueue

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

var log = slog.Default()

// DefaultStarvationCycles is how many Process calls a ready job may go
// without running before the scheduler warns.
const DefaultStarvationCycles = 120

// Observer receives scheduler events. metrics.Collector implements it.
type Observer interface {
	JobEnqueued(queue string)
	JobCompleted(queue string, status types.JobStatus, cancelled bool)
	CycleProcessed(queue string, c Cycle)
}

// Config configures a Scheduler.
type Config struct {
	Name             string        // queue label for logs and metrics
	Budget           time.Duration // wall-clock budget per Process call
	Clock            Clock         // defaults to SystemClock
	Observer         Observer      // optional
	StarvationCycles int           // defaults to DefaultStarvationCycles
}

// Cycle summarises one Process call.
type Cycle struct {
	Ran           int           // Run calls made
	Finished      int           // jobs that finished this cycle
	Failed        int           // jobs that failed this cycle (excluding cancellations)
	Cancelled     int           // jobs aborted because Cancel was requested
	Woken         int           // jobs moved from waiting back to ready
	Elapsed       time.Duration // stopwatch reading when the loop stopped
	Ready         int           // ready depth after the cycle
	Waiting       int           // waiting depth after the cycle
	MaxWaitCycles uint64        // longest time a ready job has gone without running
	Overrun       bool          // the budget ran out with jobs still ready
}

// Stats are cumulative counters since construction.
type Stats struct {
	Name      string
	Ready     int
	Waiting   int
	Cycles    uint64
	Enqueued  uint64
	Steps     uint64
	Finished  uint64
	Failed    uint64
	Cancelled uint64
}

type entry struct {
	job        Job
	enqueuedAt uint64
	lastRun    uint64
}

// Scheduler runs jobs cooperatively under a per-call time budget.
type Scheduler struct {
	name     string
	budget   time.Duration
	clock    Clock
	observer Observer
	starve   uint64

	ready   []*entry
	waiting []*entry
	cycle   uint64

	warn  rate.Sometimes
	stats Stats
}

// NewScheduler creates a Scheduler. A non-positive budget panics.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Budget <= 0 {
		panic(fmt.Sprintf("jobqueue: scheduler %q needs a positive budget", cfg.Name))
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.StarvationCycles <= 0 {
		cfg.StarvationCycles = DefaultStarvationCycles
	}
	return &Scheduler{
		name:     cfg.Name,
		budget:   cfg.Budget,
		clock:    cfg.Clock,
		observer: cfg.Observer,
		starve:   uint64(cfg.StarvationCycles),
		ready:    make([]*entry, 0),
		waiting:  make([]*entry, 0),
		warn:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
		stats:    Stats{Name: cfg.Name},
	}
}

// Name returns the queue label.
func (s *Scheduler) Name() string { return s.name }

// Budget returns the per-call time budget.
func (s *Scheduler) Budget() time.Duration { return s.budget }

// Enqueue appends job to the tail of the ready queue. Enqueuing a nil or
// terminal job is a caller bug and panics. Uniqueness is not checked.
func (s *Scheduler) Enqueue(job Job) {
	if job == nil {
		panic("jobqueue: enqueue of nil job")
	}
	if job.Status().Terminal() {
		panic(fmt.Sprintf("jobqueue: enqueue of terminal job %s (%s)", job.ID(), job.Status()))
	}
	s.ready = append(s.ready, &entry{job: job, enqueuedAt: s.cycle, lastRun: s.cycle})
	s.stats.Enqueued++
	if s.observer != nil {
		s.observer.JobEnqueued(s.name)
	}
}

// Len returns the number of jobs the scheduler still owns.
func (s *Scheduler) Len() int { return len(s.ready) + len(s.waiting) }

// Idle reports whether there is nothing to process.
func (s *Scheduler) Idle() bool { return s.Len() == 0 }

// Process runs ready jobs until the budget is spent or the queue is empty.
func (s *Scheduler) Process() Cycle {
	s.cycle++
	s.stats.Cycles++

	var c Cycle
	if s.Idle() {
		s.report(&c)
		return c
	}

	c.Woken = s.wakeWaiting()

	start := s.clock.Now()
	for len(s.ready) > 0 {
		if c.Elapsed = s.clock.Now().Sub(start); c.Elapsed >= s.budget {
			break
		}

		e := s.ready[0]
		s.ready[0] = nil
		s.ready = s.ready[1:]

		if e.job.Cancelled() {
			s.cancel(e, &c)
			continue
		}

		status := e.job.Run()
		e.lastRun = s.cycle
		c.Ran++
		s.stats.Steps++

		switch {
		case status == types.StatusFinished:
			c.Finished++
			s.stats.Finished++
			s.completed(e.job, status, false)
		case status == types.StatusFailed:
			c.Failed++
			s.stats.Failed++
			s.completed(e.job, status, false)
		case status == types.StatusWaiting:
			s.waiting = append(s.waiting, e)
		default:
			s.ready = append(s.ready, e)
		}
	}
	if len(s.ready) == 0 {
		c.Elapsed = s.clock.Now().Sub(start)
	} else {
		c.Overrun = true
	}

	c.MaxWaitCycles = s.maxWait()
	if c.MaxWaitCycles >= s.starve {
		s.warn.Do(func() {
			log.Warn("Scheduler is starving jobs",
				"queue", s.name,
				"ready", len(s.ready),
				"max_wait_cycles", c.MaxWaitCycles,
				"budget", s.budget)
		})
	}

	s.report(&c)
	return c
}

// wakeWaiting moves jobs that are no longer waiting, or were cancelled,
// to the tail of the ready queue.
func (s *Scheduler) wakeWaiting() int {
	if len(s.waiting) == 0 {
		return 0
	}
	woken := 0
	kept := s.waiting[:0]
	for _, e := range s.waiting {
		if e.job.Cancelled() || e.job.Status() != types.StatusWaiting {
			s.ready = append(s.ready, e)
			woken++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.waiting); i++ {
		s.waiting[i] = nil
	}
	s.waiting = kept
	return woken
}

func (s *Scheduler) cancel(e *entry, c *Cycle) {
	if !e.job.Status().Terminal() {
		e.job.Abort(ErrCancelled)
	}
	c.Cancelled++
	s.stats.Cancelled++
	s.completed(e.job, e.job.Status(), true)
}

func (s *Scheduler) completed(job Job, status types.JobStatus, cancelled bool) {
	log.Debug("Job completed",
		"queue", s.name,
		"jobID", job.ID(),
		"status", status,
		"cancelled", cancelled)
	if s.observer != nil {
		s.observer.JobCompleted(s.name, status, cancelled)
	}
}

func (s *Scheduler) maxWait() uint64 {
	var worst uint64
	for _, e := range s.ready {
		if w := s.cycle - e.lastRun; w > worst {
			worst = w
		}
	}
	return worst
}

func (s *Scheduler) report(c *Cycle) {
	c.Ready = len(s.ready)
	c.Waiting = len(s.waiting)
	if s.observer != nil {
		s.observer.CycleProcessed(s.name, *c)
	}
}

// Stats returns cumulative counters and current depths.
func (s *Scheduler) Stats() Stats {
	st := s.stats
	st.Ready = len(s.ready)
	st.Waiting = len(s.waiting)
	return st
}
