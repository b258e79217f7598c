// ============================================================================
// Beaver-Nav Job - Resumable Unit Of Work
// ============================================================================
//
// Package: internal/jobqueue
// File: job.go
// Function: The contract every time-sliced job implements, plus BaseJob,
//           the reusable status machine concrete jobs embed
//
// Lifecycle (State Machine):
//   Pending
//      ↓ first Run()
//   Running  ⇄  Waiting        (Wait() parks, Wake() resumes)
//      ↓ Finish() / Fail() / Abort()
//   Finished | Failed          (terminal, never run again)
//
// Continuation:
//   A job keeps all of its progress on its own struct. Run() performs one
//   bounded slice of work and returns the status it wants to be in. No
//   goroutine is parked between slices.
//
// Delivery:
//   The result slot (Result()) is always filled before the optional
//   completion callback fires. The callback fires exactly once.
//
// ============================================================================

package jobqueue

import (
	"errors"
	"sync/atomic"

	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

var (
	// ErrCancelled is delivered to jobs aborted after Cancel().
	ErrCancelled = errors.New("job cancelled")
)

// Job is a resumable unit of work driven by a Scheduler.
type Job interface {
	ID() types.JobID
	Status() types.JobStatus
	// Run performs one bounded step and returns the resulting status.
	Run() types.JobStatus
	// Cancelled reports whether Cancel was requested.
	Cancelled() bool
	// Abort moves a non-terminal job to Failed with err and releases
	// whatever the job holds. Called by the scheduler for cancelled jobs.
	Abort(err error)
}

// BaseJob carries the status machine, result slot and completion callback
// shared by all concrete jobs. Embed it by value and construct it with
// NewBaseJob.
type BaseJob[T any] struct {
	id         types.JobID
	status     types.JobStatus
	result     T
	err        error
	steps      int
	cancelled  atomic.Bool
	onComplete func(T, error)
}

// NewBaseJob returns a pending BaseJob with a fresh ID. onComplete may be nil.
func NewBaseJob[T any](onComplete func(T, error)) BaseJob[T] {
	return BaseJob[T]{
		id:         types.NewJobID(),
		status:     types.StatusPending,
		onComplete: onComplete,
	}
}

func (b *BaseJob[T]) ID() types.JobID         { return b.id }
func (b *BaseJob[T]) Status() types.JobStatus { return b.status }

// Steps returns how many times the job has stepped.
func (b *BaseJob[T]) Steps() int { return b.steps }

// Done reports whether the job reached a terminal status.
func (b *BaseJob[T]) Done() bool { return b.status.Terminal() }

// Result returns the delivered value and error. Both are zero until the
// job is terminal.
func (b *BaseJob[T]) Result() (T, error) { return b.result, b.err }

// Cancel requests cancellation. Safe to call from any goroutine; the
// owning scheduler aborts the job on its next pass.
func (b *BaseJob[T]) Cancel() { b.cancelled.Store(true) }

func (b *BaseJob[T]) Cancelled() bool { return b.cancelled.Load() }

// Step marks the start of a Run slice. Concrete jobs call it first thing in Run.
func (b *BaseJob[T]) Step() {
	b.steps++
	if b.status == types.StatusPending {
		b.status = types.StatusRunning
	}
}

// Continue keeps the job runnable.
func (b *BaseJob[T]) Continue() types.JobStatus {
	b.status = types.StatusRunning
	return b.status
}

// Wait parks the job until Wake is called.
func (b *BaseJob[T]) Wait() types.JobStatus {
	b.status = types.StatusWaiting
	return b.status
}

// Wake makes a waiting job runnable again. The scheduler picks it up at the
// start of its next Process call.
func (b *BaseJob[T]) Wake() {
	if b.status == types.StatusWaiting {
		b.status = types.StatusRunning
	}
}

// Finish delivers v and moves the job to Finished.
func (b *BaseJob[T]) Finish(v T) types.JobStatus {
	if b.status.Terminal() {
		return b.status
	}
	b.result = v
	b.status = types.StatusFinished
	b.deliver()
	return b.status
}

// Fail delivers err and moves the job to Failed.
func (b *BaseJob[T]) Fail(err error) types.JobStatus {
	if b.status.Terminal() {
		return b.status
	}
	b.err = err
	b.status = types.StatusFailed
	b.deliver()
	return b.status
}

// Abort fails a non-terminal job with err.
func (b *BaseJob[T]) Abort(err error) {
	b.Fail(err)
}

func (b *BaseJob[T]) deliver() {
	if b.onComplete != nil {
		b.onComplete(b.result, b.err)
	}
}
