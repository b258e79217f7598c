package worker

import (
	"context"
	"errors"
	"time"
)

// ErrNoRun is reported for a task submitted without a Run function.
var ErrNoRun = errors.New("task has no run function")

// Worker executes tasks from the shared channel until the pool stops.
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the worker loop.
func (w *Worker) Run() {
	for {
		var task Task
		select {
		case <-w.stopCh:
			return
		case task = <-w.taskCh:
		}

		start := time.Now()
		err := w.execute(task)

		result := Result{
			JobID:    task.ID,
			Shard:    task.Shard,
			Tick:     task.Tick,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			return
		}
	}
}

// execute runs one task under its deadline. A panicking task takes the
// process down; a shard tick that panics has lost its invariants.
func (w *Worker) execute(task Task) error {
	if task.Run == nil {
		return ErrNoRun
	}

	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	if err := task.Run(ctx); err != nil {
		return err
	}
	return ctx.Err()
}
