package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

// Task is one unit of work for the pool, typically one shard tick.
type Task struct {
	ID      types.JobID
	Shard   int
	Tick    uint64
	Run     func(ctx context.Context) error
	Timeout time.Duration // zero means no deadline
}

// Result reports how a Task ended.
type Result struct {
	JobID    types.JobID
	Shard    int
	Tick     uint64
	Success  bool
	Error    error
	Duration time.Duration
}
