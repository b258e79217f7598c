package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify parallel execution, deadlines, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-nav/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

func shardTask(shard int, run func(context.Context) error) Task {
	return Task{ID: types.NewJobID(), Shard: shard, Tick: 1, Run: run, Timeout: time.Second}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Starting twice fails.
	assert.Error(t, pool.Start(4))
	pool.Stop()

	assert.Error(t, NewPool(1).Start(0))
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	var ran atomic.Int32
	shards := 10
	for i := 0; i < shards; i++ {
		require.NoError(t, pool.Submit(shardTask(i, func(context.Context) error {
			ran.Add(1)
			return nil
		})))
	}

	seen := make(map[int]Result)
	for i := 0; i < shards; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, uint64(1), result.Tick)
		seen[result.Shard] = result
	}
	assert.Len(t, seen, shards)
	assert.Equal(t, int32(shards), ran.Load())
}

func TestTaskErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		task    Task
		wantErr error
	}{
		{
			name:    "run error",
			task:    shardTask(0, func(context.Context) error { return boom }),
			wantErr: boom,
		},
		{
			name: "deadline",
			task: Task{Shard: 1, Timeout: time.Millisecond, Run: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			}},
			wantErr: context.DeadlineExceeded,
		},
		{
			name: "overran deadline without checking it",
			task: Task{Shard: 2, Timeout: time.Millisecond, Run: func(context.Context) error {
				time.Sleep(5 * time.Millisecond)
				return nil
			}},
			wantErr: context.DeadlineExceeded,
		},
		{
			name:    "missing run",
			task:    Task{Shard: 4},
			wantErr: ErrNoRun,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewPool(1)
			require.NoError(t, pool.Start(1))
			defer pool.Stop()

			require.NoError(t, pool.Submit(tt.task))
			result, err := pool.ReceiveResult()
			require.NoError(t, err)

			assert.False(t, result.Success)
			assert.Equal(t, tt.task.Shard, result.Shard)
			assert.ErrorIs(t, result.Error, tt.wantErr)
		})
	}
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrency(t *testing.T) {
	pool := NewPool(8)
	workers := 4
	require.NoError(t, pool.Start(workers))
	defer pool.Stop()

	// Every task waits until all of them are running at once.
	var barrier sync.WaitGroup
	barrier.Add(workers)
	for i := 0; i < workers; i++ {
		require.NoError(t, pool.Submit(shardTask(i, func(ctx context.Context) error {
			barrier.Done()
			done := make(chan struct{})
			go func() { barrier.Wait(); close(done) }()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})))
	}

	for i := 0; i < workers; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.True(t, result.Success, "shard %d: %v", result.Shard, result.Error)
	}
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(shardTask(index, noop)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(50)
	require.NoError(t, pool.Start(4))

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(shardTask(i, noop)))
	}
	for i := 0; i < 10; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	goroutinesBefore := runtime.NumGoroutine()
	pool.Stop()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, runtime.NumGoroutine(), goroutinesBefore)
}

func TestStopWithFullResultChannel(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(2))

	// Nobody reads results, so workers block on resultCh.
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(shardTask(i, noop)))
	}

	done := make(chan struct{})
	go func() { pool.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a full result channel")
	}
}

func TestStopBeforeStart(t *testing.T) {
	assert.NotPanics(t, func() { NewPool(10).Stop() })
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	err := pool.Submit(shardTask(0, noop))
	assert.Equal(t, ErrPoolClosed, err)
	assert.NotPanics(t, pool.Stop)
}

func TestSubmitBeforeStart(t *testing.T) {
	err := NewPool(10).Submit(shardTask(0, noop))
	assert.Equal(t, ErrPoolNotStarted, err)
}

func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000)
	pool.Start(8)
	defer pool.Stop()

	go func() {
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(shardTask(i%8, noop))
	}
}
