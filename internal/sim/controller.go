// ============================================================================
// Beaver-Nav Controller - Parallel Shard Ticking
// ============================================================================
//
// Package: internal/sim
// File: controller.go
// Function: Drives every shard at the configured tick rate, running the
//           shards of one frame in parallel on the worker pool
//
// Frame:
//   1. Submit one worker.Task per shard (Task.Run = shard.Tick)
//   2. Collect exactly one Result per shard before the next frame starts,
//      so a shard is never ticked twice at once
//   3. Failed results mark the frame as failed; the shard reports
//      unhealthy until a tick succeeds again
//
// Shutdown order:
//   1. close(stopCh)  → the tick loop finishes its current frame and exits
//   2. loopWg.Wait()  → no more Submit calls after this point
//   3. pool.Stop()    → workers exit, resultCh closes
//   4. shard.Close()  → agents cancel pending jobs
//
// ============================================================================

package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-nav/internal/server"
	"github.com/ChuLiYu/beaver-nav/internal/worker"
	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

var ErrNoShards = errors.New("controller needs at least one shard")

// ControllerConfig configures the frame loop.
type ControllerConfig struct {
	TickRate    int           // frames per second
	Workers     int           // defaults to one per shard
	TickTimeout time.Duration // per shard tick, defaults to ten frames
}

// Controller ticks a set of shards.
type Controller struct {
	mu        sync.Mutex // guards stopped and started
	frameMu   sync.Mutex // one frame at a time
	shards    []*Simulation
	pool      *worker.Pool
	config    ControllerConfig
	stopCh    chan struct{}
	stopped   bool
	started   bool
	startTime time.Time
	loopWg    sync.WaitGroup

	frames        atomic.Uint64
	failedFrames  atomic.Uint64
	lastFrameTime atomic.Int64
}

// NewController validates the config and prepares the pool. Nothing runs
// until Start.
func NewController(config ControllerConfig, shards []*Simulation) (*Controller, error) {
	if len(shards) == 0 {
		return nil, ErrNoShards
	}
	if config.TickRate <= 0 {
		config.TickRate = 20
	}
	if config.Workers <= 0 {
		config.Workers = len(shards)
	}
	if config.TickTimeout <= 0 {
		config.TickTimeout = 10 * time.Second / time.Duration(config.TickRate)
	}
	return &Controller{
		shards: shards,
		pool:   worker.NewPool(len(shards)),
		config: config,
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the worker pool and the tick loop.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("controller already started")
	}
	if err := c.pool.Start(c.config.Workers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	c.started = true
	c.startTime = time.Now()

	c.loopWg.Add(1)
	go c.tickLoop()

	log.Info("Controller started",
		"shards", len(c.shards),
		"workers", c.config.Workers,
		"tick_rate", c.config.TickRate)
	return nil
}

func (c *Controller) tickLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(time.Second / time.Duration(c.config.TickRate))
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Tick loop stopped")
			return

		case <-ticker.C:
			// stopCh may have closed while the ticker fired
			select {
			case <-c.stopCh:
				log.Info("Tick loop stopped")
				return
			default:
			}

			if err := c.Frame(context.Background()); err != nil && !errors.Is(err, worker.ErrPoolClosed) {
				log.Warn("Frame failed", "frame", c.frames.Load(), "error", err)
			}
		}
	}
}

// Frame ticks every shard once, in parallel, and waits for all of them.
// The pool must be started.
func (c *Controller) Frame(ctx context.Context) error {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()

	start := time.Now()
	submitted := 0
	var errs []error
	for i, sh := range c.shards {
		task := worker.Task{
			ID:      types.NewJobID(),
			Shard:   i,
			Tick:    sh.TickCount() + 1,
			Timeout: c.config.TickTimeout,
			Run: func(taskCtx context.Context) error {
				_, err := sh.Tick(taskCtx)
				return err
			},
		}
		if err := c.pool.Submit(task); err != nil {
			errs = append(errs, err)
			break
		}
		submitted++
	}

	for i := 0; i < submitted; i++ {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			errs = append(errs, err)
			break
		}
		if !result.Success {
			errs = append(errs, fmt.Errorf("shard %d tick %d: %w", result.Shard, result.Tick, result.Error))
		}
	}

	c.frames.Add(1)
	c.lastFrameTime.Store(int64(time.Since(start)))
	err := errors.Join(errs...)
	if err != nil {
		c.failedFrames.Add(1)
	}
	return err
}

// Shards returns the driven shards.
func (c *Controller) Shards() []*Simulation { return c.shards }

// Health reports each shard under its health service name.
func (c *Controller) Health() map[string]bool {
	report := make(map[string]bool, len(c.shards))
	for _, sh := range c.shards {
		report[server.ShardService(sh.Shard())] = sh.Healthy()
	}
	return report
}

// GetStatus returns a snapshot of the controller and every shard.
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	shards := make([]map[string]interface{}, 0, len(c.shards))
	for _, sh := range c.shards {
		shards = append(shards, sh.Status())
	}
	return map[string]interface{}{
		"uptime":        uptime.String(),
		"workers":       c.config.Workers,
		"tick_rate":     c.config.TickRate,
		"frames":        c.frames.Load(),
		"failed_frames": c.failedFrames.Load(),
		"last_frame":    time.Duration(c.lastFrameTime.Load()).String(),
		"shards":        shards,
	}
}

// Stop shuts the loop and the pool down. Safe to call more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")

	close(c.stopCh)
	c.loopWg.Wait()
	c.pool.Stop()
	for _, sh := range c.shards {
		sh.Close()
	}

	log.Info("Controller stopped", "frames", c.frames.Load())
}
