package concurrency

import (
	"fmt"
	"time"

	"crosslink/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig sizes a worker pool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking makes Submit return an error instead of blocking when the
	// queue is full. The cancel fan-out uses this so a saturated pool falls
	// back to inline execution rather than stalling the request.
	NonBlocking bool
}

// PoolStats is a point-in-time snapshot of pool activity.
type PoolStats struct {
	RunningWorkers int
	IdleWorkers    int
	SubmittedTasks uint64
	WaitingTasks   uint64
	FailedTasks    uint64
}

// WorkerPool wraps a pond pool with panic recovery and structured logging.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	poolLogger := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			poolLogger.Error("Worker pool panic recovered", "panic", p)
		}),
	)

	poolLogger.Info("Worker pool started",
		"max_workers", cfg.MaxWorkers,
		"max_capacity", cfg.MaxCapacity)

	return &WorkerPool{
		pool:   pool,
		config: cfg,
		logger: poolLogger,
	}
}

// Submit enqueues a task. In non-blocking mode a full queue is an error the
// caller handles; otherwise Submit waits for room.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool '%s' is full (capacity: %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}

	wp.pool.Submit(task)
	return nil
}

// Stop drains outstanding tasks and shuts the pool down.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
	wp.logger.Info("Worker pool stopped")
}

func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		RunningWorkers: wp.pool.RunningWorkers(),
		IdleWorkers:    wp.pool.IdleWorkers(),
		SubmittedTasks: wp.pool.SubmittedTasks(),
		WaitingTasks:   wp.pool.WaitingTasks(),
		FailedTasks:    wp.pool.FailedTasks(),
	}
}
