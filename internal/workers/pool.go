// Package workers provides the bounded goroutine pool that fans out buy
// attempts across symbols within a detection cycle.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work dispatched to the pool.
type Task interface {
	Execute() error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// PoolConfig configures the dispatch pool.
type PoolConfig struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultPoolConfig sizes the pool for snipe dispatch: a handful of
// concurrent orders, never an unbounded queue.
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      8,
		QueueSize:       256,
		TaskTimeout:     45 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// PoolStats is a point-in-time metrics snapshot.
type PoolStats struct {
	TasksSubmitted int64 `json:"tasksSubmitted"`
	TasksCompleted int64 `json:"tasksCompleted"`
	TasksFailed    int64 `json:"tasksFailed"`
	TasksTimeout   int64 `json:"tasksTimeout"`
	QueueLength    int   `json:"queueLength"`
}

// Pool runs tasks on a fixed set of worker goroutines. Submissions are
// rejected, not queued indefinitely, when the queue is full.
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	timedOut  int64
}

// NewPool creates a stopped pool.
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger.Named("worker-pool"),
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the workers. Idempotent while running; after a Stop the
// pool re-arms and can be started again.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.mu.Lock()
	select {
	case <-p.ctx.Done():
		p.ctx, p.cancel = context.WithCancel(context.Background())
	default:
	}
	ctx := p.ctx
	p.mu.Unlock()

	p.logger.Info("worker pool started",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers))

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("workerId", id))
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.execute(ctx, log, task)
		}
	}
}

// execute runs one task with a timeout and panic recovery. A panicking
// order task must never take the whole pool down.
func (p *Pool) execute(ctx context.Context, log *zap.Logger, task Task) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("task panicked", zap.Any("panic", r))
				done <- &PanicError{Recovered: r}
			}
		}()
		done <- task.Execute()
	}()

	select {
	case err := <-done:
		if err != nil {
			atomic.AddInt64(&p.failed, 1)
			log.Debug("task failed", zap.Error(err))
		} else {
			atomic.AddInt64(&p.completed, 1)
		}
	case <-time.After(p.config.TaskTimeout):
		atomic.AddInt64(&p.timedOut, 1)
		log.Warn("task timed out", zap.Duration("timeout", p.config.TaskTimeout))
	case <-ctx.Done():
	}
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc enqueues a function as a task.
func (p *Pool) SubmitFunc(fn func() error) error {
	return p.Submit(TaskFunc(fn))
}

// Stop drains the workers, waiting up to the shutdown timeout.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped", zap.String("name", p.config.Name))
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out", zap.String("name", p.config.Name))
		return ErrShutdownTimeout
	}
}

// IsRunning reports whether workers are active.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// Stats returns a metrics snapshot for the status API.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: atomic.LoadInt64(&p.submitted),
		TasksCompleted: atomic.LoadInt64(&p.completed),
		TasksFailed:    atomic.LoadInt64(&p.failed),
		TasksTimeout:   atomic.LoadInt64(&p.timedOut),
		QueueLength:    len(p.taskQueue),
	}
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool-level failure.
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError wraps a recovered task panic.
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string { return "panic recovered" }
