// Package workers provides a bounded goroutine pool for signal fan-out work
// such as the realtime background scan. Submission never blocks: when the
// queue is full the task is dropped and counted, which is the backpressure
// the scan loops expect.
package workers

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolStopped     = errors.New("workers: pool is stopped")
	ErrQueueFull       = errors.New("workers: task queue is full")
	ErrShutdownTimeout = errors.New("workers: shutdown timed out")
)

// Task is one unit of pool work. The context carries the per-task deadline
// and is cancelled on pool shutdown.
type Task func(ctx context.Context) error

// Config sizes a pool.
type Config struct {
	Name            string
	Workers         int
	QueueSize       int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig sizes the pool for I/O-bound signal generation.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		Workers:         runtime.NumCPU() * 2,
		QueueSize:       1024,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Panics     int64 `json:"panicsRecovered"`
	QueueDepth int   `json:"queueDepth"`
}

// Pool runs tasks on a fixed set of worker goroutines over a bounded queue.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	tasks  chan Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	running   atomic.Bool
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// NewPool builds a pool; zero config fields take the defaults.
func NewPool(logger *zap.Logger, cfg Config) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig(cfg.Name)
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		logger: logger.Named("workers"),
		tasks:  make(chan Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers. Idempotent.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Info("worker pool started",
		zap.String("pool", p.cfg.Name),
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queueSize", p.cfg.QueueSize))
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(id, task)
		}
	}
}

func (p *Pool) execute(id int, task Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.TaskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.Error("worker recovered from panic",
				zap.String("pool", p.cfg.Name), zap.Int("worker", id), zap.Any("panic", r))
		}
	}()
	if err := task(ctx); err != nil {
		p.failed.Add(1)
		p.logger.Debug("task failed", zap.String("pool", p.cfg.Name), zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// Submit queues a task without blocking. A full queue drops the task.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

// Stop cancels outstanding work and waits for the workers, bounded by the
// shutdown timeout.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped", zap.String("pool", p.cfg.Name))
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out", zap.String("pool", p.cfg.Name))
		return ErrShutdownTimeout
	}
}

// IsRunning reports whether the pool accepts work.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// QueueDepth returns the number of queued tasks.
func (p *Pool) QueueDepth() int { return len(p.tasks) }

// Stats returns the counter snapshot.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
		Panics:     p.panics.Load(),
		QueueDepth: len(p.tasks),
	}
}
