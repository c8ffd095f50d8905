// Package workerpool provides a bounded, key-sharded worker pool.
// Tasks that share a key run on the same worker, in submission order.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

var (
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("pool is shutting down")
	// ErrQueueFull is returned when the target worker's queue has no room.
	ErrQueueFull = errors.New("task queue is full")
)

// Task represents a unit of work to be processed
type Task struct {
	ID string
	// Key selects the worker. Empty keys are spread by ID.
	Key     string
	Payload any
	Context context.Context
}

// WorkerFunc processes one task. A non-nil error is retried up to MaxRetries.
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the per-worker queue size
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries, multiplied by the attempt
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for queued work
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for change-notification delivery.
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               1024,
		MaxRetries:              3,
		RetryDelay:              50 * time.Millisecond,
		GracefulShutdownTimeout: 10 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	queues []chan *Task
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	stopMu   sync.RWMutex
	stopped  bool
	stopping chan struct{}
	stopOnce sync.Once

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		queues:     make([]chan *Task, cfg.Workers),
		ctx:        ctx,
		cancel:     cancel,
		stopping:   make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan *Task, cfg.QueueSize)
	}
	return p, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := range p.queues {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

func (p *Pool) shard(task *Task) int {
	key := task.Key
	if key == "" {
		key = task.ID
	}
	return int(xxhash.Sum64String(key) % uint64(len(p.queues)))
}

// Submit queues a task without blocking.
func (p *Pool) Submit(task *Task) error {
	p.stopMu.RLock()
	defer p.stopMu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queues[p.shard(task)] <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues a task, waiting for room on the target worker's queue
// until ctx is done or Stop is called.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) error {
	p.stopMu.RLock()
	defer p.stopMu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queues[p.shard(task)] <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopping:
		return ErrStopped
	}
}

// Stop drains queued tasks and shuts the workers down. Tasks still running
// when the shutdown timeout elapses have their context cancelled.
func (p *Pool) Stop() error {
	// Release waiting submitters before taking the write lock they hold off.
	p.stopOnce.Do(func() { close(p.stopping) })

	p.stopMu.Lock()
	if p.stopped {
		p.stopMu.Unlock()
		return nil
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.stopMu.Unlock()

	p.logger.Info("stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		p.cancel()
		<-done
	}
	p.cancel()
	return nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.queues[id] {
		atomic.AddInt64(&p.queueDepth, -1)
		p.processTask(id, task)
	}
}

// processTask handles a single task with retries
func (p *Pool) processTask(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}

		if err = p.workerFunc(ctx, task); err == nil {
			atomic.AddInt64(&p.tasksCompleted, 1)
			return
		}

		if attempt < p.config.MaxRetries {
			atomic.AddInt64(&p.tasksRetried, 1)
			p.logger.Debug("retrying task",
				zap.String("task_id", task.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))

			select {
			case <-ctx.Done():
			case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			}
		} else {
			err = fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, err)
		}
	}

	atomic.AddInt64(&p.tasksFailed, 1)
	p.logger.Error("task failed",
		zap.String("task_id", task.ID),
		zap.String("key", task.Key),
		zap.Int("worker_id", workerID),
		zap.Error(err))
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize * p.config.Workers,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the pool is operating normally
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	// Healthy if queue isn't backing up significantly
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
