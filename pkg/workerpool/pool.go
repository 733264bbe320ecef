// Package workerpool runs fire-and-forget jobs on a fixed number of workers
// with bounded, linearly backed-off retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned by Submit after Stop
	ErrStopped = errors.New("pool is stopped")
)

// Job is a unit of work handed to the Handler
type Job struct {
	// Key identifies the job in logs
	Key     string
	Payload any
}

// Handler processes a job. A non-nil error schedules a retry until MaxRetries is exhausted.
type Handler func(ctx context.Context, job Job) error

// ExhaustedFunc is told about jobs that failed every attempt.
type ExhaustedFunc func(job Job, err error)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int `mapstructure:"workers"`
	// QueueSize bounds the jobs waiting for a worker
	QueueSize int `mapstructure:"queue_size"`
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// DrainTimeout bounds how long Stop waits for in-flight jobs
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// DefaultConfig returns defaults sized for outbound caregiver messages
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    256,
		MaxRetries:   3,
		RetryDelay:   2 * time.Second,
		DrainTimeout: 10 * time.Second,
	}
}

// Pool manages the workers
type Pool struct {
	config    Config
	handler   Handler
	exhausted ExhaustedFunc
	logger    *zap.Logger

	jobs     chan Job
	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	retried   int64
}

// New creates a pool. exhausted may be nil.
func New(cfg Config, h Handler, exhausted ExhaustedFunc, logger *zap.Logger) (*Pool, error) {
	if h == nil {
		return nil, fmt.Errorf("job handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:    cfg,
		handler:   h,
		exhausted: exhausted,
		logger:    logger,
		jobs:      make(chan Job, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a job without blocking
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new jobs, lets queued ones drain and waits up to DrainTimeout.
// Jobs still running after the timeout see their context cancelled.
func (p *Pool) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped")
		case <-time.After(p.config.DrainTimeout):
			p.logger.Warn("worker pool drain timed out")
			p.cancel()
			<-done
		}
		p.cancel()
	})
	return nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *Pool) run(workerID int, job Job) {
	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err = p.call(job); err == nil {
			atomic.AddInt64(&p.completed, 1)
			return
		}
		if attempt == p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.retried, 1)
		p.logger.Debug("retrying job",
			zap.String("job", job.Key),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-p.ctx.Done():
			err = p.ctx.Err()
			attempt = p.config.MaxRetries
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	atomic.AddInt64(&p.failed, 1)
	err = fmt.Errorf("job %s failed after %d retries: %w", job.Key, p.config.MaxRetries, err)
	p.logger.Error("job failed",
		zap.String("job", job.Key),
		zap.Int("worker_id", workerID),
		zap.Error(err))
	if p.exhausted != nil {
		p.exhausted(job, err)
	}
}

// call isolates handler panics so one bad job cannot take a worker down.
func (p *Pool) call(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return p.handler(p.ctx, job)
}

// Stats is a snapshot of pool counters
type Stats struct {
	Submitted     int64
	Completed     int64
	Failed        int64
	Retried       int64
	QueueDepth    int
	QueueCapacity int
	Workers       int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:     atomic.LoadInt64(&p.submitted),
		Completed:     atomic.LoadInt64(&p.completed),
		Failed:        atomic.LoadInt64(&p.failed),
		Retried:       atomic.LoadInt64(&p.retried),
		QueueDepth:    len(p.jobs),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of its capacity
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
