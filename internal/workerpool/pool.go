// Package workerpool runs background tasks on a fixed set of goroutines with
// a bounded queue. Failed and panicking tasks are logged and reported through
// Config.OnError; nothing a task returns is dropped silently.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dcbickfo/flashsale/internal/logger"
)

var (
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("worker pool stopped")
	// ErrQueueFull is returned by Submit when the queue has no room.
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Task is one unit of work. Fn receives Context, or context.Background() when
// Context is nil.
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context
}

type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     logger.Logger
	// OnError is called from the worker goroutine after a task fails or panics.
	OnError func(task Task, err error)
}

type Pool struct {
	name    string
	workers int
	queue   chan Task
	logger  logger.Logger
	onError func(Task, error)

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopMu   sync.RWMutex
	stopped  bool
	stopCh   chan struct{}

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New starts a pool. MaxWorkers defaults to 10 and QueueSize to 100.
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	p := &Pool{
		name:    cfg.Name,
		workers: cfg.MaxWorkers,
		queue:   make(chan Task, cfg.QueueSize),
		logger:  logger.Default(cfg.Logger),
		onError: cfg.OnError,
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug("worker pool started", "pool", p.name, "workers", p.workers, "queueSize", cfg.QueueSize)
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			// Drain what was accepted before Stop.
			for {
				select {
				case task := <-p.queue:
					p.run(id, task)
				default:
					return
				}
			}
		case task := <-p.queue:
			p.run(id, task)
		}
	}
}

func (p *Pool) run(workerID int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeRun(task)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("task failed",
			"pool", p.name, "worker", workerID, "task", task.ID,
			"duration", time.Since(start), "error", err)
		if p.onError != nil {
			p.onError(task, err)
		}
		return
	}
	p.completed.Add(1)
	p.logger.Debug("task completed", "pool", p.name, "task", task.ID, "duration", time.Since(start))
}

func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Fn(ctx)
}

// Submit enqueues task without blocking.
func (p *Pool) Submit(task Task) error {
	p.stopMu.RLock()
	defer p.stopMu.RUnlock()
	if p.stopped {
		p.rejected.Add(1)
		return fmt.Errorf("%s: %w", p.name, ErrStopped)
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return fmt.Errorf("%s: %w", p.name, ErrQueueFull)
	}
}

// Stop refuses new tasks, lets workers finish the queue and waits up to timeout.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.stopMu.Lock()
		p.stopped = true
		close(p.stopCh)
		p.stopMu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			p.logger.Debug("worker pool stopped", "pool", p.name)
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %s: stop timed out after %v", p.name, timeout)
			p.logger.Warn("worker pool stop timed out", "pool", p.name)
		}
	})
	return err
}

type Stats struct {
	Name      string
	Workers   int
	Active    int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
