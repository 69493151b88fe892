// Package workerpool provides a bounded goroutine pool. Garbage
// collection sweeps and compute dispatch run through it so a burst of
// partitions cannot fan out into unbounded concurrency.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/errors"
)

// Task is one unit of work.
type Task struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Pool runs tasks on a fixed number of workers.
type Pool struct {
	name   string
	queue  chan Task
	logger *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}

	completed atomic.Uint64
	failed    atomic.Uint64
}

// New starts a pool with the given worker count and queue depth.
func New(name string, workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:   name,
		queue:  make(chan Task, queueSize),
		logger: logger,
		stop:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case task := <-p.queue:
			p.run(task)
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("task panicked",
				zap.String("pool", p.name),
				zap.String("task", task.Name),
				zap.Any("panic", r))
		}
	}()

	if err := task.Fn(context.Background()); err != nil {
		p.failed.Add(1)
		p.logger.Warn("task failed",
			zap.String("pool", p.name),
			zap.String("task", task.Name),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// Submit queues a task, failing fast when the queue is full or the pool
// stopped.
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.stop:
		return errors.Newf(errors.CodeInternal, "pool %s is stopped", p.name)
	default:
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return errors.Newf(errors.CodeInternal, "pool %s queue is full", p.name)
	}
}

// RunAll executes tasks across the pool's workers and blocks until every
// one finished, returning the first error.
func (p *Pool) RunAll(ctx context.Context, tasks []Task) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, task := range tasks {
		task := task
		wg.Add(1)
		wrapped := Task{Name: task.Name, Fn: func(context.Context) error {
			defer wg.Done()
			if err := task.Fn(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return err
			}
			return nil
		}}
		if err := p.Submit(wrapped); err != nil {
			wg.Done()
			return err
		}
	}
	wg.Wait()
	return firstErr
}

// Stats reports completed and failed task counts.
func (p *Pool) Stats() (completed, failed uint64) {
	return p.completed.Load(), p.failed.Load()
}

// Stop drains nothing: queued tasks not yet picked up are dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}
