package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of background work: a read-repair push, a hint replay, a
// range stream. Tasks must honor ctx cancellation.
type Task struct {
	Name string
	Fn   func(context.Context) error
}

// Pool is a bounded pool of workers for the node's background tasks. It
// keeps replica fan-out side effects from spawning unbounded goroutines.
type Pool struct {
	name    string
	tasks   chan Task
	logger  *zap.Logger
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	stopped sync.Once

	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New starts a pool with the given number of workers and queue depth.
func New(name string, workers, backlog int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 8
	}
	if backlog <= 0 {
		backlog = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		tasks:  make(chan Task, backlog),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
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
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			p.run(task)
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("background task panicked",
				zap.String("pool", p.name),
				zap.String("task", task.Name),
				zap.Any("panic", r))
		}
	}()
	if err := task.Fn(p.ctx); err != nil {
		p.failed.Add(1)
		p.logger.Debug("background task failed",
			zap.String("pool", p.name),
			zap.String("task", task.Name),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// Submit enqueues a task, rejecting it when the queue is full. Callers treat
// rejection as backpressure, never as a query failure.
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool %s is stopped", p.name)
	case p.tasks <- task:
		return nil
	default:
		p.rejected.Add(1)
		return fmt.Errorf("pool %s queue is full", p.name)
	}
}

// Stats returns completed, failed, and rejected task counts.
func (p *Pool) Stats() (completed, failed, rejected uint64) {
	return p.completed.Load(), p.failed.Load(), p.rejected.Load()
}

// Stop cancels running tasks and waits for the workers to exit.
func (p *Pool) Stop() {
	p.stopped.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}
