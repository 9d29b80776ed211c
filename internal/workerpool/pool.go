// Package workerpool bounds how many encounters are audited
// concurrently, respecting the source-store and reasoning-service rate
// limits.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrForcedShutdown = errors.New("worker pool shutdown timed out")
)

// Pool runs submitted tasks on a fixed number of workers. Submission
// stops on Stop or context cancellation; in-flight tasks drain to
// completion so no encounter is killed mid-write.
type Pool struct {
	workers int
	tasks   chan func()
	wg      sync.WaitGroup
	pending sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	closed  atomic.Bool

	completed atomic.Int64
	panicked  atomic.Int64
}

// New starts a pool with the given worker count and queue size.
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers: workers,
		tasks:   make(chan func(), queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			fmt.Printf("workerpool: task panic recovered: %v\n%s", r, debug.Stack())
			return
		}
		p.completed.Add(1)
	}()
	task()
}

// Submit queues a task, blocking while the queue is full. It fails once
// the pool is stopped or ctx is cancelled; an accepted task always runs.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.pending.Add(1)
	select {
	case <-p.ctx.Done():
		p.pending.Done()
		return ErrPoolClosed
	case <-ctx.Done():
		p.pending.Done()
		return ctx.Err()
	case p.tasks <- task:
		return nil
	}
}

// Wait blocks until every accepted task has finished.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Stop closes intake and waits up to timeout for in-flight tasks.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		p.closed.Store(true)
		p.cancel()
		close(p.tasks)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = ErrForcedShutdown
		}
	})
	return err
}

// Stats reports completed and panicked task counts.
func (p *Pool) Stats() (completed, panicked int64) {
	return p.completed.Load(), p.panicked.Load()
}
