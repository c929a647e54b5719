package queue

import (
	"context"
	"sync"
)

// WorkerPool bounds how many tasks run at once.
type WorkerPool struct {
	workers chan struct{}
	wg      sync.WaitGroup
}

func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		workers: make(chan struct{}, size),
	}
}

// Submit runs task on its own goroutine once a slot is free. It blocks while
// the pool is saturated.
func (p *WorkerPool) Submit(task func()) {
	p.wg.Add(1)
	p.workers <- struct{}{}

	go func() {
		defer func() {
			<-p.workers
			p.wg.Done()
		}()
		task()
	}()
}

// Run executes task on the calling goroutine while holding a slot. It gives
// up with ctx.Err() if no slot frees before ctx ends.
func (p *WorkerPool) Run(ctx context.Context, task func() error) error {
	select {
	case p.workers <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.wg.Add(1)
	defer func() {
		<-p.workers
		p.wg.Done()
	}()
	return task()
}

func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
