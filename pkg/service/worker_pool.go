package service

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrPoolStopped is returned by Submit after the pool has been stopped.
var ErrPoolStopped = errors.New("worker pool is stopped")

// WorkerPool runs ad-hoc single-item jobs outside the chunked batch path.
// It keeps a FIFO queue and a fixed number of worker slots: submissions
// wake an on-demand dispatcher goroutine that drains the queue with at most
// size jobs in flight and exits once the queue is empty. The next Submit
// restarts it, so an idle pool costs nothing.
type WorkerPool struct {
	size   int
	logger Logger

	mu      sync.Mutex
	queue   []func()
	running bool
	stopped bool
	sem     chan struct{}
	wg      sync.WaitGroup
}

// NewWorkerPool creates a pool with the given number of worker slots.
func NewWorkerPool(size int, logger Logger) *WorkerPool {
	if size <= 0 {
		size = DefaultMaxConcurrency
	}
	return &WorkerPool{
		size:   size,
		logger: logger,
		sem:    make(chan struct{}, size),
	}
}

// Submit queues one job and wakes the dispatcher if it is idle.
func (p *WorkerPool) Submit(fn func()) error {
	if fn == nil {
		return errors.New("nil job submitted")
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.queue = append(p.queue, fn)
	wake := !p.running
	if wake {
		p.running = true
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if wake {
		go p.dispatch()
	}
	return nil
}

// dispatch drains the queue, then parks by exiting.
func (p *WorkerPool) dispatch() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(p.queue) == 0 || p.stopped {
			p.running = false
			p.mu.Unlock()
			return
		}
		fn := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.sem <- struct{}{}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Errorf("Worker pool job panicked: %v", r)
				}
			}()
			fn()
		}()
	}
}

// QueueLen reports how many jobs are waiting for a worker slot.
func (p *WorkerPool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stop rejects further submissions and waits for in-flight jobs. Queued but
// undispatched jobs are dropped.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.queue = nil
	p.mu.Unlock()
	p.wg.Wait()
}
