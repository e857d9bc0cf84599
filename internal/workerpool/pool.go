package workerpool

import (
	"sync"
	"sync/atomic"

	"github.com/hirehub/view-service/internal/logger"
	"github.com/hirehub/view-service/internal/metrics"
)

// Pool runs submitted jobs on a fixed set of goroutines behind a bounded queue.
type Pool struct {
	workers int
	jobs    chan func()
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	active atomic.Int64
}

func New(workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		workers: workers,
		jobs:    make(chan func(), queue),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		metrics.SetWorkerPoolJobsQueued(len(p.jobs))
		metrics.SetWorkerPoolJobsActive(int(p.active.Add(1)))
		p.run(job)
		metrics.SetWorkerPoolJobsActive(int(p.active.Add(-1)))
	}
}

func (p *Pool) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Logger.Error().Interface("panic", r).Msg("worker pool job panicked")
		}
	}()
	job()
}

// TrySubmit enqueues job without blocking. It returns false when the queue is full
// or the pool is stopped.
func (p *Pool) TrySubmit(job func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		metrics.SetWorkerPoolJobsQueued(len(p.jobs))
		return true
	default:
		return false
	}
}

// Stop refuses new jobs, runs everything already queued, then returns.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
