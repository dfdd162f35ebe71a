package ploggy

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// threadPoolSize is the number of workers in each of the engine's two
// pools: one for locally-initiated friend tasks, one for peer request
// handling. Keeping them separate prevents a flood of peer requests
// from starving local push/pull work.
const threadPoolSize = 30

// submitQueueDepth bounds tasks waiting for a free worker.
const submitQueueDepth = 1024

// workerPool runs submitted functions on a fixed set of goroutines.
// A pool is single-use: once stopped it rejects further submissions.
type workerPool struct {
	mu      sync.Mutex
	tasks   chan func()
	stopped bool
	workers sync.WaitGroup
}

// newWorkerPool starts size workers.
func newWorkerPool(size int) *workerPool {
	p := &workerPool{
		tasks: make(chan func(), submitQueueDepth),
	}
	p.workers.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.workers.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// submit queues a task for execution. It reports false when the pool
// is stopped or saturated.
func (p *workerPool) submit(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"function": "submit",
		}).Warn("Worker pool queue full, rejecting task")
		return false
	}
}

// stop rejects further submissions, then waits for queued and running
// tasks to finish.
func (p *workerPool) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()
	p.workers.Wait()
}
