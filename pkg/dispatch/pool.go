package dispatch

import (
	"errors"
	"sync"

	"github.com/cuemby/provisor/pkg/metrics"
)

var (
	// ErrPoolSaturated is returned when the task queue is full
	ErrPoolSaturated = errors.New("worker pool saturated")

	// ErrPoolStopped is returned after Stop
	ErrPoolStopped = errors.New("worker pool stopped")
)

// Pool runs placement tasks on a fixed number of goroutines fed by a
// bounded queue
type Pool struct {
	mu      sync.RWMutex
	tasks   chan func()
	stopped bool

	workers sync.WaitGroup

	countMu sync.Mutex
	idle    *sync.Cond
	count   int
}

// NewPool starts workers goroutines sharing a queue of the given depth
func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{tasks: make(chan func(), queue)}
	p.idle = sync.NewCond(&p.countMu)
	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.workers.Done()
	for fn := range p.tasks {
		metrics.WorkerPoolBusy.Inc()
		fn()
		metrics.WorkerPoolBusy.Dec()
		p.done()
	}
}

func (p *Pool) add() {
	p.countMu.Lock()
	p.count++
	p.countMu.Unlock()
}

func (p *Pool) done() {
	p.countMu.Lock()
	p.count--
	if p.count == 0 {
		p.idle.Broadcast()
	}
	p.countMu.Unlock()
}

// Submit queues a task without blocking
func (p *Pool) Submit(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}
	p.add()
	select {
	case p.tasks <- fn:
		return nil
	default:
		p.done()
		return ErrPoolSaturated
	}
}

// Wait blocks until every submitted task, including tasks submitted by
// running tasks, has finished
func (p *Pool) Wait() {
	p.countMu.Lock()
	defer p.countMu.Unlock()
	for p.count > 0 {
		p.idle.Wait()
	}
}

// Stop rejects new tasks, lets queued tasks finish and waits for the
// workers to exit
func (p *Pool) Stop() {
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
