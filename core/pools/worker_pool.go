package pools

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Task represents a unit of work
type Task func()

// WorkerPool implements a work-stealing goroutine pool. It runs completion
// callbacks, so a task must never block on another task.
type WorkerPool struct {
	numWorkers int
	queues     []*workerQueue

	// mu guards the queues against Close while Submit is sending
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	next atomic.Uint64

	// Statistics
	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		tasksInline    atomic.Uint64
		stealsSuccess  atomic.Uint64
		stealsFailed   atomic.Uint64
	}
}

// workerQueue is the buffered queue owned by a single worker
type workerQueue struct {
	tasks chan Task
	id    int
}

// worker represents a goroutine that processes tasks
type worker struct {
	id    int
	pool  *WorkerPool
	queue *workerQueue
}

// NewWorkerPool creates a new work-stealing worker pool.
// numWorkers <= 0 means one worker per CPU.
func NewWorkerPool(numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
		queues:     make([]*workerQueue, numWorkers),
	}

	for i := 0; i < numWorkers; i++ {
		pool.queues[i] = &workerQueue{
			tasks: make(chan Task, 256),
			id:    i,
		}
	}

	pool.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		w := &worker{
			id:    i,
			pool:  pool,
			queue: pool.queues[i],
		}
		go w.run()
	}

	return pool
}

// Submit hands a task to the pool using round-robin. When the chosen queue
// and its neighbour are both full the task runs inline on the caller.
// Submit returns false only when the pool is closed; the task did not run.
func (p *WorkerPool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	p.stats.tasksSubmitted.Add(1)

	idx := int(p.next.Add(1) % uint64(p.numWorkers))

	select {
	case p.queues[idx].tasks <- task:
		return true
	default:
	}

	idx = (idx + 1) % p.numWorkers
	select {
	case p.queues[idx].tasks <- task:
		return true
	default:
		// All queues full, execute inline
		p.stats.tasksInline.Add(1)
		task()
		p.stats.tasksCompleted.Add(1)
		return true
	}
}

// run is the main loop for a worker goroutine
func (w *worker) run() {
	defer w.pool.wg.Done()

	for {
		// Own queue first
		select {
		case task, ok := <-w.queue.tasks:
			if !ok {
				return
			}
			w.execute(task)
			continue
		default:
		}

		if w.trySteal() {
			continue
		}

		// No work available, block on own queue
		task, ok := <-w.queue.tasks
		if !ok {
			return
		}
		w.execute(task)
	}
}

func (w *worker) execute(task Task) {
	task()
	w.pool.stats.tasksCompleted.Add(1)
}

// trySteal attempts to steal work from another worker
func (w *worker) trySteal() bool {
	numWorkers := w.pool.numWorkers
	start := (w.id + 1) % numWorkers

	for i := 0; i < numWorkers-1; i++ {
		victim := w.pool.queues[(start+i)%numWorkers]

		select {
		case task, ok := <-victim.tasks:
			if ok {
				w.pool.stats.stealsSuccess.Add(1)
				w.execute(task)
				return true
			}
		default:
		}
	}

	w.pool.stats.stealsFailed.Add(1)
	return false
}

// Close stops accepting tasks, lets the workers drain what is queued, and
// waits for them to exit.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q.tasks)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	submitted := p.stats.tasksSubmitted.Load()
	completed := p.stats.tasksCompleted.Load()
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		TasksSubmitted: submitted,
		TasksCompleted: completed,
		TasksPending:   submitted - completed,
		TasksInline:    p.stats.tasksInline.Load(),
		StealsSuccess:  p.stats.stealsSuccess.Load(),
		StealsFailed:   p.stats.stealsFailed.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksPending   uint64
	TasksInline    uint64
	StealsSuccess  uint64
	StealsFailed   uint64
}
