// Package completion provides the I/O completion object that correlates
// asynchronous stack operations with callbacks run on a worker pool.
package completion

import (
	"sync"

	"github.com/searchktools/async-server/core/pools"
)

// Callback handles one completed operation. op is the value handed to the
// stack when the operation was submitted.
type Callback func(op any, result error, bytes int)

// IO is armed with Start before every asynchronous submission. Each arm is
// balanced either by Cancel (the submission failed synchronously) or by
// exactly one Complete from the stack.
type IO struct {
	pool     *pools.WorkerPool
	callback Callback

	mu          sync.Mutex
	drained     *sync.Cond
	outstanding int
	cancelling  bool
	closed      bool
}

// New creates a completion object whose callbacks run on pool
func New(pool *pools.WorkerPool, cb Callback) *IO {
	c := &IO{
		pool:     pool,
		callback: cb,
	}
	c.drained = sync.NewCond(&c.mu)
	return c
}

// Start arms the object for one pending operation
func (c *IO) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		panic("completion: Start on closed object")
	}
	c.outstanding++
}

// Cancel disarms one Start whose submission failed synchronously
func (c *IO) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release()
}

// Complete delivers the result of an armed operation. The callback runs on
// the worker pool, or inline on the caller when the pool no longer accepts
// tasks.
func (c *IO) Complete(op any, result error, bytes int) {
	c.mu.Lock()
	if c.outstanding <= 0 {
		c.mu.Unlock()
		panic("completion: Complete without matching Start")
	}
	c.mu.Unlock()

	task := func() {
		c.mu.Lock()
		skip := c.cancelling
		c.mu.Unlock()

		if !skip {
			c.callback(op, result, bytes)
		}

		c.mu.Lock()
		c.release()
		c.mu.Unlock()
	}

	if !c.pool.Submit(task) {
		task()
	}
}

// release must be called with mu held
func (c *IO) release() {
	if c.outstanding <= 0 {
		panic("completion: outstanding count underflow")
	}
	c.outstanding--
	if c.outstanding == 0 {
		c.drained.Broadcast()
	}
}

// WaitForCallbacks blocks until no operation is pending and no callback is
// running. With cancelPending, callbacks that have not started yet are
// skipped.
func (c *IO) WaitForCallbacks(cancelPending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cancelPending {
		c.cancelling = true
	}
	for c.outstanding > 0 {
		c.drained.Wait()
	}
	c.cancelling = false
}

// Outstanding returns the number of armed operations
func (c *IO) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

// Close marks the object unusable. Pending operations are not waited for;
// call WaitForCallbacks first.
func (c *IO) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
