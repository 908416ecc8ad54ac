package pools

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_Basic(t *testing.T) {
	pool := NewWorkerPool(4)

	var counter atomic.Int64

	// Submit 100 tasks
	for i := 0; i < 100; i++ {
		if !pool.Submit(func() {
			counter.Add(1)
		}) {
			t.Fatal("Submit rejected on open pool")
		}
	}

	// Close drains the queues
	pool.Close()

	if counter.Load() != 100 {
		t.Errorf("Expected 100 tasks completed, got %d", counter.Load())
	}
	if stats := pool.Stats(); stats.TasksPending != 0 {
		t.Errorf("Expected 0 pending tasks, got %d", stats.TasksPending)
	}
}

func TestWorkerPool_WorkStealing(t *testing.T) {
	pool := NewWorkerPool(4)

	var counter atomic.Int64

	// Submit tasks that take different time
	for i := 0; i < 100; i++ {
		i := i
		pool.Submit(func() {
			if i%10 == 0 {
				time.Sleep(10 * time.Millisecond) // Some tasks are slower
			}
			counter.Add(1)
		})
	}

	pool.Close()

	stats := pool.Stats()
	if stats.TasksCompleted != 100 {
		t.Errorf("Expected 100 tasks completed, got %d", stats.TasksCompleted)
	}

	// Check that work stealing happened
	if stats.StealsSuccess == 0 {
		t.Log("Warning: No successful steals detected")
	}
}

// TestWorkerPool_SubmitAfterClose rejects tasks once closed
func TestWorkerPool_SubmitAfterClose(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()
	pool.Close()

	ran := false
	if pool.Submit(func() { ran = true }) {
		t.Error("Expected Submit to fail after Close")
	}
	if ran {
		t.Error("Task ran after Close")
	}
}

// TestWorkerPool_InlineWhenFull runs tasks on the caller when queues are full
func TestWorkerPool_InlineWhenFull(t *testing.T) {
	pool := NewWorkerPool(1)

	block := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(func() {
		close(started)
		<-block
	})
	<-started

	// Fill the single queue behind the blocked task
	for i := 0; i < 256; i++ {
		pool.Submit(func() {})
	}

	inline := false
	pool.Submit(func() { inline = true })
	if !inline {
		t.Error("Expected task to run inline when queue is full")
	}

	close(block)
	pool.Close()

	if stats := pool.Stats(); stats.TasksInline == 0 {
		t.Error("Expected inline counter to be incremented")
	}
}

func BenchmarkWorkerPool_Submit(b *testing.B) {
	pool := NewWorkerPool(8)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pool.Submit(func() {
				// Simulate some work
				_ = 1 + 1
			})
		}
	})

	pool.Close()
}

func BenchmarkGoroutine_Direct(b *testing.B) {
	var wg atomic.Int64
	wg.Store(int64(b.N))

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			go func() {
				// Simulate some work
				_ = 1 + 1
				wg.Add(-1)
			}()
		}
	})

	// Wait for completion
	for wg.Load() > 0 {
		time.Sleep(1 * time.Millisecond)
	}
}
