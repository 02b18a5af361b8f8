// Package workerpool bounds how many tasks run at once. A fixed-size
// ants.Pool caps the number of mid-execution tasks without the caller
// having to manage a semaphore itself.
package workerpool

import (
	"fmt"

	"github.com/panjf2000/ants/v2"
)

// Future is the handle returned by Submit; Get blocks until the task has
// run and yields its result or error.
type Future interface {
	Get() (interface{}, error)
}

type futureImpl struct {
	ch <-chan interface{}
}

func (f *futureImpl) Get() (interface{}, error) {
	result := <-f.ch
	err := <-f.ch
	if err == nil {
		return result, nil
	}
	if e, ok := err.(error); ok {
		return result, e
	}
	return result, fmt.Errorf("workerpool: task err: %v", err)
}

// Pool is a bounded, reusable pool of goroutines. At most Size() tasks run
// concurrently; further submissions block until a slot frees up.
type Pool struct {
	pool *ants.Pool
}

// New creates a pool bounded to size concurrently-running tasks.
func New(size int) (*Pool, error) {
	p, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p}, nil
}

// Submit schedules task to run on the pool, blocking the caller only long
// enough to hand off the task (not for it to complete). The returned
// Future yields the task's result once it finishes.
func (p *Pool) Submit(task func() (interface{}, error)) Future {
	result := make(chan interface{}, 2)
	err := p.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				result <- nil
				result <- fmt.Errorf("workerpool: panic in task: %v", r)
				close(result)
			}
		}()
		val, err := task()
		result <- val
		result <- err
		close(result)
	})
	if err != nil {
		result <- nil
		result <- err
		close(result)
	}
	return &futureImpl{ch: result}
}

// Size returns the number of goroutines the pool is bounded to.
func (p *Pool) Size() int {
	return p.pool.Cap()
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Tune resizes the pool's capacity.
func (p *Pool) Tune(size int) {
	p.pool.Tune(size)
}

// Release closes the pool to new submissions. It returns without waiting
// for tasks that are already running.
func (p *Pool) Release() {
	p.pool.Release()
}
