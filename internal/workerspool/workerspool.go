// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool schedules the cubes of a launch on a bounded number of goroutines.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool runs tasks (one per cube) with a soft limit on how many run in parallel.
//
// Each cube internally spawns one goroutine per unit, so the limit is on the number of cubes
// in flight, not on the number of goroutines.
type Pool struct {
	// maxParallelism is a soft target on the number of tasks running at once.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a new Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a new Pool with the given maxParallelism. See SetMaxParallelism.
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is a soft-target for parallelism.
// If set to 0 parallelism is disabled: tasks run inline.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// It should only be changed while no tasks are running.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// lockedIsFull returns whether all available slots are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// StartIfAvailable runs the task in a separate goroutine, if there is a free slot.
// It returns true if it started the task, false otherwise.
//
// It's up to the client to synchronize the end of the task execution.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// ForEach runs task(idx) for idx in [0, count), and returns when all of them finished.
//
// Tasks are started in their own goroutine while there are free slots, otherwise the caller runs them inline:
// so at most MaxParallelism+1 tasks run at once. If parallelism is disabled, all tasks run inline, in order.
func (w *Pool) ForEach(count int, task func(idx int)) {
	if !w.IsEnabled() {
		for idx := range count {
			task(idx)
		}
		return
	}
	var wg sync.WaitGroup
	for idx := range count {
		wg.Add(1)
		started := w.StartIfAvailable(func() {
			defer wg.Done()
			task(idx)
		})
		if !started {
			task(idx)
			wg.Done()
		}
	}
	wg.Wait()
}
