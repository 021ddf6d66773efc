// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs tasks in parallel with a soft limit on the number of goroutines.
// It's used by the native backend to evaluate blocks of the iteration space in parallel.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Pool of workers. It is safe for concurrent use.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int
	mu             sync.Mutex
	numRunning     int

	// extraParallelism is temporarily increased when a worker goes to sleep.
	extraParallelism atomic.Int32
}

// New returns a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is a soft-target for parallelism.
// If 0 parallelism is disabled, if -1 it is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// You should only change the parallelism before any workers start running. If changed during the execution
// the behavior is undefined.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

const goroutineToParallelismRatio = 2

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with w.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= goroutineToParallelismRatio*w.maxParallelism+int(w.extraParallelism.Load())
}

// StartIfAvailable runs the task in a separate goroutine, if there are workers left.
// It returns whether the task was started.
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
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.mu.Unlock()
		}()
		task()
	}()
	return true
}

// WorkerIsAsleep indicates the calling goroutine is going to sleep waiting for other workers, and
// temporarily increases the number of available workers. Call WorkerRestarted when it wakes up.
func (w *Pool) WorkerIsAsleep() {
	w.extraParallelism.Add(1)
}

// WorkerRestarted indicates the calling goroutine, that called WorkerIsAsleep before, is running again.
func (w *Pool) WorkerRestarted() {
	w.extraParallelism.Add(-1)
}

// ParallelFor calls fn(task) for every task in [0, numTasks), and waits for them to finish.
//
// The calling goroutine works on the tasks too, helped by as many workers as the pool has available
// (up to MaxParallelism-1). So it never blocks waiting for a worker: with the pool full, all tasks run
// in the caller. While the caller waits for its helpers to finish, its slot is lent to the pool
// (see WorkerIsAsleep).
//
// A panic in fn is recovered and returned as an error: the remaining tasks are skipped, and the
// first error is returned.
func (w *Pool) ParallelFor(numTasks int, fn func(task int)) error {
	if numTasks <= 0 {
		return nil
	}
	if numTasks == 1 || !w.IsEnabled() {
		for task := range numTasks {
			if err := runTask(fn, task); err != nil {
				return err
			}
		}
		return nil
	}

	var next atomic.Int64
	var once sync.Once
	var firstErr error
	worker := func() {
		for {
			task := int(next.Add(1) - 1)
			if task >= numTasks {
				return
			}
			if err := runTask(fn, task); err != nil {
				once.Do(func() { firstErr = err })
				next.Store(int64(numTasks))
				return
			}
		}
	}

	numHelpers := numTasks - 1
	if !w.IsUnlimited() {
		numHelpers = min(numHelpers, w.maxParallelism-1)
	}
	var wg sync.WaitGroup
	for range numHelpers {
		wg.Add(1)
		if !w.StartIfAvailable(func() {
			defer wg.Done()
			worker()
		}) {
			wg.Done()
			break
		}
	}
	worker()
	w.WorkerIsAsleep()
	wg.Wait()
	w.WorkerRestarted()
	return firstErr
}

// runTask converts a panic in fn to an error.
func runTask(fn func(task int), task int) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok {
			err = e
			return
		}
		err = errors.Errorf("panic in task #%d: %v", task, r)
	}()
	fn(task)
	return nil
}
