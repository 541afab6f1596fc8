// ============================================================================
// Partner Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs the handler for one key at a time, each
// Worker in its own goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the handler under a per-task timeout
//   3. Send result to resultCh (blocking; the pool's owner drains it)
//   4. Repeat until taskCh is closed
//
// Once the pool stops, buffered tasks are discarded without running and a
// pending result send is dropped.
//
// A panicking handler is turned into an error result so one bad record
// cannot take a worker down.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker identifier, used for logging
	handler  Handler       // what to run per task
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
}

func newWorker(id int, handler Handler, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		handler:  handler,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker.
func (w *Worker) Run(stopCh <-chan struct{}) {
	for task := range w.taskCh {
		select {
		case <-stopCh:
			continue
		default:
		}
		start := time.Now()

		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		kind, swept, err := w.execute(ctx, task.Key)
		cancel()

		result := Result{
			Key:      task.Key,
			Kind:     kind,
			Swept:    swept,
			Error:    err,
			Duration: time.Since(start),
		}
		select {
		case w.resultCh <- result:
		case <-stopCh:
		}
	}
}

func (w *Worker) execute(ctx context.Context, key string) (kind string, swept bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: handler panic on %s: %v", w.id, key, r)
		}
	}()
	return w.handler(ctx, key)
}
