// Package affinity runs closures on one designated OS thread.
package affinity

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
)

// Executor drains a FIFO queue of closures on a single goroutine that is
// locked to its OS thread for its whole life. Plugin creation, event loop
// iterations and plugin teardown all go through it.
type Executor struct {
	tasks chan func()
	stop  chan struct{}
	done  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

func New(queue int) *Executor {
	if queue < 1 {
		queue = 1
	}
	return &Executor{
		tasks: make(chan func(), queue),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the executor thread. Calling it again has no effect.
func (e *Executor) Start() {
	e.startOnce.Do(func() {
		go e.run()
	})
}

func (e *Executor) run() {
	runtime.LockOSThread()
	// The thread is not unlocked; it exits with the goroutine so no other
	// goroutine inherits its thread state.
	defer close(e.done)
	for {
		select {
		case task := <-e.tasks:
			task()
		case <-e.stop:
			return
		}
	}
}

// Post queues fn without waiting for it. It returns ErrExecutorStopped once
// the executor is shutting down.
func (e *Executor) Post(fn func()) error {
	select {
	case <-e.stop:
		return domain.ErrExecutorStopped
	default:
	}
	select {
	case e.tasks <- fn:
		return nil
	case <-e.stop:
		return domain.ErrExecutorStopped
	}
}

// Do runs fn on the executor thread and waits for it. If ctx ends first the
// call returns ctx.Err(); fn still runs to completion on the executor.
func (e *Executor) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	err := e.Post(func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("executor task panicked: %v", r)
			}
		}()
		result <- fn()
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		select {
		case err := <-result:
			return err
		default:
			return domain.ErrExecutorStopped
		}
	}
}

// Stop ends the executor after the task in progress. Queued tasks that have
// not started are dropped. Stop waits for the thread to exit if it was
// started.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	// An executor that never started has no thread to wait for.
	e.startOnce.Do(func() {
		close(e.done)
	})
	<-e.done
}
