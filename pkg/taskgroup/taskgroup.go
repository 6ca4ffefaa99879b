// Package taskgroup runs a batch of tasks on a bounded worker pool and
// joins the batch with a timeout. Tasks still pending when the window
// closes are abandoned, not cancelled mid-flight.
package taskgroup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of work in a batch.
type Task func(ctx context.Context) error

// Group collects tasks and runs them with bounded concurrency.
type Group struct {
	workers int
	tasks   []Task
}

// New returns a group running at most workers tasks at once.
func New(workers int) *Group {
	if workers < 1 {
		workers = 1
	}
	return &Group{workers: workers}
}

// Go adds a task to the batch. Not safe for concurrent use with Join.
func (g *Group) Go(task Task) {
	g.tasks = append(g.tasks, task)
}

// Len returns the number of queued tasks.
func (g *Group) Len() int {
	return len(g.tasks)
}

// Result describes the outcome of a joined batch.
type Result struct {
	Completed int
	Failed    int
	Abandoned int
	Errs      []error
}

// TimedOut reports whether the join window closed before the batch drained.
func (r Result) TimedOut() bool {
	return r.Abandoned > 0
}

// Join runs the batch and waits until every task finishes or the timeout
// elapses, whichever comes first. On timeout the remaining tasks keep the
// workers they already hold but their results are no longer collected; the
// queue is not re-dispatched.
func (g *Group) Join(ctx context.Context, timeout time.Duration) Result {
	total := len(g.tasks)
	if total == 0 {
		return Result{}
	}

	joinCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	queue := make(chan Task)
	errC := make(chan error, total)
	var completed atomic.Int64
	var failed atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < g.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				if err := task(joinCtx); err != nil {
					failed.Add(1)
					select {
					case errC <- err:
					default:
					}
				} else {
					completed.Add(1)
				}
			}
		}()
	}

	go func() {
		defer close(queue)
		for _, task := range g.tasks {
			select {
			case queue <- task:
			case <-joinCtx.Done():
				return
			}
		}
	}()

	doneC := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneC)
	}()

	select {
	case <-doneC:
	case <-joinCtx.Done():
	}

	g.tasks = nil

	done := int(completed.Load())
	failures := int(failed.Load())

	res := Result{
		Completed: done,
		Failed:    failures,
		Abandoned: total - done - failures,
	}

	// Drain without closing: abandoned tasks may still report errors
	// after the join window has closed.
	for {
		select {
		case err := <-errC:
			res.Errs = append(res.Errs, err)
		default:
			return res
		}
	}
}
