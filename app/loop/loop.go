// Package loop implements serial execution contexts. A Queue runs posted tasks one at a time,
// strictly in the order they were posted, on the single goroutine calling Run.
// The same type serves as the foreground context (Run called by the main goroutine)
// and as a private background worker (Run called by a dedicated goroutine).
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed returned when posting to a queue that was closed or stopped
var ErrClosed = errors.New("queue closed")

// ErrRunning returned by Run if another goroutine is already running the queue
var ErrRunning = errors.New("queue already running")

// Queue is an unbounded FIFO of tasks executed by one goroutine.
// Post never blocks, so a slow task can't stall the poster.
type Queue struct {
	name    string
	mu      sync.Mutex
	tasks   []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	running atomic.Bool
	once    sync.Once
}

// New makes a queue. The name is used for diagnostics only
func New(name string) *Queue {
	return &Queue{name: name, wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// Post adds fn to the end of the queue. Returns false if the queue doesn't accept tasks anymore.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	q.signal()
	return true
}

// Call posts fn and waits for it to finish. The wait ends early if ctx is done or the queue stopped,
// fn itself is not interrupted and may still run later.
func (q *Queue) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !q.Post(func() { defer close(finished); fn() }) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Run executes tasks on the calling goroutine until ctx is done or the queue is closed and drained.
// Tasks left in the queue on ctx cancellation are dropped.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.tasks = nil
		q.mu.Unlock()
		close(q.done)
	})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn, ok, closed := q.next()
		if ok {
			fn()
			continue
		}
		if closed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		}
	}
}

// Close stops accepting new tasks. Run returns after all tasks posted before Close have been executed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Done returns a channel closed when Run has returned
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of tasks waiting for execution
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) String() string {
	return q.name
}

func (q *Queue) next() (fn func(), ok, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false, q.closed
	}
	fn = q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return fn, true, q.closed
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
