package store

import (
	"context"
	"sync"
)

// Future is the result of asynchronous setup. It resolves exactly once, either with a ready
// coordinator or with an error, never both.
type Future struct {
	once  sync.Once
	done  chan struct{}
	coord *Coordinator
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done returns a channel closed when setup finished
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Ready is true if setup finished, successfully or not
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until setup finished or ctx is done
func (f *Future) Wait(ctx context.Context) (*Coordinator, error) {
	select {
	case <-f.done:
		return f.coord, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(c *Coordinator, err error) bool {
	resolved := false
	f.once.Do(func() {
		if err != nil {
			c = nil
		}
		f.coord, f.err = c, err
		close(f.done)
		resolved = true
	})
	return resolved
}
