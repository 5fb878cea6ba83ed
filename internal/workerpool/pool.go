// Package workerpool implements the small fixed-size worker pool that the
// single-threaded daemon scheduler dispatches blocking handler work to
// (session-mux protocol calls, multiplexer pane listings, and anything
// else that touches I/O). Submitted work runs concurrently up to a bound;
// results are delivered through a future so the scheduler's receive path
// never blocks waiting for them.
package workerpool

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is the pool size used when none is configured.
const DefaultSize = 6

// ErrClosed is returned by Submit after the pool has been shut down.
var ErrClosed = errors.New("workerpool: closed")

// Pool bounds concurrent execution of blocking work with a weighted
// semaphore, and hands each submission's result back through a Future.
type Pool struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pool that runs at most size tasks concurrently (DefaultSize
// if size <= 0).
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Future is the result of one Submit call.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

// Await blocks until the task completes or ctx is done, whichever first.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit schedules fn to run as soon as a slot is free. It never blocks the
// caller beyond acquiring bookkeeping locks; the semaphore acquire happens
// in the spawned goroutine so Submit itself returns immediately, matching
// the "RPC receive path remains responsive" requirement.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) (any, error)) (*Future, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	fut := &Future{done: make(chan struct{})}

	go func() {
		defer p.wg.Done()
		defer close(fut.done)

		if err := p.sem.Acquire(ctx, 1); err != nil {
			fut.err = err
			return
		}
		defer p.sem.Release(1)

		fut.val, fut.err = fn(ctx)
	}()

	return fut, nil
}

// Close prevents further submissions and waits for outstanding tasks to
// finish. Outstanding futures still resolve normally: orphaned handlers
// complete and mutate state as if successful, with no rollback. Close
// only stops accepting new work.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
