// Package workpool runs detached background jobs on a bounded number of
// goroutines and hands back a Task for each submission so callers that do not
// wait can still collect the outcome later.
package workpool

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("workpool: closed")

// Task is the handle for one submitted job.
type Task struct {
	Name string

	done chan struct{}
	err  error
}

// Done is closed once the job has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the job error. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx is cancelled.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool limits the number of concurrently running jobs.
type Pool struct {
	sem *semaphore.Weighted
	ctx context.Context

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a pool running at most size jobs at once. Jobs receive a context
// derived from ctx, not from the submitter, so they outlive the request that
// queued them.
func New(ctx context.Context, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit queues fn and returns immediately.
func (p *Pool) Submit(name string, fn func(ctx context.Context) error) (*Task, error) {
	if p == nil {
		return nil, errors.New("nil pool")
	}
	if fn == nil {
		return nil, errors.New("nil job")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	task := &Task{Name: name, done: make(chan struct{})}
	go func() {
		defer p.wg.Done()
		defer close(task.done)

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			task.err = err
			return
		}
		defer p.sem.Release(1)
		task.err = fn(p.ctx)
	}()
	return task, nil
}

// Close stops accepting jobs and waits for queued ones to finish or for ctx to
// expire, in which case running jobs see their context cancelled.
func (p *Pool) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// WaitAll waits for every task and joins their errors.
func WaitAll(ctx context.Context, tasks []*Task) error {
	var errs []error
	for _, t := range tasks {
		if t == nil {
			continue
		}
		if err := t.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
