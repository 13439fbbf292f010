package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mordilloSan/go-logger/logger"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/liftoff/GateOne-sub000/common/cache"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("runner closed")

// Task is a unit of work run on a worker.
type Task func(ctx context.Context) (any, error)

// Callback receives the outcome of a Task. It runs on the worker goroutine.
type Callback func(result any, err error)

type job struct {
	ctx context.Context
	fn  Task
	cb  Callback
}

// Runner executes tasks on a bounded number of workers.
//
// CallSingleton serializes tasks sharing a key in FIFO order so that two
// read-modify-write cycles on the same resource never interleave.
type Runner struct {
	name string
	sem  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string][]job
	closed bool

	memo  *cache.Cache[memoResult]
	group singleflight.Group
}

type memoResult struct {
	value any
	err   error
}

// NewRunner creates a runner with the given number of workers.
func NewRunner(name string, workers int) *Runner {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		name:   name,
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string][]job),
		memo:   cache.New[memoResult](time.Minute),
	}
}

// Go runs fn on a worker and hands the result to cb (which may be nil).
// If ctx ends before fn finishes the result is discarded and cb gets ctx.Err().
func (r *Runner) Go(ctx context.Context, fn Task, cb Callback) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		finish(cb, nil, ErrClosed)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		res, err := r.run(ctx, fn)
		finish(cb, res, err)
	}()
}

// CallSingleton queues fn behind any running or pending task with the same key.
func (r *Runner) CallSingleton(ctx context.Context, key string, fn Task, cb Callback) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		finish(cb, nil, ErrClosed)
		return
	}
	q, running := r.queues[key]
	r.queues[key] = append(q, job{ctx: ctx, fn: fn, cb: cb})
	if running {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.drain(key)
}

func (r *Runner) drain(key string) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		q := r.queues[key]
		if len(q) == 0 {
			delete(r.queues, key)
			r.mu.Unlock()
			return
		}
		j := q[0]
		r.mu.Unlock()

		res, err := r.run(j.ctx, j.fn)
		finish(j.cb, res, err)

		r.mu.Lock()
		r.queues[key] = r.queues[key][1:]
		r.mu.Unlock()
	}
}

// Memoize returns a cached result for key or computes it once, even when
// called concurrently. Errors are cached too, for the same ttl.
func (r *Runner) Memoize(key string, ttl time.Duration, fn Task) (any, error) {
	if m, ok := r.memo.Get(key); ok {
		return m.value, m.err
	}
	v, _, _ := r.group.Do(key, func() (any, error) {
		if m, ok := r.memo.Get(key); ok {
			return m, nil
		}
		res, err := r.run(r.ctx, fn)
		m := memoResult{value: res, err: err}
		if !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
			r.memo.SetWithExp(key, m, ttl)
		}
		return m, nil
	})
	m := v.(memoResult)
	return m.value, m.err
}

// Forget drops a memoized result.
func (r *Runner) Forget(key string) {
	r.memo.Delete(key)
}

// Pending returns the number of queued singleton tasks for key, including a running one.
func (r *Runner) Pending(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[key])
}

// Wait blocks until every submitted task has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close rejects new work, cancels the runner context and waits for running tasks.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
	r.memo.Close()
}

func (r *Runner) run(ctx context.Context, fn Task) (res any, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	// tasks stop when either the caller or the runner goes away
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-r.ctx.Done():
			stop()
		case <-ctx.Done():
		}
	}()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		if r.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}
	defer r.sem.Release(1)

	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("[Async] %s task panic: %v\n%s", r.name, p, debug.Stack())
			res, err = nil, fmt.Errorf("task panic: %v", p)
		}
	}()
	res, err = fn(ctx)
	if cerr := ctx.Err(); cerr != nil && err == nil {
		// abandoned by the caller; the result is stale
		return nil, cerr
	}
	return res, err
}

func finish(cb Callback, res any, err error) {
	if cb != nil {
		cb(res, err)
	}
}
