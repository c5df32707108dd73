// Package command turns one-shot protocol requests into awaitable results
// and retries transient failures under a bounded policy.
package command

import (
	"context"
	"sync"
)

// Future is a single-resolution result. The first Resolve or Reject wins;
// later calls are ignored.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error

	mu        sync.Mutex
	callbacks []func(T, error)
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already completed with v.
func Resolved[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v)
	return f
}

// Failed returns a future already completed with err.
func Failed[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Reject(err)
	return f
}

// Resolve completes the future with v. It reports whether this call
// completed it.
func (f *Future[T]) Resolve(v T) bool {
	return f.complete(v, nil)
}

// Reject completes the future with err.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.complete(zero, err)
}

func (f *Future[T]) complete(v T, err error) bool {
	won := false
	f.once.Do(func() {
		won = true
		f.value, f.err = v, err

		f.mu.Lock()
		cbs := f.callbacks
		f.callbacks = nil
		close(f.done)
		f.mu.Unlock()

		for _, cb := range cbs {
			cb(v, err)
		}
	})
	return won
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome without blocking; ok is false while pending.
func (f *Future[T]) Result() (v T, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		return v, nil, false
	}
}

// Await blocks until the future resolves or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers cb to run once with the outcome. If the future is
// already resolved cb runs immediately on the caller's goroutine, otherwise
// on the goroutine that resolves it.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		cb(f.value, f.err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// Then chains fn after f succeeds. A failure of f short-circuits to the
// returned future.
func Then[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	out := NewFuture[U]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			out.Reject(err)
			return
		}
		fn(v).OnComplete(func(u U, err error) {
			if err != nil {
				out.Reject(err)
				return
			}
			out.Resolve(u)
		})
	})
	return out
}
