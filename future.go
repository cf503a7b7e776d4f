package jrpc2

import (
	"context"
	"fmt"
	"sync"
)

// Future is the deferred outcome of an asynchronous operation. It completes exactly once.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Defer runs fn on its own goroutine and returns its outcome as a Future.
// Evaluators return it to hand a result to the dispatcher later.
func Defer[T any](fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.fail(fmt.Errorf("deferred panic: %v", r))
			}
		}()
		v, err := fn()
		f.complete(v, err)
	}()
	return f
}

// complete settles the future; it reports false if the future was already settled.
func (f *Future[T]) complete(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		settled = true
	})
	return settled
}

func (f *Future[T]) fail(err error) bool {
	var zero T
	return f.complete(zero, err)
}

// Done is closed once the outcome is known.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the outcome is known or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Await implements Deferred.
func (f *Future[T]) Await(ctx context.Context) (any, error) {
	v, err := f.Wait(ctx)
	return v, err
}

// Deferred is a result an evaluator hands over before it is known.
// The dispatcher awaits it before replying.
type Deferred interface {
	Await(ctx context.Context) (any, error)
}
