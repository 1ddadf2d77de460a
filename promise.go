package mesh

import (
	"context"
	"sync/atomic"
)

const (
	promisePending int32 = iota
	promiseCompleted
	promiseAbandoned
)

// Result carries the outcome delivered into a Promise.
type Result[T any] struct {
	Value T
	Err   error
}

// Promise is a single-use completion slot. Exactly one of Resolve or Reject
// succeeds; the receiver may Abandon it at any time, after which deliveries
// report ErrAbandoned and are otherwise ignored.
type Promise[T any] struct {
	state atomic.Int32
	ch    chan Result[T]
}

// NewPromise creates a pending Promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{ch: make(chan Result[T], 1)}
}

// Resolve delivers a value.
func (p *Promise[T]) Resolve(v T) error {
	return p.complete(Result[T]{Value: v})
}

// Reject delivers an error.
func (p *Promise[T]) Reject(err error) error {
	return p.complete(Result[T]{Err: err})
}

func (p *Promise[T]) complete(res Result[T]) error {
	if !p.state.CompareAndSwap(promisePending, promiseCompleted) {
		if p.state.Load() == promiseAbandoned {
			return ErrAbandoned
		}
		return ErrAlreadyCompleted
	}
	p.ch <- res
	return nil
}

// Abandon marks the receiving side as gone.
func (p *Promise[T]) Abandon() {
	p.state.CompareAndSwap(promisePending, promiseAbandoned)
}

// Done returns a channel that yields the Result once delivered.
func (p *Promise[T]) Done() <-chan Result[T] {
	return p.ch
}

// Await blocks until the Promise is completed or the context is done. In the
// latter case the Promise is abandoned.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case res := <-p.ch:
		return res.Value, res.Err
	case <-ctx.Done():
		p.Abandon()
		// the value may have been delivered right before abandoning
		if p.state.Load() == promiseCompleted {
			res := <-p.ch
			return res.Value, res.Err
		}
		var zero T
		return zero, ctx.Err()
	}
}
