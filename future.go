package asyncmy

import (
	"context"
	"sync"
)

// Future is a single-consumer asynchronous value (spec §2 item 6, §4.6).
// It is produced by the Future-returning submission points
// (BeginConnection, Connection.Query, ...) and by Callbacks.PreQuery. Grounded on the teacher's
// own blocking-wait pattern in grpc.Server.Stop: a buffered channel of
// size 1 plus a sync.Once guarding the single write.
type Future[T any] struct {
	ch   chan futureResult[T]
	once sync.Once
}

type futureResult[T any] struct {
	val T
	err error
}

// NewFuture returns an unresolved Future and the function that resolves
// it. resolve may be called from any goroutine, at most once effectively
// (later calls are ignored); it must be called exactly once by the
// Operation that owns this Future.
func NewFuture[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{ch: make(chan futureResult[T], 1)}
	return f, func(v T, err error) {
		f.once.Do(func() {
			f.ch <- futureResult[T]{val: v, err: err}
		})
	}
}

// ResolvedFuture returns a Future that is already complete.
func ResolvedFuture[T any](v T, err error) *Future[T] {
	f, resolve := NewFuture[T]()
	resolve(v, err)
	return f
}

// Get blocks until the Future resolves or ctx is done, whichever is
// first.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case r := <-f.ch:
		// put it back so a second Get (e.g. after a timeout raced the
		// resolution) still observes the same value.
		f.ch <- r
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, newError(Timeout, "future wait cancelled: "+ctx.Err().Error(), ctx.Err())
	}
}

// Wait blocks until the Future resolves, with no deadline of its own;
// any timeout is the one the Operation itself applies.
func (f *Future[T]) Wait() (T, error) {
	r := <-f.ch
	f.ch <- r
	return r.val, r.err
}
