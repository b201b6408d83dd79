package bus

import (
	"context"
	"sync"
)

// Future resolves when an asynchronous publication completes. For
// handler-dispatch modes it resolves after every handler completed or
// failed; for Queued mode it resolves as soon as the message is
// enqueued.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve completes the future. Only the first call wins.
func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed when the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err blocks until the future resolves and returns its error.
func (f *Future) Err() error {
	<-f.done
	return f.err
}

// Wait blocks until the future resolves or the context is cancelled.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolvedFuture returns an already-resolved future.
func resolvedFuture(err error) *Future {
	f := newFuture()
	f.resolve(err)
	return f
}
